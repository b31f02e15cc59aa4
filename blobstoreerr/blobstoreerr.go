// Package blobstoreerr defines the fixed error taxonomy every blockblob
// operation reports through (spec §7): a small set of kinds, wrapped with
// the operation name and the underlying cause so callers can both match on
// kind with errors.Is and read a human message with Error().
package blobstoreerr

import "fmt"

// Kind enumerates the error kinds the core produces. System errors are
// translated to the closest Kind near the syscall; anything unrecognized
// becomes Unknown.
type Kind int

const (
	OK Kind = iota
	NOENT
	NOMEM
	ACCES
	EXIST
	INVAL
	NOSPC
	AGAIN
	BADF
	MFILE
	SIGNATURE
	Unknown
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case NOENT:
		return "NOENT"
	case NOMEM:
		return "NOMEM"
	case ACCES:
		return "ACCES"
	case EXIST:
		return "EXIST"
	case INVAL:
		return "INVAL"
	case NOSPC:
		return "NOSPC"
	case AGAIN:
		return "AGAIN"
	case BADF:
		return "BADF"
	case MFILE:
		return "MFILE"
	case SIGNATURE:
		return "SIGNATURE"
	default:
		return "UNKNOWN"
	}
}

// Error wraps a Kind with the failing operation and the original cause.
// Kind values act as sentinels: compare with errors.Is(err, blobstoreerr.NOSPC),
// not by comparing *Error values directly (Op/Err vary per occurrence).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets a bare Kind act as the target of errors.Is: errors.Is walks the
// chain to *Error and asks it "are you this kind", so callers write
// errors.Is(err, blobstoreerr.NOSPC) without constructing an *Error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Error lets a bare Kind be passed as the target of errors.Is.
func (k Kind) Error() string { return k.String() }

// New builds an *Error for op/kind, optionally wrapping cause.
func New(op string, kind Kind, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind carried by err, or Unknown if err does not
// carry one (e.g. a raw stdlib error that was never classified).
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return Unknown
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
