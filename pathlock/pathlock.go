// Package pathlock implements the path-keyed reader/writer lock table
// described in spec §4.1: a process-wide registry of per-path records, so
// a given absolute path is held by either one writer or N readers across
// every goroutine of every process on the host. Exclusion comes only from
// the OS advisory lock (gofrs/flock), taken on a fresh descriptor per
// handle; there is no separate thread-level reader/writer lock, so two
// handles in the same process contend on the OS lock as two processes do.
//
// Grounded on the teacher's lock/flock.Lock, which combines a size-1
// channel (in-process exclusion) with github.com/gofrs/flock (cross-process
// exclusion, fresh fd per acquisition). pathlock generalizes that to
// reader/writer sharing and a bounded table of outstanding handles, which
// a single flock.Flock instance cannot express on its own.
package pathlock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/core/log"
)

// Mode is the access mode requested of Acquire.
type Mode int

const (
	RDONLY Mode = iota
	RDWR
	RDWRCreate
	RDWRCreateExcl
)

func (m Mode) isWriter() bool { return m != RDONLY }

func (m Mode) openFlags() int {
	switch m {
	case RDONLY:
		return os.O_RDONLY
	case RDWR:
		return os.O_RDWR
	case RDWRCreate:
		return os.O_RDWR | os.O_CREATE
	case RDWRCreateExcl:
		return os.O_RDWR | os.O_CREATE | os.O_EXCL
	default:
		return os.O_RDONLY
	}
}

// NoTimeout ("poll forever") and a zero timeout ("single attempt") mirror
// spec §5's BLOBSTORE_NO_TIMEOUT(-1)/0 semantics.
const NoTimeout = -1 * time.Microsecond

// maxHandles is the fixed-capacity bound on outstanding handles per path
// (spec §4.1's "≤99").
const maxHandles = 99

const pollInterval = 99 * time.Millisecond

// Handle is an outstanding lock reservation. It is released exactly once,
// via Release. File is the real, open file descriptor for path — opened
// with the flags mode implies (so CREATE/EXCL take effect through it) —
// and stays open and usable by the caller for the handle's lifetime; the
// OS advisory lock itself lives on a separate descriptor owned by fl, per
// gofrs/flock's one-fd-per-Flock model.
type Handle struct {
	path  string
	mode  Mode
	File  *os.File
	fl    *flock.Flock
	slot  int
	valid bool
}

type record struct {
	mu       sync.Mutex // guards this record's own fields
	mode     Mode
	refs     int
	handles  []*Handle // sparse, index == slot; nil entries are free
	occupied int       // count of non-nil entries, for the 99 cap
}

// Table is a process-global registry of per-path lock records. The zero
// value is ready to use; construct one with New and share it — the
// package does not keep a hidden global so tests can run with isolated
// tables, but a real process should create exactly one Table (lazily, on
// first store open, per spec §9) and hand it to every Store.
type Table struct {
	mu      sync.Mutex
	records map[string]*record
}

// New creates an empty path-lock table.
func New() *Table {
	return &Table{records: make(map[string]*record)}
}

// Acquire reserves path in mode, blocking (polling at ~99ms) until timeout
// elapses or ctx is cancelled. perm is used only when mode creates the file.
func (t *Table) Acquire(ctx context.Context, path string, mode Mode, timeout time.Duration, perm os.FileMode) (*Handle, error) {
	const op = "pathlock.Acquire"
	logger := log.WithFunc(op)

	rec, err := t.reserve(op, path, mode)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, mode.openFlags(), perm)
	if err != nil {
		t.release(path, rec, nil)
		return nil, blobstoreerr.New(op, translate(err), err)
	}

	fl := flock.New(path)
	deadline, hasDeadline := deadlineFor(ctx, timeout)

	for {
		ok, lockErr := tryLock(fl, mode.isWriter())
		if lockErr != nil {
			_ = f.Close()
			t.release(path, rec, nil)
			return nil, blobstoreerr.New(op, translate(lockErr), lockErr)
		}
		if ok {
			break
		}
		if hasDeadline && !time.Now().Before(deadline) {
			_ = f.Close()
			t.release(path, rec, nil)
			return nil, blobstoreerr.New(op, blobstoreerr.AGAIN, fmt.Errorf("timed out acquiring %s", path))
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			t.release(path, rec, nil)
			return nil, blobstoreerr.New(op, blobstoreerr.AGAIN, ctx.Err())
		case <-time.After(pollInterval):
		}
	}

	h := &Handle{path: path, mode: mode, File: f, fl: fl, valid: true}
	slot, err := t.registerHandle(path, rec, h)
	if err != nil {
		_ = fl.Unlock()
		_ = f.Close()
		t.release(path, rec, nil)
		return nil, err
	}
	h.slot = slot
	logger.Debugf(ctx, "acquired %s mode=%d", path, mode)
	return h, nil
}

// Release drops h. Releasing an already-released or unknown handle fails BADF.
func (t *Table) Release(h *Handle) error {
	const op = "pathlock.Release"
	if h == nil || !h.valid {
		return blobstoreerr.New(op, blobstoreerr.BADF, nil)
	}

	t.mu.Lock()
	rec, ok := t.records[h.path]
	t.mu.Unlock()
	if !ok {
		return blobstoreerr.New(op, blobstoreerr.BADF, nil)
	}

	rec.mu.Lock()
	if h.slot < 0 || h.slot >= len(rec.handles) || rec.handles[h.slot] != h {
		rec.mu.Unlock()
		return blobstoreerr.New(op, blobstoreerr.BADF, nil)
	}
	rec.handles[h.slot] = nil
	rec.occupied--
	rec.mu.Unlock()

	h.valid = false
	_ = h.fl.Unlock()
	_ = h.File.Close()
	t.release(h.path, rec, nil)
	return nil
}

// reserve finds-or-inserts the record for path, enforcing the
// single-mode-per-record rule, and bumps refs. It does not yet hold a
// descriptor slot — that happens once the lock is actually won.
func (t *Table) reserve(op, path string, mode Mode) (*record, error) {
	t.mu.Lock()
	if t.records == nil {
		t.records = make(map[string]*record)
	}
	rec, ok := t.records[path]
	if !ok {
		rec = &record{mode: mode}
		t.records[path] = rec
	}
	t.mu.Unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.refs > 0 && rec.mode.isWriter() != mode.isWriter() {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("mode mismatch on %s", path))
	}
	if rec.refs == 0 {
		rec.mode = mode
	}
	if rec.occupied >= maxHandles {
		return nil, blobstoreerr.New(op, blobstoreerr.MFILE, fmt.Errorf("too many handles on %s", path))
	}
	rec.refs++
	return rec, nil
}

func (t *Table) registerHandle(path string, rec *record, h *Handle) (int, error) {
	const op = "pathlock.Acquire"
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, slot := range rec.handles {
		if slot == nil {
			rec.handles[i] = h
			rec.occupied++
			return i, nil
		}
	}
	if len(rec.handles) >= maxHandles {
		return 0, blobstoreerr.New(op, blobstoreerr.MFILE, fmt.Errorf("too many handles on %s", path))
	}
	rec.handles = append(rec.handles, h)
	rec.occupied++
	return len(rec.handles) - 1, nil
}

// release drops one reference on rec and removes it from the table once
// the last reference goes away. Used both on clean release and on every
// failure unwind path in Acquire.
func (t *Table) release(path string, rec *record, _ error) {
	rec.mu.Lock()
	rec.refs--
	empty := rec.refs == 0
	rec.mu.Unlock()

	if !empty {
		return
	}
	t.mu.Lock()
	if cur, ok := t.records[path]; ok && cur == rec {
		cur.mu.Lock()
		stillEmpty := cur.refs == 0
		cur.mu.Unlock()
		if stillEmpty {
			delete(t.records, path)
		}
	}
	t.mu.Unlock()
}

func tryLock(fl *flock.Flock, writer bool) (bool, error) {
	if writer {
		return fl.TryLock()
	}
	return fl.TryRLock()
}

func deadlineFor(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if timeout == NoTimeout {
		return time.Time{}, false
	}
	return time.Now().Add(timeout), true
}

func translate(err error) blobstoreerr.Kind {
	if os.IsNotExist(err) {
		return blobstoreerr.NOENT
	}
	if os.IsExist(err) {
		return blobstoreerr.EXIST
	}
	if os.IsPermission(err) {
		return blobstoreerr.ACCES
	}
	return blobstoreerr.Unknown
}
