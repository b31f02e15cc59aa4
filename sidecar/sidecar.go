// Package sidecar implements metadata sidecar I/O for blobs (spec §4.2):
// the typed files attached to a blob id by suffix (blocks, dm, deps,
// loopback, sig, refs), addressed either as "ROOT/id.suffix" (FILES
// format) or "ROOT/id/suffix" (DIRECTORY format).
//
// Grounded on the teacher's storage/json.Store[T] (flock-protected
// read/modify/write of one JSON file) and utils/atomic.go's
// AtomicWriteFile, generalized from "one JSON document" to "one plain-text
// or line-oriented file per blob id per suffix".
package sidecar

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/utils"
)

// Format selects how a blob id maps to sidecar paths.
type Format int

const (
	FILES Format = iota
	DIRECTORY
)

// Suffix enumerates the recognized sidecar suffixes (spec §3).
type Suffix string

const (
	SuffixBlocks   Suffix = "blocks"
	SuffixLoopback Suffix = "loopback"
	SuffixDM       Suffix = "dm"
	SuffixDeps     Suffix = "deps"
	SuffixRefs     Suffix = "refs"
	SuffixSig      Suffix = "sig"
)

// allSuffixes is ordered longest-first so Classify's suffix match picks the
// most specific suffix when one is a substring of another's name.
var allSuffixes = []Suffix{SuffixLoopback, SuffixBlocks, SuffixDeps, SuffixRefs, SuffixSig, SuffixDM}

// IO provides sidecar access rooted at a store directory in a given Format.
type IO struct {
	Root   string
	Format Format
}

// New creates a sidecar accessor rooted at root.
func New(root string, format Format) *IO {
	return &IO{Root: root, Format: format}
}

// Path returns the on-disk path for (suffix, bb) under this IO's format.
func (io *IO) Path(suffix Suffix, bb string) string {
	switch io.Format {
	case DIRECTORY:
		return filepath.Join(io.Root, bb, string(suffix))
	default:
		return filepath.Join(io.Root, bb+"."+string(suffix))
	}
}

// EnsureParent creates, with mode 0700, the directory that must exist
// before any sidecar for bb can be written.
func (io *IO) EnsureParent(bb string) error {
	var dir string
	switch io.Format {
	case DIRECTORY:
		dir = filepath.Join(io.Root, bb)
	default:
		dir = filepath.Dir(filepath.Join(io.Root, bb))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return blobstoreerr.New("sidecar.EnsureParent", translate(err), err)
	}
	return nil
}

// WriteString truncate-writes s to the suffix file. Writing "" unlinks the
// file — the sidecar-is-absent representation of "no value" (spec §4.2).
func (io *IO) WriteString(suffix Suffix, bb, s string) error {
	const op = "sidecar.WriteString"
	path := io.Path(suffix, bb)
	if s == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return blobstoreerr.New(op, translate(err), err)
		}
		return nil
	}
	if err := io.EnsureParent(bb); err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(path, []byte(s), 0o600); err != nil {
		return blobstoreerr.New(op, blobstoreerr.Unknown, err)
	}
	return nil
}

// ReadString reads the entire suffix file, failing NOENT if absent.
func (io *IO) ReadString(suffix Suffix, bb string) (string, error) {
	const op = "sidecar.ReadString"
	data, err := os.ReadFile(io.Path(suffix, bb)) //nolint:gosec // path derived from store-managed id
	if err != nil {
		return "", blobstoreerr.New(op, translate(err), err)
	}
	return string(data), nil
}

// WriteLines writes one entry per line. An empty list produces an empty
// (zero-length, still-present) file, distinct from WriteString("") which
// unlinks. ReadLines returns an empty list for both an empty file and an
// absent one, so the two read back the same.
func (io *IO) WriteLines(suffix Suffix, bb string, lines []string) error {
	const op = "sidecar.WriteLines"
	if err := io.EnsureParent(bb); err != nil {
		return err
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	if err := utils.AtomicWriteFile(io.Path(suffix, bb), []byte(sb.String()), 0o600); err != nil {
		return blobstoreerr.New(op, blobstoreerr.Unknown, err)
	}
	return nil
}

// ReadLines reads one entry per line. An absent file yields an empty list,
// not an error (spec §4.2).
func (io *IO) ReadLines(suffix Suffix, bb string) ([]string, error) {
	data, err := os.ReadFile(io.Path(suffix, bb)) //nolint:gosec // path derived from store-managed id
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, blobstoreerr.New("sidecar.ReadLines", translate(err), err)
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// UpdateEntry adds entry if absent, or removes it if remove is true and
// present, then rewrites the file. Idempotent: calling it again with the
// same (entry, remove) when the desired state already holds returns nil
// without rewriting the file.
func (io *IO) UpdateEntry(suffix Suffix, bb, entry string, remove bool) error {
	lines, err := io.ReadLines(suffix, bb)
	if err != nil {
		return err
	}
	idx := -1
	for i, l := range lines {
		if l == entry {
			idx = i
			break
		}
	}
	switch {
	case remove && idx >= 0:
		lines = append(lines[:idx], lines[idx+1:]...)
	case !remove && idx < 0:
		lines = append(lines, entry)
	default:
		return nil // already in the desired state
	}
	return io.WriteLines(suffix, bb, lines)
}

// Classify maps a path found while scanning back to its (suffix, blob id),
// or (NONE-equivalent ok=false) when path's name does not end in a
// recognized suffix.
func (io *IO) Classify(path string) (suffix Suffix, bb string, ok bool) {
	rel, err := filepath.Rel(io.Root, path)
	if err != nil {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)

	switch io.Format {
	case DIRECTORY:
		dir, base := filepathSplitLast(rel)
		for _, s := range allSuffixes {
			if base == string(s) {
				return s, dir, true
			}
		}
		return "", "", false
	default:
		for _, s := range allSuffixes {
			suf := "." + string(s)
			if strings.HasSuffix(rel, suf) {
				return s, strings.TrimSuffix(rel, suf), true
			}
		}
		return "", "", false
	}
}

func filepathSplitLast(rel string) (dir, base string) {
	idx := strings.LastIndexByte(rel, '/')
	if idx < 0 {
		return "", rel
	}
	return rel[:idx], rel[idx+1:]
}

func translate(err error) blobstoreerr.Kind {
	switch {
	case os.IsNotExist(err):
		return blobstoreerr.NOENT
	case os.IsExist(err):
		return blobstoreerr.EXIST
	case os.IsPermission(err):
		return blobstoreerr.ACCES
	default:
		return blobstoreerr.Unknown
	}
}
