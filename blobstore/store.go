package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/diskutil"
	"github.com/projecteru2/blockblob/pathlock"
	"github.com/projecteru2/blockblob/sidecar"
	"github.com/projecteru2/core/log"
)

const metaFileName = ".blobstore"

// metaMinSize is spec §6.1's "minimum file size 30 bytes" — a cheap
// sanity check before attempting to parse key:value lines.
const metaMinSize = 30

// Store is an open blobstore directory (spec §3, §4.3).
type Store struct {
	Root string
	Meta Meta
	Disk diskutil.Interface

	locks *pathlock.Table
	sc    *sidecar.IO
}

// Open opens (creating if absent) a blobstore rooted at root (spec §4.3).
// Any caller-supplied non-ANY policy/format that disagrees with a
// pre-existing store's stored value fails INVAL (spec invariant 5).
func Open(
	ctx context.Context,
	root string,
	locks *pathlock.Table,
	disk diskutil.Interface,
	limit uint64,
	format Format,
	revocation RevocationPolicy,
	snapshot SnapshotPolicy,
) (*Store, error) {
	const op = "blobstore.Open"
	logger := log.WithFunc(op)

	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, blobstoreerr.New(op, translateOSErr(err), err)
	}
	metaPath := filepath.Join(root, metaFileName)

	h, err := locks.Acquire(ctx, metaPath, pathlock.RDWRCreateExcl, pathlock.NoTimeout, 0o600)
	switch {
	case err == nil:
		id := randomHex(16)
		m := Meta{
			ID:          id,
			LimitBlocks: limit,
			Revocation:  resolveRevocation(revocation),
			Snapshot:    resolveSnapshot(snapshot),
			Format:      resolveFormat(format),
		}
		if writeErr := writeMeta(metaPath, m); writeErr != nil {
			_ = locks.Release(h)
			return nil, writeErr
		}
		_ = locks.Release(h)
		logger.Infof(ctx, "created store %s id=%s", root, id)
	case blobstoreerr.KindOf(err) == blobstoreerr.EXIST:
		// Already exists — fall through to the read-and-verify path below.
	default:
		return nil, err
	}

	rh, err := locks.Acquire(ctx, metaPath, pathlock.RDONLY, pathlock.NoTimeout, 0)
	if err != nil {
		return nil, err
	}
	defer locks.Release(rh) //nolint:errcheck

	m, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}

	if format != FormatAny && format != m.Format {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("format mismatch: store has %s", m.Format))
	}
	if revocation != RevocationAny && revocation != m.Revocation {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("revocation policy mismatch: store has %s", m.Revocation))
	}
	if snapshot != SnapshotAny && snapshot != m.Snapshot {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("snapshot policy mismatch: store has %s", m.Snapshot))
	}
	if limit != 0 && limit != m.LimitBlocks {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("limit mismatch: store has %d", m.LimitBlocks))
	}

	return &Store{
		Root:  root,
		Meta:  m,
		Disk:  disk,
		locks: locks,
		sc:    sidecar.New(root, m.Format.resolved()),
	}, nil
}

// Lock acquires a writer lock on the store metadata file, serializing
// structural mutations (create/delete/scan-and-purge), per spec §4.3.
func (s *Store) Lock(ctx context.Context, timeout time.Duration) (*pathlock.Handle, error) {
	return s.locks.Acquire(ctx, filepath.Join(s.Root, metaFileName), pathlock.RDWR, timeout, 0o600)
}

// Unlock releases a handle obtained from Lock.
func (s *Store) Unlock(h *pathlock.Handle) error {
	return s.locks.Release(h)
}

func writeMeta(path string, m Meta) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %s\n", m.ID)
	fmt.Fprintf(&sb, "limit: %d\n", m.LimitBlocks)
	fmt.Fprintf(&sb, "revocation: %d\n", m.Revocation)
	fmt.Fprintf(&sb, "snapshot: %d\n", m.Snapshot)
	fmt.Fprintf(&sb, "format: %d\n", m.Format)
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return blobstoreerr.New("blobstore.writeMeta", translateOSErr(err), err)
	}
	return nil
}

func readMeta(path string) (Meta, error) {
	const op = "blobstore.readMeta"
	data, err := os.ReadFile(path) //nolint:gosec // path derived from store root
	if err != nil {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, err)
	}
	if len(data) < metaMinSize {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, fmt.Errorf("metadata file too small (%d bytes)", len(data)))
	}

	fields := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	id, ok := fields["id"]
	if !ok || id == "" {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, fmt.Errorf("missing id"))
	}
	limit, err := parseUintField(fields, "limit")
	if err != nil {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, err)
	}
	revocation, err := parseIntField(fields, "revocation")
	if err != nil {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, err)
	}
	snapshot, err := parseIntField(fields, "snapshot")
	if err != nil {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, err)
	}
	format, err := parseIntField(fields, "format")
	if err != nil {
		return Meta{}, blobstoreerr.New(op, blobstoreerr.NOENT, err)
	}

	return Meta{
		ID:          id,
		LimitBlocks: limit,
		Revocation:  RevocationPolicy(revocation),
		Snapshot:    SnapshotPolicy(snapshot),
		Format:      Format(format),
	}, nil
}

func parseUintField(fields map[string]string, key string) (uint64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable %s: %w", key, err)
	}
	return n, nil
}

func parseIntField(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseInt(v, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unparseable %s: %w", key, err)
	}
	return n, nil
}

func resolveRevocation(p RevocationPolicy) RevocationPolicy {
	if p == RevocationAny {
		return RevocationNone
	}
	return p
}

func resolveSnapshot(p SnapshotPolicy) SnapshotPolicy {
	if p == SnapshotAny {
		return SnapshotDM
	}
	return p
}

func resolveFormat(f Format) Format {
	if f == FormatAny {
		return FormatFiles
	}
	return f
}

// randomHex returns nChars lowercase hex digits drawn from a fresh random
// UUID, stripped of its dashes — used for both store ids (spec §4.3) and
// blob ids (spec §4.5 step 1), which call for different fixed lengths.
func randomHex(nChars int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	for len(raw) < nChars {
		raw += strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return raw[:nChars]
}

func translateOSErr(err error) blobstoreerr.Kind {
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
