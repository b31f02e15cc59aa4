package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/diskutil"
	"github.com/projecteru2/blockblob/pathlock"
	"github.com/projecteru2/blockblob/sidecar"
	"github.com/projecteru2/core/log"
)

// OpenFlags are the flags accepted by OpenBlob (spec §4.5).
type OpenFlags uint8

const (
	FlagCreate OpenFlags = 1 << iota
	FlagExcl
)

func (f OpenFlags) has(bit OpenFlags) bool { return f&bit != 0 }

// idHexChars is spec §4.5 step 1's "random 24-hex-char" blob id.
const idHexChars = 24

// Blob is an open blob handle (spec §3's in-memory blob handle, minus the
// fields — store_ref, locked_fd — that are represented here by holding
// the Store and pathlock.Handle directly instead of duplicating them).
type Blob struct {
	Store      *Store
	ID         string
	SizeBlocks uint64
	DevicePath string

	handle *pathlock.Handle
}

// BlocksPath is the on-disk path of the blob's sparse backing file.
func (b *Blob) BlocksPath() string { return b.Store.blocksPath(b.ID) }

// DMName returns the device-mapper base name clone.Compose builds on top
// of id, exported so both clone.Compose and OpenBlob's create-time
// collision check (spec §9's open question on DM-name collisions) share
// one naming rule instead of two copies drifting apart.
func DMName(id string) string {
	return "euca-" + strings.ReplaceAll(id, "/", "-")
}

// checkDMNameCollision rejects creating id if some other, already
// existing blob in s hyphenates to the same device-mapper name (spec §9:
// "rejected at create time").
func (s *Store) checkDMNameCollision(id string) error {
	const op = "blobstore.OpenBlob"

	want := DMName(id)
	existing, err := s.listBlobIDs()
	if err != nil {
		return blobstoreerr.New(op, blobstoreerr.Unknown, err)
	}
	for _, other := range existing {
		if other == id {
			continue
		}
		if DMName(other) == want {
			return blobstoreerr.New(op, blobstoreerr.INVAL,
				fmt.Errorf("id %q collides with existing blob %q under device-mapper name %s", id, other, want))
		}
	}
	return nil
}

// OpenBlob implements C5's Open (spec §4.5). id may be "" only together
// with FlagCreate, in which case a fresh id is allocated.
func OpenBlob(ctx context.Context, s *Store, id string, size uint64, flags OpenFlags, sig string, timeout time.Duration) (*Blob, error) {
	const op = "blobstore.OpenBlob"
	logger := log.WithFunc(op)

	if id == "" && !flags.has(FlagCreate) {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("id required without CREATE"))
	}
	if flags.has(FlagCreate) && size == 0 {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("size required with CREATE"))
	}
	if size != 0 && size > s.Meta.LimitBlocks {
		return nil, blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("size %d exceeds store limit %d", size, s.Meta.LimitBlocks))
	}
	if id == "" {
		id = randomHex(idHexChars)
	}

	storeLock, err := s.Lock(ctx, timeout)
	if err != nil {
		return nil, err
	}
	defer s.Unlock(storeLock) //nolint:errcheck

	if flags.has(FlagCreate) {
		if err := s.checkDMNameCollision(id); err != nil {
			return nil, err
		}
	}

	if err := s.sc.EnsureParent(id); err != nil {
		return nil, err
	}

	mode := pathlock.RDWR
	switch {
	case flags.has(FlagCreate) && flags.has(FlagExcl):
		mode = pathlock.RDWRCreateExcl
	case flags.has(FlagCreate):
		mode = pathlock.RDWRCreate
	}

	h, err := s.locks.Acquire(ctx, s.blocksPath(id), mode, timeout, 0o600)
	if err != nil {
		return nil, err
	}

	unwind := func(cause error) (*Blob, error) {
		_ = s.locks.Release(h)
		if flags.has(FlagCreate) {
			if delErr := s.deleteBlobFiles(ctx, id); delErr != nil {
				logger.Warnf(ctx, "unwind delete_files(%s): %v", id, delErr)
			}
		}
		return nil, cause
	}

	info, err := h.File.Stat()
	if err != nil {
		return unwind(blobstoreerr.New(op, blobstoreerr.Unknown, err))
	}

	if info.Size() == 0 {
		if err := s.allocate(ctx, size); err != nil {
			return unwind(err)
		}
		// Sparse-extend: a single zero byte at the final offset leaves
		// everything before it a hole, per spec §4.5 step 5.
		if _, err := h.File.WriteAt([]byte{0}, int64(size*blockSize)-1); err != nil {
			return unwind(blobstoreerr.New(op, blobstoreerr.Unknown, err))
		}
		if sig != "" {
			if err := s.sc.WriteString(sidecar.SuffixSig, id, sig); err != nil {
				return unwind(err)
			}
		}
	} else {
		actual := uint64(info.Size()) / blockSize
		if size != 0 && size != actual {
			return unwind(blobstoreerr.New(op, blobstoreerr.INVAL, fmt.Errorf("size %d disagrees with existing %d", size, actual)))
		}
		size = actual
		if sig != "" {
			stored, err := s.sc.ReadString(sidecar.SuffixSig, id)
			if err != nil && blobstoreerr.KindOf(err) != blobstoreerr.NOENT {
				return unwind(err)
			}
			if stored != sig {
				return unwind(blobstoreerr.New(op, blobstoreerr.SIGNATURE, fmt.Errorf("signature mismatch for %s", id)))
			}
		}
	}

	dev, err := s.sc.ReadString(sidecar.SuffixLoopback, id)
	switch {
	case err == nil && dev != "":
		if !s.Disk.IsBlockDevice(dev) {
			return unwind(blobstoreerr.New(op, blobstoreerr.Unknown, fmt.Errorf("recorded loopback %s for %s is no longer a block device", dev, id)))
		}
	default:
		dev, err = s.Disk.LoopAttach(ctx, s.blocksPath(id))
		if err != nil {
			return unwind(blobstoreerr.New(op, blobstoreerr.Unknown, err))
		}
		if err := s.sc.WriteString(sidecar.SuffixLoopback, id, dev); err != nil {
			return unwind(err)
		}
	}

	devicePath := dev
	if dmNames, err := s.sc.ReadLines(sidecar.SuffixDM, id); err != nil {
		return unwind(err)
	} else if len(dmNames) > 0 {
		devicePath = filepath.Join("/dev/mapper", dmNames[len(dmNames)-1])
	}

	logger.Infof(ctx, "opened %s size=%d device=%s", id, size, devicePath)
	return &Blob{
		Store:      s,
		ID:         id,
		SizeBlocks: size,
		DevicePath: devicePath,
		handle:     h,
	}, nil
}

// Close implements C5's Close (spec §4.5): detaches the loopback unless
// the blob is still mapped into or backed by something, then
// unconditionally releases the blocks lock and frees the handle.
func (b *Blob) Close(ctx context.Context) error {
	const op = "blobstore.Blob.Close"

	refs, err := b.Store.sc.ReadLines(sidecar.SuffixRefs, b.ID)
	if err != nil {
		return err
	}
	deps, err := b.Store.sc.ReadLines(sidecar.SuffixDeps, b.ID)
	if err != nil {
		return err
	}
	if len(refs) == 0 && len(deps) == 0 {
		b.Store.detachLoopback(ctx, b.ID)
	}

	if err := b.Store.locks.Release(b.handle); err != nil {
		return blobstoreerr.New(op, blobstoreerr.BADF, err)
	}
	b.handle = nil
	return nil
}

// Delete implements C5's Delete (spec §4.5): refuses unless the deleter
// itself is the only one holding the blob open (no MAPPED bit), tears
// down any device-mapper stack, removes this blob's reference from every
// dependency's refs, then detaches its own loopback and unlinks every
// sidecar.
func (b *Blob) Delete(ctx context.Context, timeout time.Duration, teardown diskutil.TeardownOptions) error {
	const op = "blobstore.Blob.Delete"
	logger := log.WithFunc(op)

	storeLock, err := b.Store.Lock(ctx, timeout)
	if err != nil {
		return err
	}
	defer b.Store.Unlock(storeLock) //nolint:errcheck

	// Blobs are always opened writer-exclusive (spec §4.5 step 4), so the
	// only possible writer is this deleter itself; the in-use check past
	// OPENED|BACKED therefore reduces to "is anyone else mapped in".
	refs, err := b.Store.sc.ReadLines(sidecar.SuffixRefs, b.ID)
	if err != nil {
		return err
	}
	if len(refs) > 0 {
		return blobstoreerr.New(op, blobstoreerr.AGAIN, fmt.Errorf("%s is still mapped by %d referrer(s)", b.ID, len(refs)))
	}

	dmNames, err := b.Store.sc.ReadLines(sidecar.SuffixDM, b.ID)
	if err != nil {
		return err
	}
	if len(dmNames) > 0 {
		if err := diskutil.TeardownDM(ctx, b.Store.Disk, dmNames, teardown); err != nil {
			return blobstoreerr.New(op, blobstoreerr.Unknown, err)
		}
	}

	deps, err := b.Store.sc.ReadLines(sidecar.SuffixDeps, b.ID)
	if err != nil {
		return err
	}
	var peerErrs error
	for _, dep := range deps {
		if err := b.releasePeer(ctx, dep); err != nil {
			logger.Warnf(ctx, "release peer %s: %v", dep, err)
			peerErrs = errors.CombineErrors(peerErrs, err)
		}
	}

	b.Store.detachLoopback(ctx, b.ID)
	if err := b.Store.locks.Release(b.handle); err != nil {
		peerErrs = errors.CombineErrors(peerErrs, blobstoreerr.New(op, blobstoreerr.BADF, err))
	}
	b.handle = nil

	if err := b.Store.unlinkSidecars(b.ID); err != nil {
		peerErrs = errors.CombineErrors(peerErrs, err)
	}

	return peerErrs
}

// releasePeer removes b's reference from the refs sidecar of the peer
// blob named by a "<store_path> <blob_id>" deps entry (spec §4.5 step 3),
// opening the peer's store fresh if it differs from b's own.
func (b *Blob) releasePeer(ctx context.Context, depEntry string) error {
	storePath, peerID, ok := splitDepEntry(depEntry)
	if !ok {
		return fmt.Errorf("malformed deps entry %q", depEntry)
	}

	peerStore := b.Store
	if storePath != b.Store.Root {
		opened, err := Open(ctx, storePath, b.Store.locks, b.Store.Disk, 0, FormatAny, RevocationAny, SnapshotAny)
		if err != nil {
			return fmt.Errorf("open peer store %s: %w", storePath, err)
		}
		peerStore = opened
	}

	selfEntry := depEntryFor(b.Store.Root, b.ID)
	if err := peerStore.sc.UpdateEntry(sidecar.SuffixRefs, peerID, selfEntry, true); err != nil {
		return err
	}

	refs, err := peerStore.sc.ReadLines(sidecar.SuffixRefs, peerID)
	if err != nil {
		return err
	}
	deps, err := peerStore.sc.ReadLines(sidecar.SuffixDeps, peerID)
	if err != nil {
		return err
	}
	if len(refs) == 0 && len(deps) == 0 {
		peerStore.detachLoopback(ctx, peerID)
	}
	return nil
}

// depEntryFor and splitDepEntry implement the "<store_path> <blob_id>"
// line format shared by refs and deps sidecars (spec §4.6 dependency
// graph maintenance).
func depEntryFor(storePath, id string) string { return storePath + " " + id }

func splitDepEntry(entry string) (storePath, id string, ok bool) {
	idx := strings.LastIndexByte(entry, ' ')
	if idx < 0 {
		return "", "", false
	}
	return entry[:idx], entry[idx+1:], true
}
