package blobstore

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/sidecar"
	"github.com/projecteru2/core/log"
)

// allocate enforces the global block budget for a create of `requested`
// blocks (spec §4.4). Must be called while holding the store-wide lock.
func (s *Store) allocate(ctx context.Context, requested uint64) error {
	const op = "blobstore.allocate"
	logger := log.WithFunc(op)

	records, err := s.Scan(ctx)
	if err != nil {
		return err
	}

	var inuse, alloc uint64
	var purgeable []Record
	for _, r := range records {
		if r.Usage.InUse() {
			inuse += r.SizeBlocks
		} else if r.Usage.Purgeable() {
			alloc += r.SizeBlocks
			purgeable = append(purgeable, r)
		}
	}

	if s.Meta.LimitBlocks < inuse+alloc {
		// Defensive: accounting should never exceed limit under invariant 3,
		// but a corrupted/foreign store could violate it; treat as no free space.
		inuse, alloc = s.Meta.LimitBlocks, 0
	}
	free := s.Meta.LimitBlocks - (inuse + alloc)
	if free >= requested {
		return nil
	}

	if s.Meta.Revocation == RevocationNone || free+alloc < requested {
		return blobstoreerr.New(op, blobstoreerr.NOSPC, fmt.Errorf(
			"need %d blocks, have %d free (%d purgeable, revocation=%s)",
			requested, free, alloc, s.Meta.Revocation))
	}

	sort.Slice(purgeable, func(i, j int) bool { return purgeable[i].LastModified < purgeable[j].LastModified })

	need := requested - free
	var reclaimed uint64
	for _, r := range purgeable {
		if reclaimed >= need {
			break
		}
		if err := s.deleteBlobFiles(ctx, r.ID); err != nil {
			logger.Warnf(ctx, "purge %s: %v", r.ID, err)
			continue
		}
		logger.Infof(ctx, "purged %s (%d blocks, lru)", r.ID, r.SizeBlocks)
		reclaimed += r.SizeBlocks
	}

	if reclaimed < need {
		return blobstoreerr.New(op, blobstoreerr.NOSPC, fmt.Errorf("could not purge enough: reclaimed %d, needed %d", reclaimed, need))
	}
	return nil
}

// deleteBlobFiles detaches bb's loopback device (if any) and unlinks every
// sidecar plus now-empty parent directories. It does not check in-use
// status or tear down a device-mapper stack — callers (allocate's purge
// loop, and OpenBlob's unwind of a failed create) are responsible for only
// calling this once a blob is confirmed safe to remove.
func (s *Store) deleteBlobFiles(ctx context.Context, bb string) error {
	s.detachLoopback(ctx, bb)
	return s.unlinkSidecars(bb)
}

// detachLoopback best-effort detaches bb's loopback device, if recorded,
// and logs (never fails the caller) on error — used both by deleteBlobFiles
// and by Blob.Delete, which has already decided the detach is safe.
func (s *Store) detachLoopback(ctx context.Context, bb string) {
	dev, err := s.sc.ReadString(sidecar.SuffixLoopback, bb)
	if err != nil || dev == "" {
		return
	}
	if detachErr := s.Disk.LoopDetach(ctx, dev); detachErr != nil {
		log.WithFunc("blobstore.detachLoopback").Warnf(ctx, "detach %s for %s: %v", dev, bb, detachErr)
	}
	if err := s.sc.WriteString(sidecar.SuffixLoopback, bb, ""); err != nil {
		log.WithFunc("blobstore.detachLoopback").Warnf(ctx, "unlink loopback sidecar for %s: %v", bb, err)
	}
}

// unlinkSidecars removes every sidecar suffix file for bb and any
// now-empty parent directories.
func (s *Store) unlinkSidecars(bb string) error {
	suffixes := []sidecar.Suffix{
		sidecar.SuffixBlocks, sidecar.SuffixLoopback, sidecar.SuffixDM,
		sidecar.SuffixDeps, sidecar.SuffixRefs, sidecar.SuffixSig,
	}
	for _, suf := range suffixes {
		if err := os.Remove(s.sc.Path(suf, bb)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s.%s: %w", bb, suf, err)
		}
	}

	s.removeEmptyParents(bb)
	return nil
}
