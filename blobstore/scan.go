package blobstore

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/pathlock"
	"github.com/projecteru2/blockblob/sidecar"
)

// scanPoolSize bounds how many blobs are probed for OPENED status
// concurrently during a Scan, so a store with thousands of blobs does not
// open thousands of file descriptors at once.
const scanPoolSize = 32

// Scan recursively walks the store, ignoring "." / ".." / ".blobstore",
// and returns one Record per blob (a file/directory whose sidecar.Classify
// yields SuffixBlocks), per spec §4.3.
func (s *Store) Scan(ctx context.Context) ([]Record, error) {
	const op = "blobstore.Scan"

	stems, err := s.listBlobIDs()
	if err != nil {
		return nil, blobstoreerr.New(op, blobstoreerr.Unknown, err)
	}

	pool, err := ants.NewPool(scanPoolSize)
	if err != nil {
		return nil, blobstoreerr.New(op, blobstoreerr.Unknown, err)
	}
	defer pool.Release()

	records := make([]Record, len(stems))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, bb := range stems {
		i, bb := i, bb
		g.Go(func() error {
			done := make(chan error, 1)
			submitErr := pool.Submit(func() {
				rec, recErr := s.describeBlob(gctx, bb)
				mu.Lock()
				if recErr == nil {
					records[i] = rec
				}
				mu.Unlock()
				done <- recErr
			})
			if submitErr != nil {
				return submitErr
			}
			return <-done
		})
	}
	if err := g.Wait(); err != nil {
		return nil, blobstoreerr.New(op, blobstoreerr.Unknown, err)
	}
	return records, nil
}

// listBlobIDs walks the store recursively and returns every blob id
// present, ignoring "." / ".." / ".blobstore" — the directory-traversal
// half of Scan, factored out so callers that only need the id set (the
// create-time DM-name-collision check in OpenBlob) don't pay for the
// per-blob usage-mask probe too.
func (s *Store) listBlobIDs() ([]string, error) {
	var stems []string
	walkErr := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Base(path) == metaFileName {
			return nil
		}
		suf, bb, ok := s.sc.Classify(path)
		if !ok || suf != sidecar.SuffixBlocks {
			return nil
		}
		stems = append(stems, bb)
		return nil
	})
	return stems, walkErr
}

// describeBlob builds a Record for blob id bb by statting its blocks file
// and computing its usage mask (spec §4.3).
func (s *Store) describeBlob(ctx context.Context, bb string) (Record, error) {
	blocksPath := s.sc.Path(sidecar.SuffixBlocks, bb)
	info, err := statFile(blocksPath)
	if err != nil {
		return Record{}, fmt.Errorf("stat %s: %w", blocksPath, err)
	}

	mask, err := s.usageMask(ctx, bb)
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:           bb,
		SizeBlocks:   uint64(info.size) / blockSize,
		LastAccessed: info.atime,
		LastModified: info.mtime,
		Usage:        mask,
	}, nil
}

// usageMask computes OPENED|MAPPED|BACKED for bb: OPENED is probed with a
// non-blocking writer-lock attempt on blocks (failure implies someone
// else holds it); MAPPED/BACKED come from refs/deps being non-empty.
func (s *Store) usageMask(ctx context.Context, bb string) (UsageMask, error) {
	var mask UsageMask

	blocksPath := s.sc.Path(sidecar.SuffixBlocks, bb)
	h, err := s.locks.Acquire(ctx, blocksPath, pathlock.RDWR, 0, 0o600)
	switch {
	case err == nil:
		_ = s.locks.Release(h)
	case blobstoreerr.KindOf(err) == blobstoreerr.AGAIN:
		mask |= Opened
	default:
		return 0, err
	}

	refs, err := s.sc.ReadLines(sidecar.SuffixRefs, bb)
	if err != nil {
		return 0, err
	}
	if len(refs) > 0 {
		mask |= Mapped
	}

	deps, err := s.sc.ReadLines(sidecar.SuffixDeps, bb)
	if err != nil {
		return 0, err
	}
	if len(deps) > 0 {
		mask |= Backed
	}

	return mask, nil
}
