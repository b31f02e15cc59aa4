//go:build linux

package main

import (
	"context"
	"time"

	"github.com/projecteru2/blockblob/blobstore"
	"github.com/projecteru2/blockblob/diskutil"
)

// openStore opens the store rooted at root (falling back to the
// configured default), resolving format/revocation/snapshot from the
// loaded Config the way spec §4.3's Open resolves ANY.
func openStore(ctx context.Context, root string) (*blobstore.Store, error) {
	if root == "" {
		root = conf.RootDir
	}
	return blobstore.Open(ctx, root, locks, disk,
		conf.LimitBlocks,
		parseFormat(conf.Format),
		parseRevocation(conf.Revocation),
		parseSnapshot(conf.Snapshot),
	)
}

func parseFormat(s string) blobstore.Format {
	switch s {
	case "directory":
		return blobstore.FormatDirectory
	case "files":
		return blobstore.FormatFiles
	default:
		return blobstore.FormatAny
	}
}

func parseRevocation(s string) blobstore.RevocationPolicy {
	switch s {
	case "none":
		return blobstore.RevocationNone
	case "lru":
		return blobstore.RevocationLRU
	default:
		return blobstore.RevocationAny
	}
}

func parseSnapshot(s string) blobstore.SnapshotPolicy {
	switch s {
	case "none":
		return blobstore.SnapshotNone
	case "dm":
		return blobstore.SnapshotDM
	default:
		return blobstore.SnapshotAny
	}
}

func teardownOptions() diskutil.TeardownOptions {
	return diskutil.TeardownOptions{
		Retries: conf.TeardownRetries,
		Backoff: time.Duration(conf.TeardownBackoffMillis) * time.Millisecond,
	}
}
