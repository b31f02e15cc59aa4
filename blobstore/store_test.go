package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/diskutil"
	"github.com/projecteru2/blockblob/pathlock"
)

func newTestStore(t *testing.T, limit uint64) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := Open(context.Background(), root, pathlock.New(), diskutil.NewFake(), limit, FormatAny, RevocationAny, SnapshotAny)
	require.NoError(t, err)
	return s
}

func TestOpenCreatesThenReopenReadsSameMeta(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	locks := pathlock.New()
	disk := diskutil.NewFake()
	ctx := context.Background()

	s1, err := Open(ctx, root, locks, disk, 1000, FormatFiles, RevocationLRU, SnapshotDM)
	require.NoError(t, err)
	assert.NotEmpty(t, s1.Meta.ID)

	s2, err := Open(ctx, root, locks, disk, 1000, FormatAny, RevocationAny, SnapshotAny)
	require.NoError(t, err)
	assert.Equal(t, s1.Meta.ID, s2.Meta.ID)
	assert.Equal(t, uint64(1000), s2.Meta.LimitBlocks)
	assert.Equal(t, RevocationLRU, s2.Meta.Revocation)
	assert.Equal(t, SnapshotDM, s2.Meta.Snapshot)
}

func TestOpenRejectsDisagreeingPolicy(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	locks := pathlock.New()
	disk := diskutil.NewFake()
	ctx := context.Background()

	_, err := Open(ctx, root, locks, disk, 1000, FormatFiles, RevocationNone, SnapshotDM)
	require.NoError(t, err)

	_, err = Open(ctx, root, locks, disk, 1000, FormatDirectory, RevocationAny, SnapshotAny)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.INVAL))

	_, err = Open(ctx, root, locks, disk, 2000, FormatAny, RevocationAny, SnapshotAny)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.INVAL))
}

func TestLockSerializesWriters(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	h, err := s.Lock(ctx, pathlock.NoTimeout)
	require.NoError(t, err)

	_, err = s.Lock(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.AGAIN))

	require.NoError(t, s.Unlock(h))
}
