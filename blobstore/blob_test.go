package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/diskutil"
	"github.com/projecteru2/blockblob/pathlock"
)

func TestCreateCloseOpenCloseDeleteLeavesNoSidecars(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	b, err := OpenBlob(ctx, s, "", 10, FlagCreate, "sig-1", pathlock.NoTimeout)
	require.NoError(t, err)
	require.NotEmpty(t, b.ID)
	assert.Equal(t, uint64(10), b.SizeBlocks)
	assert.NotEmpty(t, b.DevicePath)
	id := b.ID
	require.NoError(t, b.Close(ctx))

	b2, err := OpenBlob(ctx, s, id, 0, 0, "sig-1", pathlock.NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), b2.SizeBlocks)
	require.NoError(t, b2.Close(ctx))

	b3, err := OpenBlob(ctx, s, id, 0, 0, "", pathlock.NoTimeout)
	require.NoError(t, err)
	require.NoError(t, b3.Delete(ctx, pathlock.NoTimeout, diskutil.DefaultTeardownOptions))

	records, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOpenSignatureMismatchFails(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	b, err := OpenBlob(ctx, s, "", 4, FlagCreate, "sig-a", pathlock.NoTimeout)
	require.NoError(t, err)
	id := b.ID
	require.NoError(t, b.Close(ctx))

	_, err = OpenBlob(ctx, s, id, 0, 0, "sig-b", pathlock.NoTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.SIGNATURE))
}

func TestOpenSizeMismatchFails(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	b, err := OpenBlob(ctx, s, "", 4, FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	id := b.ID
	require.NoError(t, b.Close(ctx))

	_, err = OpenBlob(ctx, s, id, 8, 0, "", pathlock.NoTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.INVAL))
}

func TestDeleteRefusesWhileReferenced(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	b, err := OpenBlob(ctx, s, "", 4, FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSidecarEntry("refs", b.ID, s.Root+" dependent-blob", false))

	err = b.Delete(ctx, pathlock.NoTimeout, diskutil.DefaultTeardownOptions)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.AGAIN))

	require.NoError(t, s.UpdateSidecarEntry("refs", b.ID, s.Root+" dependent-blob", true))
	require.NoError(t, b.Delete(ctx, pathlock.NoTimeout, diskutil.DefaultTeardownOptions))
}

func TestAllocatorPurgesLRUWhenRevocationAllows(t *testing.T) {
	s := newTestStore(t, 10)
	s.Meta.Revocation = RevocationLRU
	ctx := context.Background()

	first, err := OpenBlob(ctx, s, "", 6, FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second, err := OpenBlob(ctx, s, "", 8, FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), second.SizeBlocks)
	require.NoError(t, second.Close(ctx))

	records, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, second.ID, records[0].ID)
}

func TestAllocatorFailsNOSPCWithoutRevocation(t *testing.T) {
	s := newTestStore(t, 10)
	s.Meta.Revocation = RevocationNone
	ctx := context.Background()

	first, err := OpenBlob(ctx, s, "", 6, FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	_, err = OpenBlob(ctx, s, "", 8, FlagCreate, "", pathlock.NoTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.NOSPC))
}

func TestCreateRejectsDeviceMapperNameCollision(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()

	first, err := OpenBlob(ctx, s, "a/b", 4, FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	_, err = OpenBlob(ctx, s, "a-b", 4, FlagCreate, "", pathlock.NoTimeout)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.INVAL))

	records, err := s.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a/b", records[0].ID)
}
