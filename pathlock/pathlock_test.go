package pathlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/blockblob/blobstoreerr"
)

func TestAcquireReaderCapAndModeMismatch(t *testing.T) {
	table := New()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < maxHandles; i++ {
		h, err := table.Acquire(ctx, path, RDONLY, NoTimeout, 0o600)
		require.NoErrorf(t, err, "reader %d should succeed", i)
		handles = append(handles, h)
	}

	_, err := table.Acquire(ctx, path, RDONLY, 0, 0o600)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.MFILE))

	_, err = table.Acquire(ctx, path, RDWR, 0, 0o600)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.INVAL))

	for _, h := range handles {
		require.NoError(t, table.Release(h))
	}

	w, err := table.Acquire(ctx, path, RDWR, NoTimeout, 0o600)
	require.NoError(t, err)
	require.NoError(t, table.Release(w))
}

func TestReleaseUnknownOrDoubleReleaseFailsBADF(t *testing.T) {
	table := New()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ctx := context.Background()

	h, err := table.Acquire(ctx, path, RDWR, NoTimeout, 0o600)
	require.NoError(t, err)
	require.NoError(t, table.Release(h))

	err = table.Release(h)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.BADF))

	err = table.Release(&Handle{path: path, valid: true, slot: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.BADF))
}

func TestAcquireWriterExcludesWriter(t *testing.T) {
	table := New()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ctx := context.Background()

	w1, err := table.Acquire(ctx, path, RDWR, NoTimeout, 0o600)
	require.NoError(t, err)

	_, err = table.Acquire(ctx, path, RDWR, 0, 0o600)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.AGAIN))

	require.NoError(t, table.Release(w1))

	w2, err := table.Acquire(ctx, path, RDWR, NoTimeout, 0o600)
	require.NoError(t, err)
	require.NoError(t, table.Release(w2))
}

func TestAcquireCreateExclOnlyOnce(t *testing.T) {
	table := New()
	path := filepath.Join(t.TempDir(), "fresh")
	ctx := context.Background()

	h, err := table.Acquire(ctx, path, RDWRCreateExcl, NoTimeout, 0o600)
	require.NoError(t, err)
	require.NoError(t, table.Release(h))

	_, err = table.Acquire(ctx, path, RDWRCreateExcl, NoTimeout, 0o600)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.EXIST))
}
