package clone_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/blockblob/blobstore"
	"github.com/projecteru2/blockblob/blobstoreerr"
	"github.com/projecteru2/blockblob/clone"
	"github.com/projecteru2/blockblob/diskutil"
	"github.com/projecteru2/blockblob/pathlock"
	"github.com/projecteru2/blockblob/sidecar"
)

func openTestStore(t *testing.T, limit uint64, disk diskutil.Interface) *blobstore.Store {
	t.Helper()
	s, err := blobstore.Open(context.Background(), t.TempDir(), pathlock.New(), disk, limit,
		blobstore.FormatAny, blobstore.RevocationAny, blobstore.SnapshotAny)
	require.NoError(t, err)
	return s
}

func TestComposeCopyWritesRealData(t *testing.T) {
	disk := diskutil.NewFake()
	s := openTestStore(t, 1000, disk)
	ctx := context.Background()

	src, err := blobstore.OpenBlob(ctx, s, "", 4, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	pattern := make([]byte, 4*512)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(src.BlocksPath(), pattern, 0o600))

	dst, err := blobstore.OpenBlob(ctx, s, "", 4, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)

	entries := []clone.MapEntry{{
		Relation:      clone.COPY,
		Source:        clone.Source{Kind: clone.SourceBlob, Blob: src},
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     4,
	}}
	require.NoError(t, clone.Compose(ctx, dst, entries, clone.Options{Teardown: diskutil.DefaultTeardownOptions}))

	got, err := os.ReadFile(dst.BlocksPath())
	require.NoError(t, err)
	assert.Equal(t, pattern, got)
}

func TestComposeMapMaintainsDepGraphSymmetrically(t *testing.T) {
	disk := diskutil.NewFake()
	s := openTestStore(t, 1000, disk)
	ctx := context.Background()

	src, err := blobstore.OpenBlob(ctx, s, "", 64, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	dst, err := blobstore.OpenBlob(ctx, s, "", 64, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)

	entries := []clone.MapEntry{{
		Relation:      clone.MAP,
		Source:        clone.Source{Kind: clone.SourceBlob, Blob: src},
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     64,
	}}
	require.NoError(t, clone.Compose(ctx, dst, entries, clone.Options{Teardown: diskutil.DefaultTeardownOptions}))
	assert.Contains(t, dst.DevicePath, "/dev/mapper/")

	dstRecords, err := s.Scan(ctx)
	require.NoError(t, err)
	var srcUsage, dstUsage blobstore.UsageMask
	for _, r := range dstRecords {
		switch r.ID {
		case src.ID:
			srcUsage = r.Usage
		case dst.ID:
			dstUsage = r.Usage
		}
	}
	assert.True(t, srcUsage&blobstore.Mapped != 0, "source blob should be referenced")
	assert.True(t, dstUsage&blobstore.Backed != 0, "dest blob should record its dependency")
}

// fillBlob writes blob.SizeBlocks*512 bytes of b into blob's backing file, the
// byte-pattern setup spec §8 scenario 3 calls for ("filled with bytes
// '1','2','3'").
func fillBlob(t *testing.T, blob *blobstore.Blob, b byte) {
	t.Helper()
	buf := make([]byte, blob.SizeBlocks*512)
	for i := range buf {
		buf[i] = b
	}
	require.NoError(t, os.WriteFile(blob.BlocksPath(), buf, 0o600))
}

func TestComposeMapCopySnapshotReadBackMatchesScenario(t *testing.T) {
	disk := diskutil.NewFake()
	s := openTestStore(t, 1000, disk)
	ctx := context.Background()

	a, err := blobstore.OpenBlob(ctx, s, "", 32, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	fillBlob(t, a, '1')

	b, err := blobstore.OpenBlob(ctx, s, "", 32, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	fillBlob(t, b, '2')

	c, err := blobstore.OpenBlob(ctx, s, "", 32, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	fillBlob(t, c, '3')

	d, err := blobstore.OpenBlob(ctx, s, "", 96, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)

	entries := []clone.MapEntry{
		{Relation: clone.MAP, Source: clone.Source{Kind: clone.SourceBlob, Blob: a}, FirstBlockSrc: 0, FirstBlockDst: 0, LenBlocks: 32},
		{Relation: clone.COPY, Source: clone.Source{Kind: clone.SourceBlob, Blob: b}, FirstBlockSrc: 0, FirstBlockDst: 32, LenBlocks: 32},
		{Relation: clone.SNAPSHOT, Source: clone.Source{Kind: clone.SourceBlob, Blob: c}, FirstBlockSrc: 0, FirstBlockDst: 64, LenBlocks: 32},
	}
	require.NoError(t, clone.Compose(ctx, d, entries, clone.Options{Teardown: diskutil.DefaultTeardownOptions}))

	got, err := disk.ReadDevice(d.DevicePath, 0, 96)
	require.NoError(t, err)
	require.Len(t, got, 96*512)
	assert.Equal(t, strings.Repeat("1", 16384), string(got[0:16384]))
	assert.Equal(t, strings.Repeat("2", 16384), string(got[16384:32768]))
	assert.Equal(t, strings.Repeat("3", 16384), string(got[32768:49152]))
}

func TestDependencyGraphSymmetryAndDeleteOrdering(t *testing.T) {
	disk := diskutil.NewFake()
	s := openTestStore(t, 1000, disk)
	ctx := context.Background()

	a, err := blobstore.OpenBlob(ctx, s, "", 32, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	b, err := blobstore.OpenBlob(ctx, s, "", 32, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	c, err := blobstore.OpenBlob(ctx, s, "", 32, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	d, err := blobstore.OpenBlob(ctx, s, "", 96, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)

	entries := []clone.MapEntry{
		{Relation: clone.MAP, Source: clone.Source{Kind: clone.SourceBlob, Blob: a}, FirstBlockSrc: 0, FirstBlockDst: 0, LenBlocks: 32},
		{Relation: clone.COPY, Source: clone.Source{Kind: clone.SourceBlob, Blob: b}, FirstBlockSrc: 0, FirstBlockDst: 32, LenBlocks: 32},
		{Relation: clone.SNAPSHOT, Source: clone.Source{Kind: clone.SourceBlob, Blob: c}, FirstBlockSrc: 0, FirstBlockDst: 64, LenBlocks: 32},
	}
	require.NoError(t, clone.Compose(ctx, d, entries, clone.Options{Teardown: diskutil.DefaultTeardownOptions}))

	aRefs, err := s.ReadSidecarEntries(sidecar.SuffixRefs, a.ID)
	require.NoError(t, err)
	bRefs, err := s.ReadSidecarEntries(sidecar.SuffixRefs, b.ID)
	require.NoError(t, err)
	cRefs, err := s.ReadSidecarEntries(sidecar.SuffixRefs, c.ID)
	require.NoError(t, err)
	dDeps, err := s.ReadSidecarEntries(sidecar.SuffixDeps, d.ID)
	require.NoError(t, err)

	assert.Contains(t, strings.Join(aRefs, "\n"), d.ID)
	assert.Empty(t, bRefs, "COPY must not create a dependency on B")
	assert.Contains(t, strings.Join(cRefs, "\n"), d.ID)
	assert.Contains(t, strings.Join(dDeps, "\n"), a.ID)
	assert.Contains(t, strings.Join(dDeps, "\n"), c.ID)
	assert.NotContains(t, strings.Join(dDeps, "\n"), b.ID)

	err = a.Delete(ctx, pathlock.NoTimeout, diskutil.DefaultTeardownOptions)
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.AGAIN))

	require.NoError(t, d.Delete(ctx, pathlock.NoTimeout, diskutil.DefaultTeardownOptions))
	require.NoError(t, a.Delete(ctx, pathlock.NoTimeout, diskutil.DefaultTeardownOptions))
}

func TestComposeSnapshotRejectsShortRange(t *testing.T) {
	disk := diskutil.NewFake()
	s := openTestStore(t, 1000, disk)
	ctx := context.Background()

	src, err := blobstore.OpenBlob(ctx, s, "", 64, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)
	dst, err := blobstore.OpenBlob(ctx, s, "", 64, blobstore.FlagCreate, "", pathlock.NoTimeout)
	require.NoError(t, err)

	entries := []clone.MapEntry{{
		Relation:      clone.SNAPSHOT,
		Source:        clone.Source{Kind: clone.SourceBlob, Blob: src},
		FirstBlockSrc: 0,
		FirstBlockDst: 0,
		LenBlocks:     8,
	}}
	err = clone.Compose(ctx, dst, entries, clone.Options{Teardown: diskutil.DefaultTeardownOptions})
	require.Error(t, err)
	assert.True(t, errors.Is(err, blobstoreerr.INVAL))
}
