package diskutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/blockblob/diskutil"
)

func TestTeardownDMRemovesEveryNameAndDedups(t *testing.T) {
	disk := diskutil.NewFake()
	ctx := context.Background()

	require.NoError(t, disk.DMCreate(ctx, "a", "0 1 linear /dev/zero 0"))
	require.NoError(t, disk.DMCreate(ctx, "b", "0 1 linear /dev/zero 0"))

	err := diskutil.TeardownDM(ctx, disk, []string{"a", "b", "b"}, diskutil.TeardownOptions{Retries: 0, Backoff: time.Millisecond})
	require.NoError(t, err)

	assert.False(t, disk.IsBlockDevice("/dev/mapper/a"))
	assert.False(t, disk.IsBlockDevice("/dev/mapper/b"))
}

func TestTeardownDMCombinesErrorsForMissingDevices(t *testing.T) {
	disk := diskutil.NewFake()
	ctx := context.Background()

	err := diskutil.TeardownDM(ctx, disk, []string{"missing-1", "missing-2"}, diskutil.TeardownOptions{Retries: 0, Backoff: time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-1")
	assert.Contains(t, err.Error(), "missing-2")
}
