package blobstoreerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/projecteru2/blockblob/blobstoreerr"
)

func TestNewWrapsKindAndCauseForErrorsIs(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := blobstoreerr.New("blobstore.allocate", blobstoreerr.NOSPC, cause)

	assert.True(t, errors.Is(err, blobstoreerr.NOSPC))
	assert.False(t, errors.Is(err, blobstoreerr.INVAL))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, blobstoreerr.NOSPC, blobstoreerr.KindOf(err))
}

func TestKindOfUnknownForUnclassifiedError(t *testing.T) {
	assert.Equal(t, blobstoreerr.Unknown, blobstoreerr.KindOf(fmt.Errorf("plain")))
}
