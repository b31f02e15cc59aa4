// Package blobstore implements the store directory model, scanner,
// allocator/LRU revoker, and blob lifecycle of spec §3–§4.5 (components
// C3, C4, C5): a directory of content-addressed-by-id blobs, each backed
// by a sparse file and exposed as a block device via loopback and,
// optionally, a device-mapper stack built by the clone package.
package blobstore

import (
	"fmt"

	"github.com/projecteru2/blockblob/sidecar"
)

// RevocationPolicy selects whether the allocator may purge
// least-recently-modified blobs to satisfy a create (spec §3, §4.4).
type RevocationPolicy int8

const (
	RevocationAny  RevocationPolicy = -1 // caller accepts whatever the store already has (or the default, on create)
	RevocationNone RevocationPolicy = 0
	RevocationLRU  RevocationPolicy = 1
)

func (p RevocationPolicy) String() string {
	switch p {
	case RevocationNone:
		return "NONE"
	case RevocationLRU:
		return "LRU"
	default:
		return "ANY"
	}
}

// SnapshotPolicy selects whether clone.Compose may build device-mapper
// snapshot/linear stacks, or only perform plain COPY (spec §3, §4.6).
type SnapshotPolicy int8

const (
	SnapshotAny  SnapshotPolicy = -1
	SnapshotNone SnapshotPolicy = 0
	SnapshotDM   SnapshotPolicy = 1
)

func (p SnapshotPolicy) String() string {
	switch p {
	case SnapshotNone:
		return "NONE"
	case SnapshotDM:
		return "DM"
	default:
		return "ANY"
	}
}

// Format mirrors sidecar.Format but adds an ANY value for Open's request
// parameter, the way RevocationPolicy/SnapshotPolicy do.
type Format int8

const (
	FormatAny       Format = -1
	FormatFiles     Format = Format(sidecar.FILES)
	FormatDirectory Format = Format(sidecar.DIRECTORY)
)

func (f Format) String() string {
	switch f {
	case FormatFiles:
		return "FILES"
	case FormatDirectory:
		return "DIRECTORY"
	default:
		return "ANY"
	}
}

func (f Format) resolved() sidecar.Format { return sidecar.Format(f) }

// UsageMask is the OPENED|MAPPED|BACKED bit set of spec §3's in-memory
// blob handle: OPENED when the blocks file is write-locked by someone,
// MAPPED when refs is non-empty, BACKED when deps is non-empty.
type UsageMask uint8

const (
	Opened UsageMask = 1 << iota
	Mapped
	Backed
)

func (m UsageMask) String() string {
	if m == 0 {
		return "-"
	}
	s := ""
	if m&Opened != 0 {
		s += "OPENED|"
	}
	if m&Mapped != 0 {
		s += "MAPPED|"
	}
	if m&Backed != 0 {
		s += "BACKED|"
	}
	return s[:len(s)-1]
}

// Purgeable is true for blobs with no bit other than BACKED set: not
// opened for write, not mapped into by anyone (spec §4.4 step 1).
func (m UsageMask) Purgeable() bool { return m&^Backed == 0 }

// InUse is true for blobs charged at full size and not purgeable
// (OPENED or MAPPED, spec §4.4 step 1).
func (m UsageMask) InUse() bool { return m&(Opened|Mapped) != 0 }

// Meta is the parsed contents of a store's .blobstore file (spec §6.1).
type Meta struct {
	ID          string
	LimitBlocks uint64
	Revocation  RevocationPolicy
	Snapshot    SnapshotPolicy
	Format      Format
}

// Record is a scanned blob's summary, as produced by Scan (spec §4.3).
type Record struct {
	ID           string
	SizeBlocks   uint64
	LastAccessed int64 // unix seconds
	LastModified int64 // unix seconds
	Usage        UsageMask
}

func (r Record) String() string {
	return fmt.Sprintf("%s size=%d usage=%s", r.ID, r.SizeBlocks, r.Usage)
}

const blockSize = 512
