package blobstore

import (
	"path/filepath"

	"github.com/projecteru2/blockblob/sidecar"
	"github.com/projecteru2/blockblob/utils"
)

// removeEmptyParents cleans up directories left empty by deleting bb's
// sidecars: in DIRECTORY format that's bb's own directory; in FILES
// format it's the directory introduced by a "/" in bb's id. Either way,
// cleanup continues up toward Root (spec §3: "now-empty parent
// directories").
func (s *Store) removeEmptyParents(bb string) {
	var dir string
	switch s.Meta.Format {
	case FormatDirectory:
		dir = filepath.Join(s.Root, bb)
	default:
		dir = filepath.Dir(filepath.Join(s.Root, bb))
	}
	utils.RemoveEmptyParents(dir, s.Root)
}

// blocksPath and loopbackPath are thin readability wrappers over sc.Path
// for the blocks and loopback suffixes.
func (s *Store) blocksPath(bb string) string   { return s.sc.Path(sidecar.SuffixBlocks, bb) }
func (s *Store) loopbackPath(bb string) string { return s.sc.Path(sidecar.SuffixLoopback, bb) }

// WriteDMNames persists the device-mapper device names created for bb, in
// creation order (spec §4.6's "write names[] to dst.dm"). Exported for
// the clone package, which builds device-mapper stacks on an already-open
// Blob but has no access to the store's internal sidecar accessor.
func (s *Store) WriteDMNames(bb string, names []string) error {
	return s.sc.WriteLines(sidecar.SuffixDM, bb, names)
}

// UpdateSidecarEntry adds or removes entry in the named sidecar list for
// bb (spec §4.2's update_entry). Exported for the clone package's
// dependency-graph maintenance (refs/deps updates on blobs it did not
// itself open).
func (s *Store) UpdateSidecarEntry(suffix sidecar.Suffix, bb, entry string, remove bool) error {
	return s.sc.UpdateEntry(suffix, bb, entry, remove)
}

// ReadSidecarEntries reads the named sidecar list for bb, the read-side
// counterpart of UpdateSidecarEntry — exported for tests outside this
// package (clone's tests) that verify the dependency graph clone maintains.
func (s *Store) ReadSidecarEntries(suffix sidecar.Suffix, bb string) ([]string, error) {
	return s.sc.ReadLines(suffix, bb)
}
