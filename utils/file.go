package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirs creates all directories with 0o700 permissions — sidecar
// parent directories hold content-addressed VM disk state, so they are
// not group/world readable (spec §4.2: "mode 0700").
func EnsureDirs(dirs ...string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ValidFile returns true if path is a regular file with size > 0.
func ValidFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// RemoveEmptyParents removes dir, then its parent, and so on, stopping at
// the first non-empty directory or at stopAt (exclusive). Used by blob
// deletion to clean up now-empty subdirectories introduced by ids
// containing "/" (spec §3: "unlink all sidecars and any now-empty parent
// directories").
func RemoveEmptyParents(dir, stopAt string) {
	stopAt = filepath.Clean(stopAt)
	for dir = filepath.Clean(dir); dir != stopAt && len(dir) > len(stopAt); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
	}
}
