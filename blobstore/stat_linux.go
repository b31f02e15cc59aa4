//go:build linux

package blobstore

import (
	"os"
	"syscall"
)

type fileInfo struct {
	size  int64
	atime int64
	mtime int64
}

func statFile(path string) (fileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileInfo{}, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileInfo{size: info.Size(), mtime: info.ModTime().Unix(), atime: info.ModTime().Unix()}, nil
	}
	return fileInfo{
		size:  info.Size(),
		atime: st.Atim.Sec,
		mtime: st.Mtim.Sec,
	}, nil
}
