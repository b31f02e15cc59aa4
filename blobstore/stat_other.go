//go:build !linux

package blobstore

import "os"

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
	return fileInfo{size: info.Size(), atime: info.ModTime().Unix(), mtime: info.ModTime().Unix()}, nil
}
