//go:build !windows

package common

import (
	"os"

	"golang.org/x/sys/unix"
)

// MmapFile maps f's full contents read-only. The returned slice is valid
// until MunmapFile is called on it.
func MmapFile(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return []byte{}, nil
	}
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

// MunmapFile unmaps a region previously returned by MmapFile.
func MunmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
