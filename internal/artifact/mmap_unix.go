//go:build unix

package artifact

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps an artifact read-only and returns its bytes plus a cleanup
// that releases the mapping. Falls back to plain reads when mmap is
// unavailable.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := int(stat.Size())
	if size == 0 {
		return []byte{}, func() {}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		return data, func() { _ = unix.Munmap(data) }, nil
	}

	return readAll(f, size)
}

func readAll(f *os.File, size int) ([]byte, func(), error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(f, out); err != nil {
		return nil, nil, err
	}
	return out, func() {}, nil
}
