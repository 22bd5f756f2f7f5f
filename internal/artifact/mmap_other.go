//go:build !unix

package artifact

import (
	"io"
	"os"
)

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
	out := make([]byte, int(stat.Size()))
	if _, err := io.ReadFull(f, out); err != nil {
		return nil, nil, err
	}
	return out, func() {}, nil
}
