//go:build !unix

package lane

import (
	"fmt"
	"io"
	"os"
)

// mapFile reads the whole file where mmap is not available.
func mapFile(f *os.File) ([]byte, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

func unmapFile([]byte) error {
	return nil
}
