package ingest

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// countChunk is the read size used when counting lines
const countChunk = 1 << 20

// CountLines counts the non-blank lines of path by streaming it in 1 MiB
// chunks. A final line without a trailing newline is counted.
func CountLines(fs afero.Fs, path string) (int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	var (
		count   int64
		content bool
		buf     = make([]byte, countChunk)
	)
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\n':
				if content {
					count++
				}
				content = false
			case ' ', '\t', '\r', '\v', '\f':
			default:
				content = true
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to read input: %w", err)
		}
	}
	if content {
		count++
	}
	return count, nil
}

// isBlank reports whether line holds only ASCII whitespace, matching the
// counting rule of CountLines
func isBlank(line string) bool {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case ' ', '\t', '\r', '\n', '\v', '\f':
		default:
			return false
		}
	}
	return true
}
