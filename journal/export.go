package journal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
)

type exportFile struct {
	io.Writer
	closers []io.Closer
}

// Close flushes the compressor before closing the file.
func (f *exportFile) Close() error {
	var first error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CreateExport creates path for a CSV export. Paths ending in ".xz" are
// written xz-compressed.
func CreateExport(path string) (io.WriteCloser, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}
	if !strings.HasSuffix(path, ".xz") {
		return fh, nil
	}

	zw, err := xz.NewWriter(fh)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("xz writer: %w", err)
	}
	return &exportFile{Writer: zw, closers: []io.Closer{zw, fh}}, nil
}
