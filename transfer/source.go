package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// Source is a file offered for sharing.
type Source struct {
	Name       string
	MIMEType   string
	ModifiedAt time.Time
	Open       func() (io.ReadCloser, error)
}

// FileSource returns a Source for the file at path. The MIME type is taken
// from the file extension.
func FileSource(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	return Source{
		Name:       filepath.Base(path),
		MIMEType:   mime.TypeByExtension(filepath.Ext(path)),
		ModifiedAt: info.ModTime(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path) //nolint:gosec // path is chosen by the user sharing it
		},
	}, nil
}

// BytesSource returns a Source over data held in memory.
func BytesSource(name, mimeType string, modifiedAt time.Time, data []byte) Source {
	return Source{
		Name:       name,
		MIMEType:   mimeType,
		ModifiedAt: modifiedAt,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
