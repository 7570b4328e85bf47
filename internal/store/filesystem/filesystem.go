// Package filesystem provides the default BlobStorage: a single data file on
// the local filesystem holding the encrypted cache blob.
package filesystem

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haukened/tokencache/internal/store"
)

// Ensure DataFile implements store.BlobStorage
var _ store.BlobStorage = (*DataFile)(nil)

// DataFile implements store.BlobStorage with one file. Writes go through a
// temp file in the same directory followed by a rename, so readers see
// either the previous blob or the new one, never a torn write.
type DataFile struct {
	path string
}

// New returns a data file store at path. The parent directory must already
// exist (0700 recommended); the file itself is created on first Write.
func New(path string) (*DataFile, error) {
	if path == "" {
		return nil, errors.New("data file path is required")
	}
	fi, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("data file parent is not a directory")
	}
	if st, err := os.Stat(path); err == nil && st.IsDir() {
		return nil, fmt.Errorf("data file %s is a directory", path)
	}
	return &DataFile{path: path}, nil
}

// Read returns the blob bytes. A missing file yields an error satisfying
// errors.Is(err, os.ErrNotExist).
func (d *DataFile) Read() ([]byte, error) {
	return os.ReadFile(d.path) // #nosec G304 path comes from configuration
}

// Write atomically replaces the data file with data.
func (d *DataFile) Write(data []byte) error {
	return atomicWriteFile(d.path, data, 0o600)
}

// Path returns the data file location.
func (d *DataFile) Path() string { return d.path }

// atomicWriteFile writes data to a temp file and renames it to the target path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
