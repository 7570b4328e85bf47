package filesystem

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMissingIsNotExist(t *testing.T) {
	df, err := New(filepath.Join(t.TempDir(), "cache.bin"))
	require.NoError(t, err)

	_, err = df.Read()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestWriteReadReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	df, err := New(path)
	require.NoError(t, err)
	assert.Equal(t, path, df.Path())

	require.NoError(t, df.Write([]byte("first")))
	got, err := df.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	require.NoError(t, df.Write([]byte("second")))
	got, err = df.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only the data file, got %v", names)
	}
}

func TestWritePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions")
	}
	path := filepath.Join(t.TempDir(), "cache.bin")
	df, err := New(path)
	require.NoError(t, err)
	require.NoError(t, df.Write([]byte("x")))

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestNewBadParent(t *testing.T) {
	_, err := New("/path/does/not/exist/cache.bin")
	if err == nil {
		t.Fatalf("expected error for non-existent parent")
	}
}

func TestNewEmptyPath(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestNewPathIsDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "cache.bin")
	require.NoError(t, os.Mkdir(sub, 0o700))
	_, err := New(sub)
	if err == nil {
		t.Fatalf("expected error when data file path is a directory")
	}
}

func TestAtomicWriteFailureLeavesPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.bin")
	df, err := New(path)
	require.NoError(t, err)
	require.NoError(t, df.Write([]byte("keep")))

	// Remove the directory so CreateTemp fails.
	gone := &DataFile{path: filepath.Join(dir, "missing", "cache.bin")}
	if err := gone.Write([]byte("lost")); err == nil {
		t.Fatalf("expected error writing into missing directory")
	}

	got, err := df.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}
