package bolt

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bolt")
	b, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, b.Path())

	_, err = b.Read()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist before first write, got %v", err)
	}

	require.NoError(t, b.Write([]byte("sealed")))
	got, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)

	require.NoError(t, b.Write([]byte("resealed")))
	got, err = b.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("resealed"), got)
	require.NoError(t, b.Close())
}

func TestBlobPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bolt")
	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Write([]byte("persisted")))
	require.NoError(t, b.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestOpenBadPath(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing", "cache.bolt")); err == nil {
		t.Fatalf("expected error opening db in missing directory")
	}
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bolt")
	b, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, b.Write([]byte("sealed")))
	require.NoError(t, b.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer ro.Close()
	got, err := ro.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), got)
	assert.Error(t, ro.Write([]byte("other")))
}
