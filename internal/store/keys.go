package store

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/haukened/tokencache/internal/domain"
)

// KeySize is the length in bytes of the symmetric cache key.
const KeySize = 32

var _ KeyProvider = (*KeyFile)(nil)

// KeyFile is the Key Manager: it guarantees a stable symmetric key is
// available by persisting it to a dedicated file on first use.
//
// The same key file must be reused across runs; deleting it makes every
// previously written blob unreadable. Creation is exclusive so two processes
// racing on first use agree on a single key: the loser reads the winner's
// file instead of overwriting it.
type KeyFile struct {
	path string
	rand io.Reader
}

// NewKeyFile returns a KeyFile persisting key material at path. The file is
// not touched until GetOrCreate is called.
func NewKeyFile(path string) *KeyFile {
	return &KeyFile{path: path, rand: rand.Reader}
}

// Path returns the key file location.
func (k *KeyFile) Path() string { return k.path }

// GetOrCreate returns the key stored at the key file, generating and
// persisting a fresh random key if the file does not exist.
func (k *KeyFile) GetOrCreate() ([]byte, error) {
	key, err := k.read()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(k.rand, key); err != nil {
		return nil, fmt.Errorf("%w: generate key: %w", domain.ErrStorage, err)
	}
	if err := k.create(key); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Another process created the key first; use theirs.
			return k.read()
		}
		return nil, fmt.Errorf("%w: write key file: %w", domain.ErrStorage, err)
	}
	return key, nil
}

// read loads and unprotects the key. A missing file is returned unwrapped so
// GetOrCreate can distinguish it.
func (k *KeyFile) read() ([]byte, error) {
	raw, err := os.ReadFile(k.path) // #nosec G304 path comes from configuration
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %w", domain.ErrStorage, err)
	}
	key, err := unprotectKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unprotect key: %w", domain.ErrStorage, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: invalid key length %d in %s", domain.ErrStorage, len(key), k.path)
	}
	return key, nil
}

// create writes key to a temp file beside the target and publishes it with a
// hard link, which fails with os.ErrExist if another writer got there first.
// Readers never observe a partially written key file.
func (k *KeyFile) create(key []byte) error {
	data, err := protectKey(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmpName, k.path)
}
