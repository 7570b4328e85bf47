// Package store defines the persistence ports used by the encrypted token
// cache. These ports isolate key material and blob persistence so the
// concrete backends (plain data file, SQLite, bbolt) can be tested and
// swapped independently. Callers outside this package interact only with
// *Store (or the app.TokenCache port it satisfies).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Mapping is the whole cache: opaque string keys to schemaless JSON values.
// The store never interprets values.
type Mapping map[string]json.RawMessage

// KeyProvider supplies the symmetric key used to seal and open the blob.
type KeyProvider interface {
	// GetOrCreate returns the persisted key, generating and persisting a new
	// one on first use.
	GetOrCreate() ([]byte, error)
}

// BlobStorage persists the single encrypted blob holding the whole mapping.
type BlobStorage interface {
	// Read returns the stored blob. When no blob has been written yet the
	// returned error satisfies errors.Is(err, os.ErrNotExist).
	Read() ([]byte, error)
	// Write replaces the stored blob. Implementations must not leave a
	// partially written blob behind on failure.
	Write(data []byte) error
	// Path returns the storage location for display purposes.
	Path() string
}

// Absent is the BlobStorage of a backend file that does not exist. Reads
// report os.ErrNotExist and writes fail, so read-only callers never create
// the file.
type Absent string

func (a Absent) Read() ([]byte, error) { return nil, fmt.Errorf("%s: %w", string(a), os.ErrNotExist) }
func (a Absent) Write([]byte) error    { return errors.New("cache opened read-only") }
func (a Absent) Path() string          { return string(a) }

// Recorder receives operation counters. It is satisfied by *metrics.Manager.
type Recorder interface {
	Inc(name string, delta int64)
}

// Counter names recorded by Store.
const (
	CounterGet             = "cache_get_total"
	CounterSet             = "cache_set_total"
	CounterDelete          = "cache_delete_total"
	CounterDecryptFailures = "cache_decrypt_failures_total"
	CounterStorageFailures = "cache_storage_failures_total"
)

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64) {}
