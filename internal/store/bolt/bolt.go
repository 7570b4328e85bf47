// Package bolt provides a bbolt-backed implementation of the
// store.BlobStorage port. The encrypted cache is kept under a single key.
package bolt

import (
	"fmt"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/tokencache/internal/store"
)

var _ store.BlobStorage = (*Blob)(nil)

const lockTimeout = 5 * time.Second

var (
	bucketName = []byte("tokencache")
	blobKey    = []byte("blob")
)

// Blob implements store.BlobStorage on a bbolt database file. bbolt holds an
// exclusive file lock while open, so only one process can use the file.
type Blob struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the bbolt database at path.
func Open(path string) (*Blob, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Blob{db: db}, nil
}

// OpenReadOnly opens the existing database at path without creating its
// bucket. Callers check that path exists first.
// bbolt takes a shared lock, so several readers may hold the file at once.
// Writes fail with bbolt.ErrDatabaseReadOnly.
func OpenReadOnly(path string) (*Blob, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{ReadOnly: true, Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	return &Blob{db: db}, nil
}

// Read returns a copy of the stored blob, or an error wrapping
// os.ErrNotExist when nothing has been written.
func (b *Blob) Read() ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketName)
		if bk == nil {
			return fmt.Errorf("cache bucket: %w", os.ErrNotExist)
		}
		v := bk.Get(blobKey)
		if v == nil {
			return fmt.Errorf("cache blob key: %w", os.ErrNotExist)
		}
		// v is only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Write replaces the blob in one transaction.
func (b *Blob) Write(data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return bk.Put(blobKey, data)
	})
}

// Path returns the database file location.
func (b *Blob) Path() string { return b.db.Path() }

// Close releases the database file lock.
func (b *Blob) Close() error { return b.db.Close() }
