// Package sqlite provides a SQLite-backed implementation of the
// store.BlobStorage port. The whole encrypted cache lives in a single row.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haukened/tokencache/internal/store"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var _ store.BlobStorage = (*Blob)(nil)

// Blob implements store.BlobStorage using SQLite (via database/sql). The
// row is replaced inside one statement, so a failed write leaves the
// previous blob intact.
type Blob struct {
	db       *sql.DB
	label    string
	readOnly bool
}

// New constructs a Blob, initializing the required schema if absent. label
// is returned by Path for display.
func New(db *sql.DB, label string) (*Blob, error) {
	b := &Blob{db: db, label: label}
	if err := b.init(); err != nil {
		return nil, err
	}
	return b, nil
}

// NewReadOnly wraps db without touching its schema. A database the cache
// table was never created in reads as empty, and Write always fails.
func NewReadOnly(db *sql.DB, label string) *Blob {
	return &Blob{db: db, label: label, readOnly: true}
}

func (b *Blob) init() error {
	schema := `CREATE TABLE IF NOT EXISTS cache_blob (
id INTEGER PRIMARY KEY CHECK (id = 1),
data BLOB NOT NULL,
updated_at INTEGER NOT NULL
);`
	_, err := b.db.Exec(schema)
	return err
}

// Read returns the stored blob or an error wrapping os.ErrNotExist when the
// row has not been written yet.
func (b *Blob) Read() ([]byte, error) {
	var data []byte
	err := b.db.QueryRow(`SELECT data FROM cache_blob WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache blob row: %w", os.ErrNotExist)
	}
	if err != nil && b.readOnly && strings.Contains(err.Error(), "no such table") {
		return nil, fmt.Errorf("cache blob table: %w", os.ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write upserts the blob row.
func (b *Blob) Write(data []byte) error {
	if b.readOnly {
		return errors.New("cache opened read-only")
	}
	const q = `INSERT INTO cache_blob (id, data, updated_at) VALUES (1, ?, ?)
ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	_, err := b.db.Exec(q, data, time.Now().Unix())
	return err
}

// Path returns the display label (typically the database path).
func (b *Blob) Path() string { return b.label }
