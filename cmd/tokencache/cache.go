package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/haukened/tokencache/internal/config"
	"github.com/haukened/tokencache/internal/store"
	"github.com/haukened/tokencache/internal/store/bolt"
	"github.com/haukened/tokencache/internal/store/filesystem"
	"github.com/haukened/tokencache/internal/store/sqlite"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// ensureDataDir creates dir (0700) when missing and checks it is a directory.
func ensureDataDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}

// openDatabase opens the SQLite database shared by metrics and the sqlite
// backend.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", cfg.SQLiteDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite driver: %w", err)
	}
	return db, nil
}

// openBlob returns the configured blob backend and a closer for it. db is
// reused by the sqlite backend when non-nil.
func openBlob(cfg *config.Config, db *sql.DB) (store.BlobStorage, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendSQLite:
		closer := nop
		if db == nil {
			var err error
			if db, err = openDatabase(cfg); err != nil {
				return nil, nil, err
			}
			closer = db.Close
		}
		b, err := sqlite.New(db, cfg.DataPath())
		if err != nil {
			_ = closer()
			return nil, nil, fmt.Errorf("init sqlite blob: %w", err)
		}
		return b, closer, nil
	case config.BackendBolt:
		b, err := bolt.Open(cfg.DataPath())
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		b, err := filesystem.New(cfg.DataPath())
		if err != nil {
			return nil, nil, fmt.Errorf("init data file: %w", err)
		}
		return b, nop, nil
	}
}

// openStore wires the key file, blob backend and lock into a Store.
func openStore(cfg *config.Config, db *sql.DB, rec store.Recorder) (*store.Store, func() error, error) {
	if err := ensureDataDir(cfg.DataDir); err != nil {
		return nil, nil, err
	}
	blobs, closer, err := openBlob(cfg, db)
	if err != nil {
		return nil, nil, err
	}
	return newStore(cfg, blobs, rec), closer, nil
}

// openReadStore opens the cache for commands that never write. Neither the
// data directory nor the backend file is created; a missing file reads as an
// empty cache.
func openReadStore(cfg *config.Config) (*store.Store, func() error, error) {
	nop := func() error { return nil }
	path := cfg.DataPath()
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return newStore(cfg, store.Absent(path), nil), nop, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stat data: %w", err)
	}
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(path)+"?_busy_timeout=5000")
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite driver: %w", err)
		}
		return newStore(cfg, sqlite.NewReadOnly(db, path), nil), db.Close, nil
	case config.BackendBolt:
		b, err := bolt.OpenReadOnly(path)
		if err != nil {
			return nil, nil, err
		}
		return newStore(cfg, b, nil), b.Close, nil
	default:
		b, err := filesystem.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("init data file: %w", err)
		}
		return newStore(cfg, b, nil), nop, nil
	}
}

func newStore(cfg *config.Config, blobs store.BlobStorage, rec store.Recorder) *store.Store {
	st := store.New(store.NewKeyFile(cfg.KeyPath()), blobs, store.Config{
		LockPath: cfg.LockPath(),
		Recorder: rec,
	})
	slog.Debug("cache opened", "domain", "cache", "action", "open",
		"backend", cfg.Backend, "key_file", cfg.KeyPath(), "data", blobs.Path(), "lock", cfg.LockPath() != "")
	return st
}
