package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// fileLock is an advisory, cross-process exclusive lock held for the
// duration of a load-mutate-save cycle. Cooperating processes that share a
// lock path cannot interleave their updates; processes that do not take the
// lock can still lose updates (last writer wins).
type fileLock struct {
	path string
}

// acquire blocks until the exclusive lock is held and returns a release
// function that unlocks and closes the lock file.
func (l fileLock) acquire() (func() error, error) {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304 path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return func() error {
		uErr := unlockFile(f)
		cErr := f.Close()
		if uErr != nil {
			return uErr
		}
		return cErr
	}, nil
}
