// Package store provides the encrypted token cache: a symmetric key kept in a
// key file, and the whole cache mapping sealed as one blob. Every call reads
// the blob from storage; mutations are a full load, mutate, save cycle. Disk
// is the source of truth per call, no mapping is held in memory between calls.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haukened/tokencache/internal/domain"
)

// Config holds optional collaborators for Store.
type Config struct {
	// LockPath enables an advisory cross-process lock around mutations.
	// Empty disables it; concurrent writers in other processes may then
	// lose updates (last writer wins).
	LockPath string
	Recorder Recorder     // optional operation counters
	Logger   *slog.Logger // optional logger (defaults to slog.Default())
}

// Store implements the get/set/delete cache contract over a KeyProvider and
// a BlobStorage. It is safe for concurrent use within a process.
type Store struct {
	keys  KeyProvider
	blobs BlobStorage
	lock  *fileLock
	rec   Recorder
	log   *slog.Logger

	mu sync.Mutex // serializes mutations within the process
}

// Info describes the persisted blob.
type Info struct {
	Path     string
	Exists   bool
	Entries  int
	SealedAt time.Time
}

// New returns a Store. keys and blobs must be non-nil.
func New(keys KeyProvider, blobs BlobStorage, cfg Config) *Store {
	s := &Store{keys: keys, blobs: blobs, rec: cfg.Recorder, log: cfg.Logger}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if cfg.LockPath != "" {
		s.lock = &fileLock{path: cfg.LockPath}
	}
	return s
}

// Load reads and decrypts the whole mapping. A store that has never been
// written returns an empty mapping and does not create the key file.
func (s *Store) Load() (Mapping, error) {
	m, _, _, err := s.load()
	return m, err
}

// Save encrypts m with the current key and replaces the stored blob.
func (s *Store) Save(m Mapping) error {
	for k := range m {
		if err := checkKey(k); err != nil {
			return err
		}
	}
	return s.locked(func() error { return s.save(m) })
}

// Get returns the value stored under key, or def when the key is absent.
// It never writes to storage.
func (s *Store) Get(key string, def json.RawMessage) (json.RawMessage, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.rec.Inc(CounterGet, 1)
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	if v, ok := m[key]; ok {
		return v, nil
	}
	return def, nil
}

// Lookup unmarshals the value stored under key into dst. It reports false
// (and leaves dst untouched) when the key is absent.
func (s *Store) Lookup(key string, dst any) (bool, error) {
	v, err := s.Get(key, nil)
	if err != nil {
		return false, err
	}
	if v == nil {
		return false, nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return false, fmt.Errorf("%w: value for %q: %w", domain.ErrFormat, key, err)
	}
	return true, nil
}

// Set stores value (marshaled to JSON) under key and persists the whole
// mapping. After Set returns, Get(key) in this or a new process yields value.
func (s *Store) Set(key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshal value for %q: %w", domain.ErrFormat, key, err)
	}
	s.rec.Inc(CounterSet, 1)
	err = s.update(func(m Mapping) (Mapping, error) {
		m[key] = raw
		return m, nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("cache entry stored", "domain", "cache", "action", "set", "key", key)
	return nil
}

// Delete removes key and persists the mapping. It returns an error wrapping
// domain.ErrKeyNotFound, without rewriting storage, when key is absent.
func (s *Store) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	s.rec.Inc(CounterDelete, 1)
	err := s.update(func(m Mapping) (Mapping, error) {
		if _, ok := m[key]; !ok {
			return nil, fmt.Errorf("%w: %q", domain.ErrKeyNotFound, key)
		}
		delete(m, key)
		return m, nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("cache entry deleted", "domain", "cache", "action", "delete", "key", key)
	return nil
}

// Keys returns the cached keys in sorted order.
func (s *Store) Keys() ([]string, error) {
	m, err := s.Load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat reports where the blob lives, how many entries it holds and when it
// was last sealed.
func (s *Store) Stat() (Info, error) {
	info := Info{Path: s.blobs.Path()}
	m, sealedAt, exists, err := s.load()
	if err != nil {
		return info, err
	}
	info.Exists = exists
	info.Entries = len(m)
	info.SealedAt = sealedAt
	return info, nil
}

// checkKey rejects keys that cannot survive the JSON encoding of the mapping.
// Invalid UTF-8 would be rewritten to U+FFFD and never be found again.
func checkKey(key string) error {
	if !utf8.ValidString(key) {
		return fmt.Errorf("%w: key %q is not valid UTF-8", domain.ErrFormat, key)
	}
	return nil
}

// load reads the blob and decodes it. exists is false for a store that has
// never been written, in which case an empty mapping is returned.
func (s *Store) load() (m Mapping, sealedAt time.Time, exists bool, err error) {
	blob, err := s.blobs.Read()
	if errors.Is(err, os.ErrNotExist) {
		return Mapping{}, time.Time{}, false, nil
	}
	if err != nil {
		s.rec.Inc(CounterStorageFailures, 1)
		return nil, time.Time{}, false, fmt.Errorf("%w: read blob: %w", domain.ErrStorage, err)
	}
	key, err := s.keys.GetOrCreate()
	if err != nil {
		s.rec.Inc(CounterStorageFailures, 1)
		return nil, time.Time{}, false, err
	}
	m, sealedAt, err = decodeSealed(blob, key)
	if err != nil {
		if isDecodeFailure(err) {
			s.rec.Inc(CounterDecryptFailures, 1)
			// SECURITY AUDIT: the blob is unreadable with the current key.
			// There is no repair path; the data file must be removed.
			s.log.Error("SECURITY_AUDIT: token cache unreadable",
				"event", "cache_decode_failed",
				"path", s.blobs.Path(),
				"decryption", errors.Is(err, domain.ErrDecryption),
			)
		}
		return nil, time.Time{}, true, err
	}
	return m, sealedAt, true, nil
}

// update runs one load, mutate, save cycle while holding the locks. fn may
// return an error to abort without writing.
func (s *Store) update(fn func(Mapping) (Mapping, error)) error {
	return s.locked(func() error {
		m, err := s.Load()
		if err != nil {
			return err
		}
		m, err = fn(m)
		if err != nil {
			return err
		}
		return s.save(m)
	})
}

// locked runs fn under the process mutex and, when configured, the
// cross-process file lock.
func (s *Store) locked(fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lock != nil {
		release, lErr := s.lock.acquire()
		if lErr != nil {
			s.rec.Inc(CounterStorageFailures, 1)
			return fmt.Errorf("%w: %w", domain.ErrStorage, lErr)
		}
		defer func() {
			if rErr := release(); rErr != nil && err == nil {
				err = fmt.Errorf("%w: release lock: %w", domain.ErrStorage, rErr)
			}
		}()
	}

	return fn()
}

func (s *Store) save(m Mapping) error {
	key, err := s.keys.GetOrCreate()
	if err != nil {
		s.rec.Inc(CounterStorageFailures, 1)
		return err
	}
	blob, err := Encode(m, key)
	if err != nil {
		return err
	}
	if err := s.blobs.Write(blob); err != nil {
		s.rec.Inc(CounterStorageFailures, 1)
		return fmt.Errorf("%w: write blob: %w", domain.ErrStorage, err)
	}
	return nil
}
