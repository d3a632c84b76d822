// Package store keeps opaque blobs (session credentials, handler state) in a
// local Pebble database that can be wiped and transparently recreated.
package store

import (
	stderrors "errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/objectfs/sessiond/pkg/errors"
	"github.com/objectfs/sessiond/pkg/retry"
	"github.com/objectfs/sessiond/pkg/utils"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = stderrors.New("store: key not found")

// Options configures a Store.
type Options struct {
	// Dir is the database directory. Wipe removes it entirely.
	Dir string

	// Sync forces a WAL fsync on every write
	Sync bool

	// OpenRetry bounds attempts to open the database
	OpenRetry retry.Config

	Logger *utils.StructuredLogger
}

// Store is a Pebble-backed key/value store. The zero value is not usable; call Open.
type Store struct {
	opts    Options
	logger  *utils.StructuredLogger
	retryer *retry.Retryer

	mu     sync.Mutex
	db     *pebble.DB
	closed bool
	wipes  int
}

// Open opens (or creates) the database at opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "store directory is required").
			WithComponent("store").
			WithOperation("open")
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.OpenRetry.MaxAttempts == 0 {
		opts.OpenRetry = retry.DefaultConfig()
		opts.OpenRetry.MaxAttempts = 3
	}

	s := &Store{
		opts:    opts,
		logger:  opts.Logger.WithComponent("store"),
		retryer: retry.New(opts.OpenRetry),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.handleLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the database directory.
func (s *Store) Dir() string {
	return s.opts.Dir
}

// handleLocked returns the open database, reopening it after a wipe.
func (s *Store) handleLocked() (*pebble.DB, error) {
	if s.closed {
		return nil, errors.NewError(errors.ErrCodeStoreClosed, "store is closed").
			WithComponent("store")
	}
	if s.db != nil {
		return s.db, nil
	}

	err := s.retryer.Do(func() error {
		db, err := pebble.Open(s.opts.Dir, &pebble.Options{})
		if err != nil {
			return errors.Wrap(errors.ErrCodeStoreFailed, "failed to open database", err).
				WithComponent("store").
				WithOperation("open").
				WithDetail("dir", s.opts.Dir)
		}
		s.db = db
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to open store", map[string]interface{}{
			"dir":   s.opts.Dir,
			"error": err.Error(),
		})
		return nil, err
	}

	s.logger.Debug("Store opened", map[string]interface{}{"dir": s.opts.Dir})
	return s.db, nil
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.opts.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handleLocked()
	if err != nil {
		return nil, err
	}

	value, closer, err := db.Get([]byte(key))
	if err != nil {
		if stderrors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(errors.ErrCodeStoreFailed, "get failed", err).
			WithComponent("store").
			WithOperation("get").
			WithDetail("key", key)
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Has reports whether key exists.
func (s *Store) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if stderrors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put stores value under key.
func (s *Store) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handleLocked()
	if err != nil {
		return err
	}
	if err := db.Set([]byte(key), value, s.writeOptions()); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailed, "put failed", err).
			WithComponent("store").
			WithOperation("put").
			WithDetail("key", key)
	}
	return nil
}

// PutAll writes every entry in one atomic batch.
func (s *Store) PutAll(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handleLocked()
	if err != nil {
		return err
	}

	batch := db.NewBatch()
	defer batch.Close()
	for key, value := range entries {
		if err := batch.Set([]byte(key), value, nil); err != nil {
			return errors.Wrap(errors.ErrCodeStoreFailed, "batch set failed", err).
				WithComponent("store").
				WithOperation("put_all")
		}
	}
	if err := batch.Commit(s.writeOptions()); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailed, "batch commit failed", err).
			WithComponent("store").
			WithOperation("put_all").
			WithDetail("entries", len(entries))
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handleLocked()
	if err != nil {
		return err
	}
	if err := db.Delete([]byte(key), s.writeOptions()); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailed, "delete failed", err).
			WithComponent("store").
			WithOperation("delete").
			WithDetail("key", key)
	}
	return nil
}

// Wipe closes the database and removes its directory. The next operation
// recreates an empty database.
func (s *Store) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.NewError(errors.ErrCodeStoreClosed, "store is closed").WithComponent("store")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Error closing store before wipe", map[string]interface{}{"error": err.Error()})
		}
		s.db = nil
	}

	if err := os.RemoveAll(s.opts.Dir); err != nil {
		return errors.Wrap(errors.ErrCodeStoreFailed, "failed to remove store directory", err).
			WithComponent("store").
			WithOperation("wipe").
			WithDetail("dir", s.opts.Dir)
	}

	s.wipes++
	s.logger.Warn("Store wiped", map[string]interface{}{"dir": s.opts.Dir, "wipes": s.wipes})
	return nil
}

// Wipes returns how many times Wipe succeeded.
func (s *Store) Wipes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wipes
}

// Close closes the database. Further operations return STORE_CLOSED.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
