package storage

import (
	"fmt"
	"os"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// State represents the on-disk runtime state for the IDP.
type State struct {
	path       string
	dbAccessor *dbAccessor
}

// dbAccessor guards the bolt handle so compaction can swap the underlying
// file while other callers are excluded.
type dbAccessor struct {
	mu  sync.RWMutex
	bdb *bolt.DB
}

// db returns the current handle. The release func must be called once the
// caller is done with it.
func (d *dbAccessor) db() (*bolt.DB, func()) {
	d.mu.RLock()
	return d.bdb, d.mu.RUnlock
}

// exclusive runs fn with no other users of the handle. fn may return a
// replacement handle.
func (d *dbAccessor) exclusive(fn func(cur *bolt.DB) (*bolt.DB, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := fn(d.bdb)
	if next != nil {
		d.bdb = next
	}
	return err
}

var stateBuckets = []string{
	bucketPersistedGrants,
	bucketKeysets,
	bucketSessions,
}

func NewState(path string) (*State, error) {
	db, err := openBolt(path)
	if err != nil {
		return nil, err
	}
	s := &State{path: path, dbAccessor: &dbAccessor{bdb: db}}
	reportStateFileSize(path)
	return s, nil
}

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range stateBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return fmt.Errorf("create %s bucket: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}

	return db, nil
}

// Close closes the BoltDB database
func (s *State) Close() error {
	db, release := s.dbAccessor.db()
	defer release()
	return db.Close()
}

// Path returns the location of the state file.
func (s *State) Path() string {
	return s.path
}

// PersistedGrants returns the grant store backed by this state.
func (s *State) PersistedGrants() *PersistedGrants {
	return NewPersistedGrants(s)
}

// KeysetStore returns the keyset store backed by this state.
func (s *State) KeysetStore() *KeysetStore {
	return NewKeysetStore(s)
}

// SessionKV returns the session KV backed by this state.
func (s *State) SessionKV() *SessionKV {
	return NewSessionKV(s)
}

func getFileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
