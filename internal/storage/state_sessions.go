package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"lds.li/web/session"
)

var _ session.KV = (*SessionKV)(nil)

const (
	// Bucket name for user session storage
	bucketSessions = "sessions"
)

// SessionKV implements session.KV using BoltDB. It backs the user sessions
// that track which clients a user has signed in to.
type SessionKV struct {
	dbAccessor *dbAccessor
	now        func() time.Time
}

func NewSessionKV(s *State) *SessionKV {
	return &SessionKV{dbAccessor: s.dbAccessor, now: time.Now}
}

type storedSession struct {
	Data      []byte    `json:"data"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Get returns the value for key if it exists and has not expired.
func (s *SessionKV) Get(ctx context.Context, key string) (_ []byte, found bool, _ error) {
	db, release := s.dbAccessor.db()
	defer release()

	var data []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var stored storedSession
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if s.now().After(stored.ExpiresAt) {
			return nil
		}
		data = stored.Data
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("getting %s: %w", key, err)
	}
	return data, data != nil, nil
}

// Set stores value under key until expiresAt.
func (s *SessionKV) Set(ctx context.Context, key string, expiresAt time.Time, value []byte) error {
	data, err := json.Marshal(storedSession{Data: value, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return fmt.Errorf("sessions bucket does not exist")
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return fmt.Errorf("storing session: %w", err)
		}
		return nil
	})
}

// Delete removes key. Missing keys are ignored.
func (s *SessionKV) Delete(ctx context.Context, key string) error {
	db, release := s.dbAccessor.db()
	defer release()

	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return nil
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
		return nil
	})
}

// GC removes expired and undecodable sessions.
func (s *SessionKV) GC(ctx context.Context) (deleted int, _ error) {
	db, release := s.dbAccessor.db()
	defer release()

	now := s.now()
	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketSessions))
		if bucket == nil {
			return nil
		}

		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var stored storedSession
			if err := json.Unmarshal(v, &stored); err != nil || now.After(stored.ExpiresAt) {
				expired = append(expired, k)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("iterating sessions: %w", err)
		}

		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting expired session: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("gc: %w", err)
	}
	return deleted, nil
}
