package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"lds.li/grantidp/internal/grants"
	"lds.li/grantidp/internal/model"
)

const (
	// Bucket name for persisted grants, keyed by the hashed handle.
	bucketPersistedGrants = "persisted_grants"
)

var (
	_ grants.Store   = (*PersistedGrants)(nil)
	_ grants.Expirer = (*PersistedGrants)(nil)
)

// PersistedGrants implements grants.Store using BoltDB. Each call is a single
// bolt transaction, so updates are atomic per key.
type PersistedGrants struct {
	dbAccessor *dbAccessor
}

func NewPersistedGrants(s *State) *PersistedGrants {
	return &PersistedGrants{dbAccessor: s.dbAccessor}
}

// Store upserts the grant, replacing any record with the same key.
func (p *PersistedGrants) Store(ctx context.Context, grant *model.PersistedGrant) error {
	if grant == nil || grant.Key == "" {
		return fmt.Errorf("grant and key are required: %w", model.ErrInvalidArgument)
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}

	db, release := p.dbAccessor.db()
	defer release()

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return fmt.Errorf("persisted grants bucket does not exist")
		}
		if err := bucket.Put([]byte(grant.Key), data); err != nil {
			return fmt.Errorf("store grant: %w", err)
		}
		return nil
	})
	grantStoreOps.WithLabelValues("store", outcome(err)).Inc()
	return err
}

// Get returns the grant for key, or nil if it does not exist.
func (p *PersistedGrants) Get(ctx context.Context, key string) (*model.PersistedGrant, error) {
	db, release := p.dbAccessor.db()
	defer release()

	var grant *model.PersistedGrant
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var g model.PersistedGrant
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("unmarshal grant: %w", err)
		}
		grant = &g
		return nil
	})
	grantStoreOps.WithLabelValues("get", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// GetAll returns every grant selected by filter.
func (p *PersistedGrants) GetAll(ctx context.Context, filter *model.PersistedGrantFilter) ([]*model.PersistedGrant, error) {
	if err := grants.ValidateFilter(filter); err != nil {
		return nil, err
	}
	if filter.SubjectID == "" {
		return nil, nil
	}

	db, release := p.dbAccessor.db()
	defer release()

	var ret []*model.PersistedGrant
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var g model.PersistedGrant
			if err := json.Unmarshal(v, &g); err != nil {
				return nil // skip malformed
			}
			if filter.Matches(&g) {
				ret = append(ret, &g)
			}
			return nil
		})
	})
	grantStoreOps.WithLabelValues("get_all", outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("scan grants: %w", err)
	}
	return ret, nil
}

// Consume marks the grant consumed inside a single update transaction, so
// only one caller can observe it unconsumed.
func (p *PersistedGrants) Consume(ctx context.Context, key string, now time.Time) (*model.PersistedGrant, error) {
	db, release := p.dbAccessor.db()
	defer release()

	var grant *model.PersistedGrant
	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var g model.PersistedGrant
		if err := json.Unmarshal(data, &g); err != nil {
			return fmt.Errorf("unmarshal grant: %w", err)
		}
		if g.ConsumedTime != nil {
			return nil
		}
		consumed := now
		g.ConsumedTime = &consumed
		updated, err := json.Marshal(&g)
		if err != nil {
			return fmt.Errorf("marshal grant: %w", err)
		}
		if err := bucket.Put([]byte(key), updated); err != nil {
			return fmt.Errorf("store consumed grant: %w", err)
		}
		grant = &g
		return nil
	})
	grantStoreOps.WithLabelValues("consume", outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Remove deletes the grant for key. Missing keys are ignored.
func (p *PersistedGrants) Remove(ctx context.Context, key string) error {
	db, release := p.dbAccessor.db()
	defer release()

	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return nil
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return fmt.Errorf("delete grant: %w", err)
		}
		return nil
	})
	grantStoreOps.WithLabelValues("remove", outcome(err)).Inc()
	return err
}

// RemoveAll deletes every grant selected by filter. A nil or subject-less
// filter deletes nothing.
func (p *PersistedGrants) RemoveAll(ctx context.Context, filter *model.PersistedGrantFilter) error {
	if filter == nil || filter.SubjectID == "" {
		return nil
	}
	_, err := p.deleteWhere(func(g *model.PersistedGrant) bool { return filter.Matches(g) }, false)
	grantStoreOps.WithLabelValues("remove_all", outcome(err)).Inc()
	return err
}

// RemoveExpired deletes grants that expired before now, along with any
// records that no longer decode.
func (p *PersistedGrants) RemoveExpired(ctx context.Context, now time.Time) (int, error) {
	return p.deleteWhere(func(g *model.PersistedGrant) bool { return g.Expired(now) }, true)
}

func (p *PersistedGrants) deleteWhere(match func(*model.PersistedGrant) bool, dropMalformed bool) (int, error) {
	db, release := p.dbAccessor.db()
	defer release()

	var deleted int
	err := db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return nil
		}

		// bolt does not allow deleting while iterating with ForEach, so
		// collect first.
		var toDelete [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var g model.PersistedGrant
			if err := json.Unmarshal(v, &g); err != nil {
				if dropMalformed {
					toDelete = append(toDelete, k)
				}
				return nil
			}
			if match(&g) {
				toDelete = append(toDelete, k)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("iterating grants: %w", err)
		}

		for _, k := range toDelete {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("deleting grant: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// List returns every grant, for the admin tooling.
func (p *PersistedGrants) List(ctx context.Context) ([]*model.PersistedGrant, error) {
	db, release := p.dbAccessor.db()
	defer release()

	var ret []*model.PersistedGrant
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketPersistedGrants))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var g model.PersistedGrant
			if err := json.Unmarshal(v, &g); err != nil {
				return nil
			}
			ret = append(ret, &g)
			return nil
		})
	})
	return ret, err
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
