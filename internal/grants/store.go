// Package grants stores authorization codes, refresh tokens, reference
// tokens, consent and device flow state as persisted grants, keyed by a hash
// of the handle handed to the client.
package grants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lds.li/grantidp/internal/model"
)

// Store is the persisted grant primitive. Implementations must be safe for
// concurrent use, with each operation atomic per key.
type Store interface {
	// Store upserts the grant by key, replacing any existing record.
	Store(ctx context.Context, grant *model.PersistedGrant) error
	// Get returns the grant for key, or nil if there is none.
	Get(ctx context.Context, key string) (*model.PersistedGrant, error)
	// GetAll returns the grants matching filter. A filter without a subject
	// returns nothing. A nil filter is an argument error.
	GetAll(ctx context.Context, filter *model.PersistedGrantFilter) ([]*model.PersistedGrant, error)
	// Consume marks the grant for key consumed at now and returns it. It
	// returns nil if the grant is missing or was already consumed, so of any
	// number of concurrent callers at most one gets the grant.
	Consume(ctx context.Context, key string, now time.Time) (*model.PersistedGrant, error)
	// Remove deletes the grant for key. Missing keys are not an error.
	Remove(ctx context.Context, key string) error
	// RemoveAll deletes the grants matching filter. A nil or subject-less
	// filter removes nothing.
	RemoveAll(ctx context.Context, filter *model.PersistedGrantFilter) error
}

// Expirer is implemented by stores that can sweep expired grants.
type Expirer interface {
	RemoveExpired(ctx context.Context, now time.Time) (int, error)
}

func validateGrant(grant *model.PersistedGrant) error {
	if grant == nil {
		return fmt.Errorf("grant is nil: %w", model.ErrInvalidArgument)
	}
	if grant.Key == "" {
		return fmt.Errorf("grant has no key: %w", model.ErrInvalidArgument)
	}
	return nil
}

// ValidateFilter rejects a nil filter for the query operations.
func ValidateFilter(filter *model.PersistedGrantFilter) error {
	if filter == nil {
		return fmt.Errorf("grant filter is nil: %w", model.ErrInvalidArgument)
	}
	return nil
}

// MemoryStore is an in-process Store. It is used in tests and for
// deployments that do not need grants to survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*model.PersistedGrant
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Expirer = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*model.PersistedGrant)}
}

func (m *MemoryStore) Store(_ context.Context, grant *model.PersistedGrant) error {
	if err := validateGrant(grant); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grant.Key] = grant.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*model.PersistedGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[key]
	if !ok {
		return nil, nil
	}
	return g.Clone(), nil
}

func (m *MemoryStore) GetAll(_ context.Context, filter *model.PersistedGrantFilter) ([]*model.PersistedGrant, error) {
	if err := ValidateFilter(filter); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ret []*model.PersistedGrant
	for _, g := range m.grants {
		if filter.Matches(g) {
			ret = append(ret, g.Clone())
		}
	}
	return ret, nil
}

func (m *MemoryStore) Consume(_ context.Context, key string, now time.Time) (*model.PersistedGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[key]
	if !ok || g.ConsumedTime != nil {
		return nil, nil
	}
	consumed := now
	g.ConsumedTime = &consumed
	return g.Clone(), nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, key)
	return nil
}

func (m *MemoryStore) RemoveAll(_ context.Context, filter *model.PersistedGrantFilter) error {
	if filter == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, g := range m.grants {
		if filter.Matches(g) {
			delete(m.grants, k)
		}
	}
	return nil
}

// RemoveExpired deletes every grant whose expiration is before now.
func (m *MemoryStore) RemoveExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, g := range m.grants {
		if g.Expired(now) {
			delete(m.grants, k)
			n++
		}
	}
	return n, nil
}
