package secrets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayPurposeClientAssertion = "client_assertion"

// ReplayCache remembers one-time values until they expire. Add must be an
// atomic check-and-insert: of two concurrent calls with the same value,
// exactly one reports fresh.
type ReplayCache interface {
	// Add records handle for purpose until expiration. It reports false if
	// the handle was already recorded and has not expired.
	Add(ctx context.Context, purpose, handle string, expiration time.Time) (fresh bool, err error)
}

// MemoryReplayCache is a process-local ReplayCache.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{entries: make(map[string]time.Time), Now: time.Now}
}

func (m *MemoryReplayCache) Add(_ context.Context, purpose, handle string, expiration time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	key := purpose + ":" + handle
	if exp, ok := m.entries[key]; ok && exp.After(now) {
		return false, nil
	}
	m.entries[key] = expiration
	return true, nil
}

// Sweep drops expired entries and returns how many were removed.
func (m *MemoryReplayCache) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	n := 0
	for k, exp := range m.entries {
		if !exp.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// RedisReplayCache is a ReplayCache shared between instances through redis.
type RedisReplayCache struct {
	client redis.UniversalClient
	prefix string
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewRedisReplayCache stores entries under keys starting with prefix.
func NewRedisReplayCache(client redis.UniversalClient, prefix string) *RedisReplayCache {
	return &RedisReplayCache{client: client, prefix: prefix, Now: time.Now}
}

func (r *RedisReplayCache) Add(ctx context.Context, purpose, handle string, expiration time.Time) (bool, error) {
	ttl := expiration.Sub(r.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := r.client.SetNX(ctx, r.prefix+"replay:"+purpose+":"+handle, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
