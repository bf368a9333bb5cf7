package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schildwacht/billingservice/internal/cache"
)

// keyedMutex serializes billing operations per subscription within one
// process. Entries are reference counted so the table stays bounded by
// the number of concurrently locked subscriptions.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[uuid.UUID]*lockEntry)}
}

func (k *keyedMutex) Lock(id uuid.UUID) {
	k.mu.Lock()
	entry, ok := k.entries[id]
	if !ok {
		entry = &lockEntry{}
		k.entries[id] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) Unlock(id uuid.UUID) {
	k.mu.Lock()
	entry := k.entries[id]
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, id)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

// DistributedLocker guards a subscription across worker processes. The
// in-process keyed mutex still applies underneath it.
type DistributedLocker interface {
	// Acquire takes the lock for the subscription; ok is false when
	// another process holds it
	Acquire(ctx context.Context, subscriptionID uuid.UUID, ttl time.Duration) (ok bool, err error)

	// Release releases a lock this process acquired
	Release(ctx context.Context, subscriptionID uuid.UUID) error
}

// CacheLocker implements DistributedLocker on the Redis cache
type CacheLocker struct {
	cache *cache.Cache
	owner string
}

// NewCacheLocker creates a Redis-backed distributed locker. The owner
// string identifies this process so it only releases its own locks.
func NewCacheLocker(c *cache.Cache) *CacheLocker {
	return &CacheLocker{cache: c, owner: uuid.NewString()}
}

func lockKey(subscriptionID uuid.UUID) string {
	return "billing:lock:" + subscriptionID.String()
}

// Acquire implements DistributedLocker
func (l *CacheLocker) Acquire(ctx context.Context, subscriptionID uuid.UUID, ttl time.Duration) (bool, error) {
	return l.cache.AcquireLock(ctx, lockKey(subscriptionID), l.owner, ttl)
}

// Release implements DistributedLocker
func (l *CacheLocker) Release(ctx context.Context, subscriptionID uuid.UUID) error {
	return l.cache.ReleaseLock(ctx, lockKey(subscriptionID), l.owner)
}

// NoopLocker is used in single-process mode and tests
type NoopLocker struct{}

// Acquire implements DistributedLocker
func (NoopLocker) Acquire(ctx context.Context, subscriptionID uuid.UUID, ttl time.Duration) (bool, error) {
	return true, nil
}

// Release implements DistributedLocker
func (NoopLocker) Release(ctx context.Context, subscriptionID uuid.UUID) error {
	return nil
}
