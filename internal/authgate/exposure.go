package authgate

import (
	"context"
	"fmt"
	"sync"

	"github.com/schildwacht/billingservice/internal/cache"
)

// ExposureTracker accumulates a user's payment exposure since their last
// completed authentication: cumulative captured amount and consecutive
// attempt count. Both feed the gate's threshold rules and reset when a
// challenge completes.
type ExposureTracker interface {
	// Exposure returns cumulative captured cents and attempt count since
	// the last completed authentication
	Exposure(ctx context.Context, userID string) (capturedCents int64, attempts int64, err error)

	// RecordAttempt counts one payment attempt towards the exposure
	RecordAttempt(ctx context.Context, userID string) error

	// RecordCapture adds a captured amount to the exposure
	RecordCapture(ctx context.Context, userID string, amountCents int64) error

	// Reset clears the exposure after a completed authentication
	Reset(ctx context.Context, userID string) error
}

// RedisExposureTracker keeps exposure counters in Redis so they are
// shared across worker processes.
type RedisExposureTracker struct {
	cache *cache.Cache
}

// NewRedisExposureTracker creates a Redis-backed exposure tracker
func NewRedisExposureTracker(c *cache.Cache) *RedisExposureTracker {
	return &RedisExposureTracker{cache: c}
}

func capturedKey(userID string) string { return fmt.Sprintf("sca:exposure:captured:%s", userID) }
func attemptsKey(userID string) string { return fmt.Sprintf("sca:exposure:attempts:%s", userID) }

// Exposure implements ExposureTracker
func (t *RedisExposureTracker) Exposure(ctx context.Context, userID string) (int64, int64, error) {
	captured, err := t.cache.GetInt64(ctx, capturedKey(userID))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read captured exposure: %w", err)
	}
	attempts, err := t.cache.GetInt64(ctx, attemptsKey(userID))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read attempt exposure: %w", err)
	}
	return captured, attempts, nil
}

// RecordAttempt implements ExposureTracker
func (t *RedisExposureTracker) RecordAttempt(ctx context.Context, userID string) error {
	_, err := t.cache.IncrBy(ctx, attemptsKey(userID), 1)
	return err
}

// RecordCapture implements ExposureTracker
func (t *RedisExposureTracker) RecordCapture(ctx context.Context, userID string, amountCents int64) error {
	_, err := t.cache.IncrBy(ctx, capturedKey(userID), amountCents)
	return err
}

// Reset implements ExposureTracker
func (t *RedisExposureTracker) Reset(ctx context.Context, userID string) error {
	return t.cache.Delete(ctx, capturedKey(userID), attemptsKey(userID))
}

// MemoryExposureTracker is a process-local tracker for tests and the
// worker's memory mode.
type MemoryExposureTracker struct {
	mu       sync.Mutex
	captured map[string]int64
	attempts map[string]int64
}

// NewMemoryExposureTracker creates an empty in-memory tracker
func NewMemoryExposureTracker() *MemoryExposureTracker {
	return &MemoryExposureTracker{
		captured: make(map[string]int64),
		attempts: make(map[string]int64),
	}
}

// Exposure implements ExposureTracker
func (t *MemoryExposureTracker) Exposure(ctx context.Context, userID string) (int64, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.captured[userID], t.attempts[userID], nil
}

// RecordAttempt implements ExposureTracker
func (t *MemoryExposureTracker) RecordAttempt(ctx context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[userID]++
	return nil
}

// RecordCapture implements ExposureTracker
func (t *MemoryExposureTracker) RecordCapture(ctx context.Context, userID string, amountCents int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.captured[userID] += amountCents
	return nil
}

// Reset implements ExposureTracker
func (t *MemoryExposureTracker) Reset(ctx context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.captured, userID)
	delete(t.attempts, userID)
	return nil
}
