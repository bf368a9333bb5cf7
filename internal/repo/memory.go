package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schildwacht/billingservice/internal/domain"
)

// MemoryStore is an in-memory implementation of Store. It backs the
// worker's "store: memory" mode and the test suites. All methods are
// safe for concurrent use; records are copied on the way in and out so
// callers cannot mutate stored state behind the lock.
type MemoryStore struct {
	subscriptions *MemorySubscriptionStore
	attempts      *MemoryAttemptStore
	challenges    *MemoryChallengeStore
	retries       *MemoryRetryScheduleStore
	outbox        *MemoryOutboxStore
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: &MemorySubscriptionStore{subs: make(map[uuid.UUID]*domain.Subscription)},
		attempts:      &MemoryAttemptStore{attempts: make(map[uuid.UUID]*domain.PaymentAttempt)},
		challenges:    &MemoryChallengeStore{challenges: make(map[uuid.UUID]*domain.AuthenticationChallenge)},
		retries:       &MemoryRetryScheduleStore{entries: make(map[uuid.UUID]*domain.RetryScheduleEntry)},
		outbox:        &MemoryOutboxStore{events: make(map[uuid.UUID]*domain.OutboxEvent)},
	}
}

func (s *MemoryStore) Subscriptions() SubscriptionRepository  { return s.subscriptions }
func (s *MemoryStore) Attempts() AttemptRepository            { return s.attempts }
func (s *MemoryStore) Challenges() ChallengeRepository        { return s.challenges }
func (s *MemoryStore) RetrySchedule() RetryScheduleRepository { return s.retries }
func (s *MemoryStore) Outbox() OutboxRepository               { return s.outbox }
func (s *MemoryStore) Close() error                           { return nil }

// MemorySubscriptionStore is an in-memory SubscriptionRepository
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*domain.Subscription
}

func (s *MemorySubscriptionStore) Create(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *MemorySubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscription(sub), nil
}

func (s *MemorySubscriptionStore) GetOpenByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && !sub.IsTerminal() {
			return cloneSubscription(sub), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemorySubscriptionStore) Update(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	s.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (s *MemorySubscriptionStore) GetByStatus(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Subscription
	for _, sub := range s.subs {
		for _, status := range statuses {
			if sub.Status == status {
				out = append(out, cloneSubscription(sub))
				break
			}
		}
	}
	sortSubscriptionsByCreated(out)
	return out, nil
}

func (s *MemorySubscriptionStore) GetDue(ctx context.Context, asOf time.Time, limit int) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Subscription
	for _, sub := range s.subs {
		if sub.DueAt(asOf) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextPaymentDate.Before(*out[j].NextPaymentDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemorySubscriptionStore) GetExpiredTrials(ctx context.Context, asOf time.Time) ([]*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Subscription
	for _, sub := range s.subs {
		if sub.TrialExpiredAt(asOf) {
			out = append(out, cloneSubscription(sub))
		}
	}
	sortSubscriptionsByCreated(out)
	return out, nil
}

// MemoryAttemptStore is an in-memory AttemptRepository
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*domain.PaymentAttempt
}

func (s *MemoryAttemptStore) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.attempts[attempt.ID] = &cp
	return nil
}

func (s *MemoryAttemptStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *attempt
	return &cp, nil
}

func (s *MemoryAttemptStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, attempt := range s.attempts {
		if attempt.IdempotencyKey == key {
			cp := *attempt
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAttemptStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.PaymentAttempt
	for _, attempt := range s.attempts {
		if attempt.SubscriptionID == subscriptionID {
			cp := *attempt
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryAttemptStore) LatestForPeriod(ctx context.Context, subscriptionID uuid.UUID, period string) (*domain.PaymentAttempt, error) {
	attempts, err := s.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	for _, attempt := range attempts {
		if attempt.BillingPeriod == period {
			return attempt, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryAttemptStore) CountForPeriod(ctx context.Context, subscriptionID uuid.UUID, period string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, attempt := range s.attempts {
		if attempt.SubscriptionID == subscriptionID && attempt.BillingPeriod == period {
			count++
		}
	}
	return count, nil
}

// MemoryChallengeStore is an in-memory ChallengeRepository
type MemoryChallengeStore struct {
	mu         sync.RWMutex
	challenges map[uuid.UUID]*domain.AuthenticationChallenge
}

func (s *MemoryChallengeStore) Create(ctx context.Context, challenge *domain.AuthenticationChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[challenge.ID] = cloneChallenge(challenge)
	return nil
}

func (s *MemoryChallengeStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.AuthenticationChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	challenge, ok := s.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChallenge(challenge), nil
}

func (s *MemoryChallengeStore) Update(ctx context.Context, challenge *domain.AuthenticationChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[challenge.ID]; !ok {
		return ErrNotFound
	}
	s.challenges[challenge.ID] = cloneChallenge(challenge)
	return nil
}

// MemoryRetryScheduleStore is an in-memory RetryScheduleRepository
type MemoryRetryScheduleStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*domain.RetryScheduleEntry
}

func (s *MemoryRetryScheduleStore) Create(ctx context.Context, entry *domain.RetryScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries[entry.ID] = &cp
	return nil
}

func (s *MemoryRetryScheduleStore) GetPending(ctx context.Context, asOf time.Time) ([]*domain.RetryScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.RetryScheduleEntry
	for _, entry := range s.entries {
		if !entry.Completed && !entry.ScheduledAt.After(asOf) {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (s *MemoryRetryScheduleStore) GetOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.RetryScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.RetryScheduleEntry
	for _, entry := range s.entries {
		if entry.SubscriptionID == subscriptionID && !entry.Completed {
			cp := *entry
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

func (s *MemoryRetryScheduleStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	entry.Completed = true
	return nil
}

// MemoryOutboxStore is an in-memory OutboxRepository
type MemoryOutboxStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]*domain.OutboxEvent
}

func (s *MemoryOutboxStore) Enqueue(ctx context.Context, event *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events[event.ID] = &cp
	return nil
}

func (s *MemoryOutboxStore) GetPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.OutboxEvent
	for _, event := range s.events {
		if !event.Published {
			cp := *event
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryOutboxStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	event.Published = true
	event.PublishedAt = &now
	return nil
}

func cloneSubscription(sub *domain.Subscription) *domain.Subscription {
	cp := *sub
	cp.TrialEndDate = cloneTime(sub.TrialEndDate)
	cp.NextPaymentDate = cloneTime(sub.NextPaymentDate)
	cp.LastPaymentDate = cloneTime(sub.LastPaymentDate)
	cp.CancelEffectiveAt = cloneTime(sub.CancelEffectiveAt)
	return &cp
}

func cloneChallenge(challenge *domain.AuthenticationChallenge) *domain.AuthenticationChallenge {
	cp := *challenge
	cp.OfferedFactors = append([]domain.FactorMethod(nil), challenge.OfferedFactors...)
	cp.CompletedAt = cloneTime(challenge.CompletedAt)
	if challenge.AttemptID != nil {
		id := *challenge.AttemptID
		cp.AttemptID = &id
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func sortSubscriptionsByCreated(subs []*domain.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
