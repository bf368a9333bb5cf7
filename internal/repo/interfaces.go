package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/schildwacht/billingservice/internal/domain"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// SubscriptionRepository defines the interface for subscription data
// operations. Implementations must provide atomic single-record
// read-modify-write; multi-record transactions are not assumed.
type SubscriptionRepository interface {
	// Create creates a new subscription
	Create(ctx context.Context, sub *domain.Subscription) error

	// GetByID retrieves a subscription by ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error)

	// GetOpenByUserID retrieves the user's non-terminal subscription, if any
	GetOpenByUserID(ctx context.Context, userID string) (*domain.Subscription, error)

	// Update updates an existing subscription
	Update(ctx context.Context, sub *domain.Subscription) error

	// GetByStatus retrieves subscriptions in any of the given statuses
	GetByStatus(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]*domain.Subscription, error)

	// GetDue retrieves non-terminal subscriptions whose next payment date
	// has arrived, ordered by due date. limit <= 0 means no limit.
	GetDue(ctx context.Context, asOf time.Time, limit int) ([]*domain.Subscription, error)

	// GetExpiredTrials retrieves trialing subscriptions whose trial end
	// has passed
	GetExpiredTrials(ctx context.Context, asOf time.Time) ([]*domain.Subscription, error)
}

// AttemptRepository defines the interface for the append-only payment
// attempt ledger
type AttemptRepository interface {
	// Create appends a new attempt
	Create(ctx context.Context, attempt *domain.PaymentAttempt) error

	// GetByID retrieves an attempt by ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)

	// GetByIdempotencyKey retrieves an attempt by its idempotency key
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)

	// ListBySubscription retrieves all attempts for a subscription,
	// newest first
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.PaymentAttempt, error)

	// LatestForPeriod retrieves the most recent attempt for a
	// subscription within a billing period
	LatestForPeriod(ctx context.Context, subscriptionID uuid.UUID, period string) (*domain.PaymentAttempt, error)

	// CountForPeriod counts attempts for a subscription within a billing
	// period
	CountForPeriod(ctx context.Context, subscriptionID uuid.UUID, period string) (int, error)
}

// ChallengeRepository defines the interface for authentication
// challenge storage
type ChallengeRepository interface {
	// Create creates a new challenge
	Create(ctx context.Context, challenge *domain.AuthenticationChallenge) error

	// GetByID retrieves a challenge by ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.AuthenticationChallenge, error)

	// Update updates an existing challenge
	Update(ctx context.Context, challenge *domain.AuthenticationChallenge) error
}

// RetryScheduleRepository defines the interface for scheduled retry
// entries owned by the dunning scheduler
type RetryScheduleRepository interface {
	// Create creates a new retry entry
	Create(ctx context.Context, entry *domain.RetryScheduleEntry) error

	// GetPending retrieves uncompleted entries due at or before asOf
	GetPending(ctx context.Context, asOf time.Time) ([]*domain.RetryScheduleEntry, error)

	// GetOpenBySubscription retrieves uncompleted entries for a
	// subscription
	GetOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.RetryScheduleEntry, error)

	// MarkCompleted marks an entry as consumed
	MarkCompleted(ctx context.Context, id uuid.UUID) error
}

// OutboxRepository defines the interface for transactional outbox
// operations
type OutboxRepository interface {
	// Enqueue stages an event for publication
	Enqueue(ctx context.Context, event *domain.OutboxEvent) error

	// GetPending retrieves unpublished events, oldest first
	GetPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)

	// MarkPublished marks an event as delivered to the broker
	MarkPublished(ctx context.Context, id uuid.UUID) error
}

// Store bundles the repositories behind one construction point
type Store interface {
	Subscriptions() SubscriptionRepository
	Attempts() AttemptRepository
	Challenges() ChallengeRepository
	RetrySchedule() RetryScheduleRepository
	Outbox() OutboxRepository
	Close() error
}
