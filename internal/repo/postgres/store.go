package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/repo"
)

// Schema applied on construction. Single-document atomicity per
// subscription id is all the engine assumes; no cross-table
// transactions are required by callers.
const migration = `
CREATE TABLE IF NOT EXISTS subscriptions (
    id                  UUID PRIMARY KEY,
    user_id             TEXT        NOT NULL,
    tier                TEXT        NOT NULL,
    currency            TEXT        NOT NULL,
    status              TEXT        NOT NULL,
    start_date          TIMESTAMPTZ NOT NULL,
    trial_end_date      TIMESTAMPTZ,
    next_payment_date   TIMESTAMPTZ,
    last_payment_date   TIMESTAMPTZ,
    payment_method_ref  TEXT        NOT NULL DEFAULT '',
    monthly_price_cents BIGINT      NOT NULL,
    failure_count       INTEGER     NOT NULL DEFAULT 0,
    last_failure_reason TEXT        NOT NULL DEFAULT '',
    manual_review       BOOLEAN     NOT NULL DEFAULT FALSE,
    cancel_effective_at TIMESTAMPTZ,
    cancellation_reason TEXT        NOT NULL DEFAULT '',
    dunning_stage       INTEGER     NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS payment_attempts (
    id              UUID PRIMARY KEY,
    subscription_id UUID        NOT NULL REFERENCES subscriptions (id),
    amount_cents    BIGINT      NOT NULL,
    currency        TEXT        NOT NULL,
    billing_period  TEXT        NOT NULL,
    attempt_number  INTEGER     NOT NULL,
    outcome         TEXT        NOT NULL,
    failure_reason  TEXT        NOT NULL DEFAULT '',
    challenge_id    UUID,
    idempotency_key TEXT        NOT NULL UNIQUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS auth_challenges (
    id              UUID PRIMARY KEY,
    user_id         TEXT        NOT NULL,
    subscription_id UUID        NOT NULL,
    attempt_id      UUID,
    offered_factors TEXT[]      NOT NULL,
    attempts_used   INTEGER     NOT NULL DEFAULT 0,
    max_attempts    INTEGER     NOT NULL,
    status          TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at      TIMESTAMPTZ NOT NULL,
    completed_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS retry_schedule (
    id              UUID PRIMARY KEY,
    subscription_id UUID        NOT NULL REFERENCES subscriptions (id),
    scheduled_at    TIMESTAMPTZ NOT NULL,
    attempt_number  INTEGER     NOT NULL,
    completed       BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS billing_outbox (
    id           UUID PRIMARY KEY,
    event_type   TEXT        NOT NULL,
    aggregate    TEXT        NOT NULL,
    aggregate_id TEXT        NOT NULL,
    payload      JSONB       NOT NULL,
    published    BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    published_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions (user_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions (status);
CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions (next_payment_date) WHERE next_payment_date IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_attempts_subscription ON payment_attempts (subscription_id, billing_period);
CREATE INDEX IF NOT EXISTS idx_retry_pending ON retry_schedule (scheduled_at) WHERE NOT completed;
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON billing_outbox (created_at) WHERE NOT published;
`

// Store is the PostgreSQL implementation of repo.Store
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store and applies the schema
func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return store, nil
}

// NewStoreWithPool creates a PostgreSQL store with an existing pool
func NewStoreWithPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool cannot be nil")
	}
	store := &Store{db: pool}
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, migration)
	return err
}

// Pool exposes the underlying pool for health checks
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// Close closes the database connection pool
func (s *Store) Close() error {
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *Store) Subscriptions() repo.SubscriptionRepository  { return &subscriptionRepository{s.db} }
func (s *Store) Attempts() repo.AttemptRepository            { return &attemptRepository{s.db} }
func (s *Store) Challenges() repo.ChallengeRepository        { return &challengeRepository{s.db} }
func (s *Store) RetrySchedule() repo.RetryScheduleRepository { return &retryScheduleRepository{s.db} }
func (s *Store) Outbox() repo.OutboxRepository               { return &outboxRepository{s.db} }

// subscriptionRepository implements repo.SubscriptionRepository
type subscriptionRepository struct {
	db *pgxpool.Pool
}

const subscriptionColumns = `id, user_id, tier, currency, status, start_date,
	trial_end_date, next_payment_date, last_payment_date, payment_method_ref,
	monthly_price_cents, failure_count, last_failure_reason, manual_review,
	cancel_effective_at, cancellation_reason, dunning_stage, created_at, updated_at`

func (r *subscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, tier, currency, status, start_date,
			trial_end_date, next_payment_date, last_payment_date, payment_method_ref,
			monthly_price_cents, failure_count, last_failure_reason, manual_review,
			cancel_effective_at, cancellation_reason, dunning_stage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, sub.ID, sub.UserID, string(sub.Tier), sub.Currency, string(sub.Status), sub.StartDate,
		nullableTime(sub.TrialEndDate), nullableTime(sub.NextPaymentDate), nullableTime(sub.LastPaymentDate),
		sub.PaymentMethodRef, sub.MonthlyPriceCents, sub.FailureCount, sub.LastFailureReason,
		sub.ManualReview, nullableTime(sub.CancelEffectiveAt), sub.CancellationReason,
		int(sub.DunningStage), sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (r *subscriptionRepository) GetOpenByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status NOT IN ('canceled', 'expired')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	return scanSubscription(row)
}

func (r *subscriptionRepository) Update(ctx context.Context, sub *domain.Subscription) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions SET
			tier = $2, currency = $3, status = $4, start_date = $5,
			trial_end_date = $6, next_payment_date = $7, last_payment_date = $8,
			payment_method_ref = $9, monthly_price_cents = $10, failure_count = $11,
			last_failure_reason = $12, manual_review = $13, cancel_effective_at = $14,
			cancellation_reason = $15, dunning_stage = $16, updated_at = NOW()
		WHERE id = $1
	`, sub.ID, string(sub.Tier), sub.Currency, string(sub.Status), sub.StartDate,
		nullableTime(sub.TrialEndDate), nullableTime(sub.NextPaymentDate), nullableTime(sub.LastPaymentDate),
		sub.PaymentMethodRef, sub.MonthlyPriceCents, sub.FailureCount, sub.LastFailureReason,
		sub.ManualReview, nullableTime(sub.CancelEffectiveAt), sub.CancellationReason, int(sub.DunningStage))
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *subscriptionRepository) GetByStatus(ctx context.Context, statuses ...domain.SubscriptionStatus) ([]*domain.Subscription, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = ANY($1)
		ORDER BY created_at
	`, values)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions by status: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (r *subscriptionRepository) GetDue(ctx context.Context, asOf time.Time, limit int) ([]*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE next_payment_date IS NOT NULL
		  AND next_payment_date <= $1
		  AND status NOT IN ('canceled', 'expired')
		ORDER BY next_payment_date`
	args := []any{asOf}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (r *subscriptionRepository) GetExpiredTrials(ctx context.Context, asOf time.Time) ([]*domain.Subscription, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status = 'trialing' AND trial_end_date IS NOT NULL AND trial_end_date < $1
		ORDER BY trial_end_date
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired trials: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// attemptRepository implements repo.AttemptRepository
type attemptRepository struct {
	db *pgxpool.Pool
}

const attemptColumns = `id, subscription_id, amount_cents, currency, billing_period,
	attempt_number, outcome, failure_reason, challenge_id, idempotency_key, created_at`

func (r *attemptRepository) Create(ctx context.Context, attempt *domain.PaymentAttempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_attempts (id, subscription_id, amount_cents, currency,
			billing_period, attempt_number, outcome, failure_reason, challenge_id,
			idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, attempt.ID, attempt.SubscriptionID, attempt.AmountCents, attempt.Currency,
		attempt.BillingPeriod, attempt.AttemptNumber, string(attempt.Outcome),
		attempt.FailureReason, nullableUUID(attempt.ChallengeID), attempt.IdempotencyKey,
		attempt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment attempt: %w", err)
	}
	return nil
}

func (r *attemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	row := r.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
	return scanAttempt(row)
}

func (r *attemptRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	row := r.db.QueryRow(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = $1`, key)
	return scanAttempt(row)
}

func (r *attemptRepository) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.PaymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

func (r *attemptRepository) LatestForPeriod(ctx context.Context, subscriptionID uuid.UUID, period string) (*domain.PaymentAttempt, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+attemptColumns+` FROM payment_attempts
		WHERE subscription_id = $1 AND billing_period = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, subscriptionID, period)
	return scanAttempt(row)
}

func (r *attemptRepository) CountForPeriod(ctx context.Context, subscriptionID uuid.UUID, period string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM payment_attempts
		WHERE subscription_id = $1 AND billing_period = $2
	`, subscriptionID, period).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count payment attempts: %w", err)
	}
	return count, nil
}

// challengeRepository implements repo.ChallengeRepository
type challengeRepository struct {
	db *pgxpool.Pool
}

const challengeColumns = `id, user_id, subscription_id, attempt_id, offered_factors,
	attempts_used, max_attempts, status, created_at, expires_at, completed_at`

func (r *challengeRepository) Create(ctx context.Context, challenge *domain.AuthenticationChallenge) error {
	factors := make([]string, len(challenge.OfferedFactors))
	for i, f := range challenge.OfferedFactors {
		factors[i] = string(f)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO auth_challenges (id, user_id, subscription_id, attempt_id,
			offered_factors, attempts_used, max_attempts, status, created_at, expires_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, challenge.ID, challenge.UserID, challenge.SubscriptionID, nullableUUID(challenge.AttemptID),
		factors, challenge.AttemptsUsed, challenge.MaxAttempts, string(challenge.Status),
		challenge.CreatedAt, challenge.ExpiresAt, nullableTime(challenge.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (r *challengeRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.AuthenticationChallenge, error) {
	row := r.db.QueryRow(ctx, `SELECT `+challengeColumns+` FROM auth_challenges WHERE id = $1`, id)
	return scanChallenge(row)
}

func (r *challengeRepository) Update(ctx context.Context, challenge *domain.AuthenticationChallenge) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE auth_challenges SET
			attempt_id = $2, attempts_used = $3, status = $4, completed_at = $5
		WHERE id = $1
	`, challenge.ID, nullableUUID(challenge.AttemptID), challenge.AttemptsUsed,
		string(challenge.Status), nullableTime(challenge.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to update challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// retryScheduleRepository implements repo.RetryScheduleRepository
type retryScheduleRepository struct {
	db *pgxpool.Pool
}

func (r *retryScheduleRepository) Create(ctx context.Context, entry *domain.RetryScheduleEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO retry_schedule (id, subscription_id, scheduled_at, attempt_number, completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.SubscriptionID, entry.ScheduledAt, entry.AttemptNumber, entry.Completed, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create retry entry: %w", err)
	}
	return nil
}

func (r *retryScheduleRepository) GetPending(ctx context.Context, asOf time.Time) ([]*domain.RetryScheduleEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, subscription_id, scheduled_at, attempt_number, completed, created_at
		FROM retry_schedule
		WHERE NOT completed AND scheduled_at <= $1
		ORDER BY scheduled_at
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending retries: %w", err)
	}
	defer rows.Close()
	return scanRetryEntries(rows)
}

func (r *retryScheduleRepository) GetOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*domain.RetryScheduleEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, subscription_id, scheduled_at, attempt_number, completed, created_at
		FROM retry_schedule
		WHERE subscription_id = $1 AND NOT completed
		ORDER BY scheduled_at
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query open retries: %w", err)
	}
	defer rows.Close()
	return scanRetryEntries(rows)
}

func (r *retryScheduleRepository) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE retry_schedule SET completed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark retry completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// outboxRepository implements repo.OutboxRepository
type outboxRepository struct {
	db *pgxpool.Pool
}

func (r *outboxRepository) Enqueue(ctx context.Context, event *domain.OutboxEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO billing_outbox (id, event_type, aggregate, aggregate_id, payload, published, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ID, event.EventType, event.Aggregate, event.AggregateID, event.Payload,
		event.Published, event.CreatedAt, nullableTime(event.PublishedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepository) GetPending(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT id, event_type, aggregate, aggregate_id, payload, published, created_at, published_at
		FROM billing_outbox
		WHERE NOT published
		ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox events: %w", err)
	}
	defer rows.Close()

	var out []*domain.OutboxEvent
	for rows.Next() {
		var (
			event       domain.OutboxEvent
			publishedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&event.ID, &event.EventType, &event.Aggregate, &event.AggregateID,
			&event.Payload, &event.Published, &event.CreatedAt, &publishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if publishedAt.Valid {
			event.PublishedAt = &publishedAt.Time
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE billing_outbox SET published = TRUE, published_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Scan helpers converting rows to domain records

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub               domain.Subscription
		tier, status      string
		trialEnd          pgtype.Timestamptz
		nextPayment       pgtype.Timestamptz
		lastPayment       pgtype.Timestamptz
		cancelEffectiveAt pgtype.Timestamptz
		dunningStage      int
	)
	err := row.Scan(&sub.ID, &sub.UserID, &tier, &sub.Currency, &status, &sub.StartDate,
		&trialEnd, &nextPayment, &lastPayment, &sub.PaymentMethodRef,
		&sub.MonthlyPriceCents, &sub.FailureCount, &sub.LastFailureReason, &sub.ManualReview,
		&cancelEffectiveAt, &sub.CancellationReason, &dunningStage, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.Tier = domain.Tier(tier)
	sub.Status = domain.SubscriptionStatus(status)
	sub.DunningStage = domain.DunningStage(dunningStage)
	if trialEnd.Valid {
		sub.TrialEndDate = &trialEnd.Time
	}
	if nextPayment.Valid {
		sub.NextPaymentDate = &nextPayment.Time
	}
	if lastPayment.Valid {
		sub.LastPaymentDate = &lastPayment.Time
	}
	if cancelEffectiveAt.Valid {
		sub.CancelEffectiveAt = &cancelEffectiveAt.Time
	}
	return &sub, nil
}

func scanSubscriptions(rows pgx.Rows) ([]*domain.Subscription, error) {
	var out []*domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var (
		attempt     domain.PaymentAttempt
		outcome     string
		challengeID pgtype.UUID
	)
	err := row.Scan(&attempt.ID, &attempt.SubscriptionID, &attempt.AmountCents, &attempt.Currency,
		&attempt.BillingPeriod, &attempt.AttemptNumber, &outcome, &attempt.FailureReason,
		&challengeID, &attempt.IdempotencyKey, &attempt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
	}

	attempt.Outcome = domain.AttemptOutcome(outcome)
	if challengeID.Valid {
		id := uuid.UUID(challengeID.Bytes)
		attempt.ChallengeID = &id
	}
	return &attempt, nil
}

func scanChallenge(row pgx.Row) (*domain.AuthenticationChallenge, error) {
	var (
		challenge   domain.AuthenticationChallenge
		status      string
		factors     []string
		attemptID   pgtype.UUID
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&challenge.ID, &challenge.UserID, &challenge.SubscriptionID, &attemptID,
		&factors, &challenge.AttemptsUsed, &challenge.MaxAttempts, &status,
		&challenge.CreatedAt, &challenge.ExpiresAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan challenge: %w", err)
	}

	challenge.Status = domain.ChallengeStatus(status)
	challenge.OfferedFactors = make([]domain.FactorMethod, len(factors))
	for i, f := range factors {
		challenge.OfferedFactors[i] = domain.FactorMethod(f)
	}
	if attemptID.Valid {
		id := uuid.UUID(attemptID.Bytes)
		challenge.AttemptID = &id
	}
	if completedAt.Valid {
		challenge.CompletedAt = &completedAt.Time
	}
	return &challenge, nil
}

func scanRetryEntries(rows pgx.Rows) ([]*domain.RetryScheduleEntry, error) {
	var out []*domain.RetryScheduleEntry
	for rows.Next() {
		var entry domain.RetryScheduleEntry
		if err := rows.Scan(&entry.ID, &entry.SubscriptionID, &entry.ScheduledAt,
			&entry.AttemptNumber, &entry.Completed, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func nullableUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}
