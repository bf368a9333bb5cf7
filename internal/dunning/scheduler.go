package dunning

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/notify"
	"github.com/schildwacht/billingservice/internal/repo"
)

// Config holds the dunning thresholds and the retry backoff ladder
type Config struct {
	// RetryBackoffDays is indexed by the failure count before the decline
	// that triggered the retry: first decline retries after the first
	// entry, and a decline past the ladder schedules nothing.
	RetryBackoffDays []int

	ReminderDays     int
	FinalWarningDays int
	CancellationDays int

	ReminderFailures int
	WarningFailures  int
	CancelFailures   int
}

// DefaultConfig returns the production dunning parameters
func DefaultConfig() Config {
	return Config{
		RetryBackoffDays: []int{1, 3, 7},
		ReminderDays:     7,
		FinalWarningDays: 14,
		CancellationDays: 30,
		ReminderFailures: 1,
		WarningFailures:  2,
		CancelFailures:   3,
	}
}

// Scheduler owns payment-failure follow-up: scheduling the automatic
// retry after each decline and escalating overdue subscriptions through
// reminder, final warning and cancellation.
type Scheduler struct {
	store    repo.Store
	notifier notify.Notifier
	auditor  *audit.Manager
	cfg      Config
	now      func() time.Time
}

// Option configures optional scheduler behavior
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a new dunning scheduler
func NewScheduler(store repo.Store, notifier notify.Notifier, auditor *audit.Manager, cfg Config, opts ...Option) *Scheduler {
	if len(cfg.RetryBackoffDays) == 0 {
		cfg.RetryBackoffDays = []int{1, 3, 7}
	}
	s := &Scheduler{
		store:    store,
		notifier: notifier,
		auditor:  auditor,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleDecline schedules exactly one automatic retry for a freshly
// booked decline. The backoff ladder is indexed by the failure count
// before the decline; a subscription past the ladder gets no retry and
// is left to the dunning sweep.
func (s *Scheduler) HandleDecline(ctx context.Context, sub *domain.Subscription) error {
	// The lifecycle manager increments before the handoff.
	preIncrementFailures := sub.FailureCount - 1
	if preIncrementFailures < 0 {
		preIncrementFailures = 0
	}
	if preIncrementFailures >= len(s.cfg.RetryBackoffDays) {
		log.Info(ctx, "Retry ladder exhausted, not scheduling",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int("failure_count", sub.FailureCount))
		return nil
	}

	open, err := s.store.RetrySchedule().GetOpenBySubscription(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to check open retries: %w", err)
	}
	if len(open) > 0 {
		log.Debug(ctx, "Retry already scheduled, skipping",
			zap.String("subscription_id", sub.ID.String()))
		return nil
	}

	backoffDays := s.cfg.RetryBackoffDays[preIncrementFailures]
	now := s.now()
	entry := &domain.RetryScheduleEntry{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		ScheduledAt:    now.AddDate(0, 0, backoffDays),
		AttemptNumber:  sub.FailureCount + 1,
		CreatedAt:      now,
	}
	if err := s.store.RetrySchedule().Create(ctx, entry); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	metrics.RecordRetryScheduled(fmt.Sprintf("%d", entry.AttemptNumber))
	s.enqueueEvent(ctx, events.TypeRetryScheduled, sub.ID, map[string]interface{}{
		"scheduled_at":   entry.ScheduledAt.UTC().Format(time.RFC3339),
		"backoff_days":   backoffDays,
		"attempt_number": entry.AttemptNumber,
	})

	log.Info(ctx, "Payment retry scheduled",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("backoff_days", backoffDays),
		zap.Time("scheduled_at", entry.ScheduledAt))

	return nil
}

// SweepResult summarizes one dunning sweep
type SweepResult struct {
	Examined int `json:"examined"`
	Notified int `json:"notified"`
	Canceled int `json:"canceled"`
}

// ProcessDunningSweep escalates overdue subscriptions. The sweep is
// idempotent: each subscription tracks the highest stage already
// notified, so re-running emits nothing twice. Cancellation at the
// final threshold is terminal and uses the dunning-exhausted reason.
func (s *Scheduler) ProcessDunningSweep(ctx context.Context) (*SweepResult, error) {
	overdue, err := s.store.Subscriptions().GetByStatus(ctx,
		domain.SubscriptionStatusPastDue, domain.SubscriptionStatusUnpaid)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue subscriptions: %w", err)
	}

	now := s.now()
	result := &SweepResult{Examined: len(overdue)}

	for _, sub := range overdue {
		stage := s.stageFor(sub, now)
		if stage <= sub.DunningStage {
			continue
		}

		if err := s.escalate(ctx, sub, stage, now); err != nil {
			log.Error(ctx, "Failed to escalate dunning stage", zap.Error(err),
				zap.String("subscription_id", sub.ID.String()),
				zap.String("stage", stage.String()))
			continue
		}

		result.Notified++
		if stage == domain.DunningStageCanceled {
			result.Canceled++
		}
	}

	log.Info(ctx, "Dunning sweep finished",
		zap.Int("examined", result.Examined),
		zap.Int("notified", result.Notified),
		zap.Int("canceled", result.Canceled))

	return result, nil
}

// stageFor returns the highest threshold the subscription has crossed
func (s *Scheduler) stageFor(sub *domain.Subscription, now time.Time) domain.DunningStage {
	days := sub.DaysOverdue(now)
	switch {
	case days >= s.cfg.CancellationDays && sub.FailureCount >= s.cfg.CancelFailures:
		return domain.DunningStageCanceled
	case days >= s.cfg.FinalWarningDays && sub.FailureCount >= s.cfg.WarningFailures:
		return domain.DunningStageFinalWarning
	case days >= s.cfg.ReminderDays && sub.FailureCount >= s.cfg.ReminderFailures:
		return domain.DunningStageReminder
	default:
		return domain.DunningStageNone
	}
}

func (s *Scheduler) escalate(ctx context.Context, sub *domain.Subscription, stage domain.DunningStage, now time.Time) error {
	from := sub.Status
	sub.DunningStage = stage
	sub.UpdatedAt = now

	if stage == domain.DunningStageCanceled {
		if !sub.CanTransitionTo(domain.SubscriptionStatusCanceled) {
			return domain.NewInvalidStateError(
				"overdue subscription cannot be canceled",
				fmt.Sprintf("subscription: %s, status: %s", sub.ID, sub.Status))
		}
		sub.Status = domain.SubscriptionStatusCanceled
		sub.CancellationReason = domain.CancelReasonDunningExhausted
		sub.CancelEffectiveAt = &now
		sub.NextPaymentDate = nil
	}

	if err := s.store.Subscriptions().Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	// Cancellation leaves the billing pipeline; consume any retry still
	// waiting so the batch never picks it up.
	if stage == domain.DunningStageCanceled {
		s.closeOpenRetries(ctx, sub.ID)
	}

	s.notify(ctx, sub, stage)
	metrics.RecordDunningNotification(stage.String())

	if err := s.auditor.LogDunningNotice(ctx, sub.UserID, sub.ID.String(),
		stage.String(), sub.DaysOverdue(now), sub.FailureCount); err != nil {
		log.Warn(ctx, "Failed to audit dunning notice", zap.Error(err))
	}

	s.enqueueEvent(ctx, events.TypeDunningNotice, sub.ID, map[string]interface{}{
		"stage":         stage.String(),
		"days_overdue":  sub.DaysOverdue(now),
		"failure_count": sub.FailureCount,
	})

	if stage == domain.DunningStageCanceled {
		metrics.RecordStatusTransition(string(from), string(sub.Status))
		if err := s.auditor.LogStatusTransition(ctx, sub.UserID, sub.ID.String(),
			string(from), string(sub.Status), domain.CancelReasonDunningExhausted); err != nil {
			log.Warn(ctx, "Failed to audit dunning cancellation", zap.Error(err))
		}
		s.enqueueEvent(ctx, events.TypeSubscriptionCanceled, sub.ID, map[string]interface{}{
			"reason": domain.CancelReasonDunningExhausted,
		})
	}

	return nil
}

func (s *Scheduler) closeOpenRetries(ctx context.Context, subscriptionID uuid.UUID) {
	open, err := s.store.RetrySchedule().GetOpenBySubscription(ctx, subscriptionID)
	if err != nil {
		log.Warn(ctx, "Failed to list open retries", zap.Error(err))
		return
	}
	for _, entry := range open {
		if err := s.store.RetrySchedule().MarkCompleted(ctx, entry.ID); err != nil {
			log.Warn(ctx, "Failed to close retry entry", zap.Error(err),
				zap.String("entry_id", entry.ID.String()))
		}
	}
}

func (s *Scheduler) notify(ctx context.Context, sub *domain.Subscription, stage domain.DunningStage) {
	var kind notify.TemplateKind
	switch stage {
	case domain.DunningStageReminder:
		kind = notify.TemplatePaymentReminder
	case domain.DunningStageFinalWarning:
		kind = notify.TemplateFinalWarning
	case domain.DunningStageCanceled:
		kind = notify.TemplateSubscriptionCanceled
	default:
		return
	}
	s.notifier.Notify(ctx, sub.UserID, kind, map[string]string{
		"amount": formatAmount(sub.MonthlyPriceCents, sub.Currency),
	})
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%s %d.%02d", currency, cents/100, cents%100)
}

func (s *Scheduler) enqueueEvent(ctx context.Context, eventType string, subscriptionID uuid.UUID, data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Warn(ctx, "Failed to marshal outbox payload", zap.Error(err))
		return
	}
	event := &domain.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		Aggregate:   "subscription",
		AggregateID: subscriptionID.String(),
		Payload:     payload,
		CreatedAt:   s.now(),
	}
	if err := s.store.Outbox().Enqueue(ctx, event); err != nil {
		log.Warn(ctx, "Failed to enqueue outbox event", zap.Error(err),
			zap.String("event_type", eventType))
	}
}
