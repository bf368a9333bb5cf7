package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/ratelimit"
	"github.com/schildwacht/billingservice/internal/repo"
	"github.com/schildwacht/billingservice/internal/subscription"
)

// providerRateKey scopes the fixed-window limiter to outbound capture
// calls; every worker process shares the same window.
const providerRateKey = "capture"

// Config holds batch coordinator configuration
type Config struct {
	// ItemDelay is the pause between items; the provider's rate limits
	// make the batch deliberately serial.
	ItemDelay time.Duration
	// MaxItems caps one run, 0 means unbounded
	MaxItems int
}

// DefaultConfig returns the production batch parameters
func DefaultConfig() Config {
	return Config{
		ItemDelay: 500 * time.Millisecond,
		MaxItems:  0,
	}
}

// Result summarizes one batch run
type Result struct {
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	FailedIDs []string      `json:"failed_ids,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// SuccessRate returns the fraction of processed items that succeeded,
// 1.0 for an empty run.
func (r *Result) SuccessRate() float64 {
	if r.Processed == 0 {
		return 1.0
	}
	return float64(r.Succeeded) / float64(r.Processed)
}

// Coordinator runs scheduled billing over every subscription that is
// due, serially with a fixed delay and per-item isolation: one bad
// subscription never takes the run down.
type Coordinator struct {
	store   repo.Store
	manager *subscription.Manager
	limiter ratelimit.Limiter
	auditor *audit.Manager
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

// NewCoordinator creates a new batch billing coordinator
func NewCoordinator(
	store repo.Store,
	manager *subscription.Manager,
	limiter ratelimit.Limiter,
	auditor *audit.Manager,
	logger *zap.Logger,
	cfg Config,
) *Coordinator {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	return &Coordinator{
		store:   store,
		manager: manager,
		limiter: limiter,
		auditor: auditor,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// ProcessDue bills every subscription whose next payment date has
// arrived, plus subscriptions with a due scheduled retry. Returns the
// run's result; the error is reserved for failures to even start.
func (c *Coordinator) ProcessDue(ctx context.Context) (*Result, error) {
	start := c.now()
	result := &Result{
		RunID:     uuid.NewString(),
		StartedAt: start,
	}

	due, err := c.store.Subscriptions().GetDue(ctx, start, c.cfg.MaxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	retries, err := c.store.RetrySchedule().GetPending(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to list due retries: %w", err)
	}

	items, retryByID := c.collect(due, retries)

	log.Info(ctx, "Batch billing run starting",
		zap.String("run_id", result.RunID),
		zap.Int("due", len(due)),
		zap.Int("retries", len(retries)),
		zap.Int("items", len(items)))

	for i, id := range items {
		if ctx.Err() != nil {
			log.Warn(ctx, "Batch billing run interrupted",
				zap.String("run_id", result.RunID),
				zap.Int("remaining", len(items)-i))
			break
		}
		if i > 0 && c.cfg.ItemDelay > 0 {
			select {
			case <-ctx.Done():
				continue
			case <-time.After(c.cfg.ItemDelay):
			}
		}

		if err := ratelimit.Wait(ctx, c.limiter, providerRateKey, c.logger); err != nil {
			log.Warn(ctx, "Rate limiter wait aborted", zap.Error(err))
			break
		}

		result.Processed++
		if c.processOne(ctx, id) {
			result.Succeeded++
		} else {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id.String())
		}

		if entry, ok := retryByID[id]; ok {
			if err := c.store.RetrySchedule().MarkCompleted(ctx, entry.ID); err != nil {
				log.Warn(ctx, "Failed to consume retry entry", zap.Error(err),
					zap.String("entry_id", entry.ID.String()))
			}
		}
	}

	result.Duration = c.now().Sub(start)
	metrics.RecordBatchRun(result.Succeeded, result.Failed, result.Duration)

	if err := c.auditor.LogBatchRun(ctx, result.RunID, result.Processed,
		result.Succeeded, result.Failed, result.FailedIDs, result.Duration); err != nil {
		log.Warn(ctx, "Failed to audit batch run", zap.Error(err))
	}

	log.Info(ctx, "Batch billing run finished",
		zap.String("run_id", result.RunID),
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Float64("success_rate", result.SuccessRate()),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// collect merges due subscriptions and due retries into one ordered,
// de-duplicated worklist. A subscription both due and retried is billed
// once; its retry entry is consumed either way.
func (c *Coordinator) collect(due []*domain.Subscription, retries []*domain.RetryScheduleEntry) ([]uuid.UUID, map[uuid.UUID]*domain.RetryScheduleEntry) {
	seen := make(map[uuid.UUID]bool, len(due)+len(retries))
	items := make([]uuid.UUID, 0, len(due)+len(retries))
	retryByID := make(map[uuid.UUID]*domain.RetryScheduleEntry, len(retries))

	for _, sub := range due {
		if !seen[sub.ID] {
			seen[sub.ID] = true
			items = append(items, sub.ID)
		}
	}
	for _, entry := range retries {
		retryByID[entry.SubscriptionID] = entry
		if !seen[entry.SubscriptionID] {
			seen[entry.SubscriptionID] = true
			items = append(items, entry.SubscriptionID)
		}
	}

	if c.cfg.MaxItems > 0 && len(items) > c.cfg.MaxItems {
		items = items[:c.cfg.MaxItems]
	}
	return items, retryByID
}

// processOne bills a single subscription, recovering from panics so a
// poisoned record cannot take the whole run down. Declines, pending
// captures and authentication gates are not batch failures; the batch
// failed only when the billing call itself errored or panicked.
func (c *Coordinator) processOne(ctx context.Context, id uuid.UUID) (succeeded bool) {
	defer func() {
		if r := recover(); r != nil {
			succeeded = false
			metrics.RecordError("panic", "batch")
			log.Error(ctx, "Recovered from panic while billing subscription",
				zap.Any("panic", r),
				zap.String("subscription_id", id.String()))
		}
	}()

	attempt, err := c.manager.ProcessRecurringPayment(ctx, subscription.PaymentRequest{
		SubscriptionID: id,
	})
	if err != nil {
		log.Error(ctx, "Failed to bill subscription", zap.Error(err),
			zap.String("subscription_id", id.String()))
		return false
	}

	log.Debug(ctx, "Subscription billed",
		zap.String("subscription_id", id.String()),
		zap.String("outcome", string(attempt.Outcome)))
	return true
}
