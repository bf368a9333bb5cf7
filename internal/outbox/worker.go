package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/repo"
)

// Worker drains staged events from the outbox to the broker. Billing
// state changes enqueue events in the store in the same logical step as
// the mutation; the broker being down never blocks billing.
type Worker struct {
	outboxRepo repo.OutboxRepository
	publisher  events.Publisher
	logger     *zap.Logger
	interval   time.Duration
	batchSize  int
}

// Config holds worker configuration
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// DefaultConfig returns a default worker configuration
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		BatchSize: 50,
	}
}

// NewWorker creates a new outbox worker
func NewWorker(outboxRepo repo.OutboxRepository, publisher events.Publisher, logger *zap.Logger, config Config) *Worker {
	return &Worker{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		logger:     logger,
		interval:   config.Interval,
		batchSize:  config.BatchSize,
	}
}

// Start runs the drain loop until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting outbox worker",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if err := w.ProcessBatch(ctx); err != nil {
		w.logger.Error("Failed to process initial outbox batch", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Outbox worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessBatch(ctx); err != nil {
				w.logger.Error("Failed to process outbox batch", zap.Error(err))
			}
		}
	}
}

// ProcessBatch drains one batch of pending events with per-item
// isolation; a poisoned event does not block the ones behind it.
func (w *Worker) ProcessBatch(ctx context.Context) error {
	pending, err := w.outboxRepo.GetPending(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	w.logger.Debug("Processing outbox batch", zap.Int("count", len(pending)))

	for _, event := range pending {
		if err := w.publishEvent(ctx, event); err != nil {
			w.logger.Error("Failed to publish outbox event",
				zap.Error(err),
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", event.EventType))
			metrics.RecordOutboxPublished("error")
			continue
		}

		if err := w.outboxRepo.MarkPublished(ctx, event.ID); err != nil {
			// The event will be re-delivered next cycle; consumers must
			// de-duplicate on event id.
			w.logger.Error("Failed to mark event as published",
				zap.Error(err),
				zap.String("event_id", event.ID.String()))
			continue
		}
		metrics.RecordOutboxPublished("success")
	}

	return nil
}

func (w *Worker) publishEvent(ctx context.Context, event *domain.OutboxEvent) error {
	var data map[string]interface{}
	if err := json.Unmarshal(event.Payload, &data); err != nil {
		return fmt.Errorf("failed to unmarshal event payload: %w", err)
	}

	return w.publisher.Publish(ctx, &events.Event{
		ID:          event.ID.String(),
		Type:        event.EventType,
		Aggregate:   event.Aggregate,
		AggregateID: event.AggregateID,
		Data:        data,
		Timestamp:   event.CreatedAt.Unix(),
		Version:     1,
	})
}

// Stop drains any remaining events before shutdown
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info("Stopping outbox worker")
	if err := w.ProcessBatch(ctx); err != nil {
		w.logger.Error("Failed to process final outbox batch", zap.Error(err))
	}
	return nil
}
