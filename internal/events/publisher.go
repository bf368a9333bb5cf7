package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event published to the broker. Events originate in
// the transactional outbox, never directly from billing code paths.
type Event struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Aggregate   string                 `json:"aggregate"`
	AggregateID string                 `json:"aggregate_id"`
	Data        map[string]interface{} `json:"data"`
	Timestamp   int64                  `json:"timestamp"`
	Version     int                    `json:"version"`
}

// Event types emitted by the billing engine
const (
	TypeSubscriptionCreated  = "subscription.created"
	TypeSubscriptionUpdated  = "subscription.status_changed"
	TypeSubscriptionCanceled = "subscription.canceled"
	TypeTrialExpired         = "subscription.trial_expired"
	TypePaymentCaptured      = "payment.captured"
	TypePaymentDeclined      = "payment.declined"
	TypeRetryScheduled       = "dunning.retry_scheduled"
	TypeDunningNotice        = "dunning.notice_sent"
	TypeBatchCompleted       = "batch.completed"
)

// Publisher delivers events to the broker
type Publisher interface {
	// Publish publishes a single event
	Publish(ctx context.Context, event *Event) error

	// Close closes the publisher
	Close() error
}

// NewEvent creates a new event
func NewEvent(eventType, aggregate, aggregateID string, data map[string]interface{}) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		Data:        data,
		Timestamp:   time.Now().Unix(),
		Version:     1,
	}
}

// NoopPublisher discards events, used in development and tests
type NoopPublisher struct{}

// Publish implements Publisher
func (NoopPublisher) Publish(ctx context.Context, event *Event) error { return nil }

// Close implements Publisher
func (NoopPublisher) Close() error { return nil }
