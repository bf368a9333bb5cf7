package domain

import (
	"time"

	"github.com/google/uuid"
)

// DunningStage is the highest overdue-notification threshold already
// crossed for a subscription. Tracking it keeps the sweep idempotent:
// a stage is notified once no matter how often the sweep runs.
type DunningStage int

const (
	DunningStageNone DunningStage = iota
	DunningStageReminder
	DunningStageFinalWarning
	DunningStageCanceled
)

// String returns the notification template name for the stage
func (s DunningStage) String() string {
	switch s {
	case DunningStageReminder:
		return "payment_reminder"
	case DunningStageFinalWarning:
		return "final_warning"
	case DunningStageCanceled:
		return "subscription_canceled"
	default:
		return "none"
	}
}

// RetryScheduleEntry is one scheduled automatic retry of a failed
// payment. Entries are consumed by the billing batch once due.
type RetryScheduleEntry struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	AttemptNumber  int       `json:"attempt_number"`
	Completed      bool      `json:"completed"`
	CreatedAt      time.Time `json:"created_at"`
}

// OutboxEvent is a domain event staged in the store alongside the state
// change that produced it, drained to the broker by the outbox worker.
type OutboxEvent struct {
	ID          uuid.UUID  `json:"id"`
	EventType   string     `json:"event_type"`
	Aggregate   string     `json:"aggregate"`
	AggregateID string     `json:"aggregate_id"`
	Payload     []byte     `json:"payload"`
	Published   bool       `json:"published"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
