package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event represents one append-only audit record. Every subscription
// state transition, every authentication decision (with its rule and
// reason) and every batch run lands here; the authentication trail is a
// regulatory requirement, not just operational logging.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	UserID     string                 `json:"user_id,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Result     string                 `json:"result"`
	Error      string                 `json:"error,omitempty"`
}

// Sink defines the append-only destination for audit events
type Sink interface {
	Log(ctx context.Context, event Event) error
}

// ZapSink writes audit events as structured log lines
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a new zap-based audit sink
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

// Log writes one audit event
func (s *ZapSink) Log(ctx context.Context, event Event) error {
	fields := []zap.Field{
		zap.String("audit_id", event.ID),
		zap.String("audit_type", event.Type),
		zap.String("audit_action", event.Action),
		zap.String("audit_resource", event.Resource),
		zap.String("audit_resource_id", event.ResourceID),
		zap.String("audit_result", event.Result),
		zap.Time("audit_timestamp", event.Timestamp),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("audit_user_id", event.UserID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("audit_error", event.Error))
	}
	if len(event.Details) > 0 {
		detailsJSON, _ := json.Marshal(event.Details)
		fields = append(fields, zap.String("audit_details", string(detailsJSON)))
	}

	if event.Result == "success" {
		s.logger.Info("Audit event", fields...)
	} else {
		s.logger.Error("Audit event", fields...)
	}
	return nil
}

// Manager builds and emits the engine's audit events
type Manager struct {
	sink Sink
}

// NewManager creates a new audit manager
func NewManager(sink Sink) *Manager {
	return &Manager{sink: sink}
}

// LogStatusTransition records a subscription state change
func (m *Manager) LogStatusTransition(ctx context.Context, userID, subscriptionID, from, to, reason string) error {
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "subscription",
		UserID:     userID,
		Action:     "status_transition",
		Resource:   "subscription",
		ResourceID: subscriptionID,
		Details: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
		Timestamp: time.Now(),
		Result:    "success",
	})
}

// LogAuthDecision records a strong-authentication decision with the
// matched rule and reason, whether authentication was required or the
// payment was exempted.
func (m *Manager) LogAuthDecision(ctx context.Context, userID, subscriptionID string, required bool, rule, reason string, riskScore int) error {
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "authentication",
		UserID:     userID,
		Action:     "sca_decision",
		Resource:   "subscription",
		ResourceID: subscriptionID,
		Details: map[string]interface{}{
			"required":   required,
			"rule":       rule,
			"reason":     reason,
			"risk_score": riskScore,
		},
		Timestamp: time.Now(),
		Result:    "success",
	})
}

// LogChallengeOutcome records the result of a challenge validation
func (m *Manager) LogChallengeOutcome(ctx context.Context, userID, challengeID, outcome string, validFactors, attemptsUsed int) error {
	result := "success"
	if outcome != "completed" {
		result = "failure"
	}
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "authentication",
		UserID:     userID,
		Action:     "challenge_validation",
		Resource:   "challenge",
		ResourceID: challengeID,
		Details: map[string]interface{}{
			"outcome":       outcome,
			"valid_factors": validFactors,
			"attempts_used": attemptsUsed,
		},
		Timestamp: time.Now(),
		Result:    result,
	})
}

// LogCaptureOutcome records a payment attempt's terminal outcome
func (m *Manager) LogCaptureOutcome(ctx context.Context, userID, attemptID, subscriptionID, outcome string, amountCents int64, currency string) error {
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "payment",
		UserID:     userID,
		Action:     "capture",
		Resource:   "payment_attempt",
		ResourceID: attemptID,
		Details: map[string]interface{}{
			"subscription_id": subscriptionID,
			"outcome":         outcome,
			"amount_cents":    amountCents,
			"currency":        currency,
		},
		Timestamp: time.Now(),
		Result:    "success",
	})
}

// LogDunningNotice records an emitted dunning notification
func (m *Manager) LogDunningNotice(ctx context.Context, userID, subscriptionID, stage string, daysOverdue, failureCount int) error {
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "dunning",
		UserID:     userID,
		Action:     "notice_sent",
		Resource:   "subscription",
		ResourceID: subscriptionID,
		Details: map[string]interface{}{
			"stage":         stage,
			"days_overdue":  daysOverdue,
			"failure_count": failureCount,
		},
		Timestamp: time.Now(),
		Result:    "success",
	})
}

// LogBatchRun records the aggregate result of a batch billing run
func (m *Manager) LogBatchRun(ctx context.Context, runID string, processed, succeeded, failed int, failedIDs []string, duration time.Duration) error {
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "batch",
		Action:     "billing_run",
		Resource:   "batch_run",
		ResourceID: runID,
		Details: map[string]interface{}{
			"processed":   processed,
			"succeeded":   succeeded,
			"failed":      failed,
			"failed_ids":  failedIDs,
			"duration_ms": duration.Milliseconds(),
		},
		Timestamp: time.Now(),
		Result:    "success",
	})
}

// LogComplianceError records a compliance-critical error with full
// context before it is surfaced to the caller
func (m *Manager) LogComplianceError(ctx context.Context, userID, resource, resourceID string, err error, details map[string]interface{}) error {
	return m.sink.Log(ctx, Event{
		ID:         newEventID(),
		Type:       "compliance",
		UserID:     userID,
		Action:     "error",
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		Timestamp:  time.Now(),
		Result:     "error",
		Error:      err.Error(),
	})
}

func newEventID() string {
	return "audit_" + uuid.NewString()
}
