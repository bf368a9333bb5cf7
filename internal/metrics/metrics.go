package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	CaptureAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_capture_attempts_total",
			Help: "Total number of capture attempts by outcome",
		},
		[]string{"outcome", "currency"},
	)

	CaptureAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_capture_amount_cents",
			Help:    "Capture amount distribution in cents",
			Buckets: []float64{500, 1000, 2500, 5000, 10000, 25000, 50000},
		},
		[]string{"currency"},
	)

	CaptureDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_capture_duration_seconds",
			Help:    "Capture provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Authentication gate metrics
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_auth_decisions_total",
			Help: "Total strong-authentication decisions by rule and requirement",
		},
		[]string{"rule", "required"},
	)

	ChallengeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_challenge_outcomes_total",
			Help: "Total challenge validation outcomes",
		},
		[]string{"outcome"},
	)

	// Subscription lifecycle metrics
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_status_transitions_total",
			Help: "Total subscription status transitions",
		},
		[]string{"from", "to"},
	)

	// Dunning metrics
	DunningNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_dunning_notifications_total",
			Help: "Total dunning notifications by stage",
		},
		[]string{"stage"},
	)

	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_retries_scheduled_total",
			Help: "Total automatic payment retries scheduled",
		},
		[]string{"attempt_number"},
	)

	// Batch metrics
	BatchRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_batch_runs_total",
			Help: "Total batch billing runs",
		},
	)

	BatchItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_batch_items_total",
			Help: "Total batch items by result",
		},
		[]string{"result"},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_batch_duration_seconds",
			Help:    "Batch billing run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Outbox metrics
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_outbox_published_total",
			Help: "Total outbox events drained to the broker",
		},
		[]string{"status"},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_errors_total",
			Help: "Total number of errors by component",
		},
		[]string{"type", "component"},
	)
)

// RecordCapture records a capture attempt
func RecordCapture(outcome, currency string, amountCents int64, duration time.Duration) {
	CaptureAttempts.WithLabelValues(outcome, currency).Inc()
	CaptureAmount.WithLabelValues(currency).Observe(float64(amountCents))
	CaptureDuration.Observe(duration.Seconds())
}

// RecordAuthDecision records a strong-authentication decision
func RecordAuthDecision(rule string, required bool) {
	requiredStr := "false"
	if required {
		requiredStr = "true"
	}
	AuthDecisions.WithLabelValues(rule, requiredStr).Inc()
}

// RecordChallengeOutcome records a challenge validation outcome
func RecordChallengeOutcome(outcome string) {
	ChallengeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStatusTransition records a subscription state change
func RecordStatusTransition(from, to string) {
	StatusTransitions.WithLabelValues(from, to).Inc()
}

// RecordDunningNotification records a dunning notice by stage
func RecordDunningNotification(stage string) {
	DunningNotifications.WithLabelValues(stage).Inc()
}

// RecordRetryScheduled records a scheduled automatic retry
func RecordRetryScheduled(attemptNumber string) {
	RetriesScheduled.WithLabelValues(attemptNumber).Inc()
}

// RecordBatchRun records one batch billing run
func RecordBatchRun(succeeded, failed int, duration time.Duration) {
	BatchRuns.Inc()
	BatchItems.WithLabelValues("succeeded").Add(float64(succeeded))
	BatchItems.WithLabelValues("failed").Add(float64(failed))
	BatchDuration.Observe(duration.Seconds())
}

// RecordOutboxPublished records an outbox drain result
func RecordOutboxPublished(status string) {
	OutboxPublished.WithLabelValues(status).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	ErrorsTotal.WithLabelValues(errorType, component).Inc()
}
