package billing

import (
	"context"
	"time"
)

// CaptureOutcome is the three-way result of a capture call. Transient
// provider failures surface as pending, never as declined.
type CaptureOutcome string

const (
	CaptureOutcomeCaptured CaptureOutcome = "captured"
	CaptureOutcomeDeclined CaptureOutcome = "declined"
	CaptureOutcomePending  CaptureOutcome = "pending"
)

// CaptureRequest describes one charge to execute against the provider
type CaptureRequest struct {
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	PaymentMethodRef string `json:"payment_method_ref"`
	// IdempotencyKey lets the provider recognize and collapse duplicate
	// retries of the same logical attempt.
	IdempotencyKey string `json:"idempotency_key"`
}

// CaptureResult is the provider's answer for a capture request
type CaptureResult struct {
	Outcome       CaptureOutcome `json:"outcome"`
	ProviderRef   string         `json:"provider_ref,omitempty"`
	DeclineReason string         `json:"decline_reason,omitempty"`
	CapturedAt    time.Time      `json:"captured_at,omitempty"`
}

// CaptureProvider is the payment execution boundary. Implementations
// must honor the request's idempotency key and must never translate a
// transport or timeout error into a decline.
type CaptureProvider interface {
	// Capture attempts to charge the given payment method. The call is
	// bounded by ctx; a timeout yields a pending result, not an error
	// that counts against the subscription.
	Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error)

	// Close releases provider resources
	Close() error
}
