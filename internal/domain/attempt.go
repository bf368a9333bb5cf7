package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome represents the result of a payment attempt
type AttemptOutcome string

const (
	AttemptOutcomePending      AttemptOutcome = "pending"
	AttemptOutcomeCaptured     AttemptOutcome = "captured"
	AttemptOutcomeDeclined     AttemptOutcome = "declined"
	AttemptOutcomeAuthRequired AttemptOutcome = "authentication_required"
)

// PaymentAttempt is one entry in the append-only capture ledger. A retry
// is always a new attempt; a recorded attempt is never updated in place.
type PaymentAttempt struct {
	ID             uuid.UUID      `json:"id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	AmountCents    int64          `json:"amount_cents"`
	Currency       string         `json:"currency"`
	BillingPeriod  string         `json:"billing_period"`
	AttemptNumber  int            `json:"attempt_number"`
	Outcome        AttemptOutcome `json:"outcome"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	ChallengeID    *uuid.UUID     `json:"challenge_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsTerminal reports whether the attempt outcome is final
func (a *PaymentAttempt) IsTerminal() bool {
	return a.Outcome == AttemptOutcomeCaptured || a.Outcome == AttemptOutcomeDeclined
}

// NewIdempotencyKey derives the deterministic idempotency key for a
// capture call from the subscription, the billing period being charged
// and the attempt number within that period. Retrying the same logical
// attempt always yields the same key, so a duplicated network call
// cannot double-capture at the provider.
func NewIdempotencyKey(subscriptionID uuid.UUID, billingPeriod string, attemptNumber int) string {
	seed := fmt.Sprintf("%s-%s-%d", subscriptionID.String(), billingPeriod, attemptNumber)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}
