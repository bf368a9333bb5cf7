package domain

import (
	"time"

	"github.com/google/uuid"
)

// FactorMethod is one authentication factor a user can be challenged with
type FactorMethod string

const (
	FactorSMS       FactorMethod = "sms"
	FactorTOTP      FactorMethod = "time-based-code"
	FactorBiometric FactorMethod = "biometric"
)

// ChallengeStatus represents the state of an authentication challenge
type ChallengeStatus string

const (
	ChallengeStatusPending   ChallengeStatus = "pending"
	ChallengeStatusCompleted ChallengeStatus = "completed"
	ChallengeStatusExpired   ChallengeStatus = "expired"
)

// MinValidFactors is the regulatory minimum of independently validated
// factors before a challenge may complete.
const MinValidFactors = 2

// AuthenticationChallenge is a short-lived multi-factor challenge issued
// before a payment that the gate flagged as requiring strong
// authentication. Expiry is evaluated against the wall clock at
// validation time; an expired challenge never completes.
type AuthenticationChallenge struct {
	ID             uuid.UUID       `json:"id"`
	UserID         string          `json:"user_id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	AttemptID      *uuid.UUID      `json:"attempt_id,omitempty"`
	OfferedFactors []FactorMethod  `json:"offered_factors"`
	AttemptsUsed   int             `json:"attempts_used"`
	MaxAttempts    int             `json:"max_attempts"`
	Status         ChallengeStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ExpiredAt reports whether the challenge window has closed at the given instant
func (c *AuthenticationChallenge) ExpiredAt(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// AttemptsExhausted reports whether no validation attempts remain
func (c *AuthenticationChallenge) AttemptsExhausted() bool {
	return c.AttemptsUsed >= c.MaxAttempts
}

// Offers reports whether the challenge offered the given factor method
func (c *AuthenticationChallenge) Offers(method FactorMethod) bool {
	for _, m := range c.OfferedFactors {
		if m == method {
			return true
		}
	}
	return false
}

// FactorResponse is one provided factor with its proof material
type FactorResponse struct {
	Method FactorMethod `json:"method"`
	Code   string       `json:"code"`
}

// ValidationResult is the outcome of validating a challenge response
type ValidationResult struct {
	ChallengeID  uuid.UUID `json:"challenge_id"`
	Completed    bool      `json:"completed"`
	ValidFactors int       `json:"valid_factors"`
	RetryAllowed bool      `json:"retry_allowed"`
	Token        string    `json:"token,omitempty"`
	TokenExpires time.Time `json:"token_expires,omitempty"`
}
