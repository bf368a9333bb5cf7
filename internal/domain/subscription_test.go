package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    SubscriptionStatus
		to      SubscriptionStatus
		allowed bool
	}{
		{"incomplete to active", SubscriptionStatusIncomplete, SubscriptionStatusActive, true},
		{"incomplete to trialing", SubscriptionStatusIncomplete, SubscriptionStatusTrialing, true},
		{"trialing to active", SubscriptionStatusTrialing, SubscriptionStatusActive, true},
		{"trialing to expired", SubscriptionStatusTrialing, SubscriptionStatusExpired, true},
		{"trialing never directly past_due", SubscriptionStatusTrialing, SubscriptionStatusPastDue, false},
		{"active to past_due", SubscriptionStatusActive, SubscriptionStatusPastDue, true},
		{"active to unpaid skips past_due", SubscriptionStatusActive, SubscriptionStatusUnpaid, false},
		{"past_due recovers to active", SubscriptionStatusPastDue, SubscriptionStatusActive, true},
		{"past_due to unpaid", SubscriptionStatusPastDue, SubscriptionStatusUnpaid, true},
		{"unpaid recovers to active", SubscriptionStatusUnpaid, SubscriptionStatusActive, true},
		{"canceled is terminal", SubscriptionStatusCanceled, SubscriptionStatusActive, false},
		{"expired is terminal", SubscriptionStatusExpired, SubscriptionStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &Subscription{Status: tt.from}
			assert.Equal(t, tt.allowed, sub.CanTransitionTo(tt.to))
		})
	}
}

func TestBillingPeriod(t *testing.T) {
	due := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	sub := &Subscription{NextPaymentDate: &due}

	assert.Equal(t, "2026-03", sub.BillingPeriod(time.Now()))

	// Non-UTC due dates normalize to the UTC month.
	amsterdam := time.FixedZone("CEST", 2*60*60)
	localDue := time.Date(2026, 4, 1, 0, 30, 0, 0, amsterdam)
	sub.NextPaymentDate = &localDue
	assert.Equal(t, "2026-03", sub.BillingPeriod(time.Now()))

	// Without a scheduled date, the period falls back to now.
	sub.NextPaymentDate = nil
	now := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-07", sub.BillingPeriod(now))
}

func TestDaysOverdue(t *testing.T) {
	due := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &Subscription{NextPaymentDate: &due}

	assert.Equal(t, 0, sub.DaysOverdue(due.AddDate(0, 0, -1)))
	assert.Equal(t, 0, sub.DaysOverdue(due.Add(12*time.Hour)))
	assert.Equal(t, 7, sub.DaysOverdue(due.AddDate(0, 0, 7)))
	assert.Equal(t, 30, sub.DaysOverdue(due.AddDate(0, 0, 30).Add(time.Hour)))

	sub.NextPaymentDate = nil
	assert.Equal(t, 0, sub.DaysOverdue(time.Now()))
}

func TestTrialLengthDays(t *testing.T) {
	assert.Equal(t, 30, TierIndividual.TrialLengthDays())
	assert.Equal(t, 14, TierTeam.TrialLengthDays())
	assert.Equal(t, 14, TierOrganization.TrialLengthDays())
}

func TestDueAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, -1)

	sub := &Subscription{Status: SubscriptionStatusActive, NextPaymentDate: &due}
	assert.True(t, sub.DueAt(now))

	future := now.AddDate(0, 0, 1)
	sub.NextPaymentDate = &future
	assert.False(t, sub.DueAt(now))

	sub.Status = SubscriptionStatusCanceled
	sub.NextPaymentDate = &due
	assert.False(t, sub.DueAt(now), "terminal subscriptions are never due")
}

func TestNewIdempotencyKey(t *testing.T) {
	subID := uuid.MustParse("a8098c1a-f86e-11da-bd1a-00112444be1e")

	key1 := NewIdempotencyKey(subID, "2026-03", 1)
	key2 := NewIdempotencyKey(subID, "2026-03", 1)
	assert.Equal(t, key1, key2, "the same logical attempt always derives the same key")

	assert.NotEqual(t, key1, NewIdempotencyKey(subID, "2026-03", 2))
	assert.NotEqual(t, key1, NewIdempotencyKey(subID, "2026-04", 1))
	assert.NotEqual(t, key1, NewIdempotencyKey(uuid.New(), "2026-03", 1))

	_, err := uuid.Parse(key1)
	require.NoError(t, err)
}

func TestChallengeOffersAndExpiry(t *testing.T) {
	now := time.Now()
	challenge := &AuthenticationChallenge{
		OfferedFactors: []FactorMethod{FactorSMS, FactorTOTP},
		MaxAttempts:    3,
		ExpiresAt:      now.Add(5 * time.Minute),
	}

	assert.True(t, challenge.Offers(FactorSMS))
	assert.False(t, challenge.Offers(FactorBiometric))

	assert.False(t, challenge.ExpiredAt(now))
	assert.True(t, challenge.ExpiredAt(now.Add(5*time.Minute+time.Second)))

	challenge.AttemptsUsed = 2
	assert.False(t, challenge.AttemptsExhausted())
	challenge.AttemptsUsed = 3
	assert.True(t, challenge.AttemptsExhausted())
}

func TestDomainErrorMatching(t *testing.T) {
	err := NewAlreadySubscribedError("user-1", uuid.NewString())
	assert.True(t, IsDomainError(err))
	assert.True(t, HasCode(err, ErrCodeAlreadySubscribed))
	assert.False(t, HasCode(err, ErrCodeNotFound))

	expired := NewChallengeExpiredError(uuid.NewString())
	assert.True(t, HasCode(expired, ErrCodeChallengeExpired))
}
