package authgate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/repo"
)

// stubVerifier accepts any response whose code is "valid"
type stubVerifier struct{}

func (stubVerifier) Verify(ctx context.Context, challengeID uuid.UUID, response domain.FactorResponse) (bool, error) {
	return response.Code == "valid", nil
}

func newTestGate(t *testing.T) (*Gate, *MemoryExposureTracker) {
	t.Helper()
	exposure := NewMemoryExposureTracker()
	gate := NewGate(
		DefaultConfig(),
		exposure,
		NewTokenIssuer("test-secret", 30*time.Minute),
		StaticRiskSource(0),
		StaticFactorDirectory{domain.FactorSMS, domain.FactorTOTP},
		stubVerifier{},
		repo.NewMemoryStore().Challenges(),
		audit.NewManager(audit.NewZapSink(zap.NewNop())),
	)
	return gate, exposure
}

func TestEvaluateAmountThreshold(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	// Exactly at the threshold does not require authentication.
	decision, err := gate.Evaluate(ctx, EvaluationInput{
		UserID:           "user-1",
		SubscriptionID:   uuid.New(),
		AmountCents:      3000,
		PaymentMethodRef: "pm_card_123",
	})
	require.NoError(t, err)
	assert.False(t, decision.Required)
	assert.Equal(t, RuleExempt, decision.Rule)
	assert.NotEmpty(t, decision.Reason)

	// One cent over requires it.
	decision, err = gate.Evaluate(ctx, EvaluationInput{
		UserID:           "user-1",
		SubscriptionID:   uuid.New(),
		AmountCents:      3001,
		PaymentMethodRef: "pm_card_123",
	})
	require.NoError(t, err)
	assert.True(t, decision.Required)
	assert.Equal(t, RuleAmountThreshold, decision.Rule)
}

func TestEvaluateCumulativeThreshold(t *testing.T) {
	gate, exposure := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, exposure.RecordCapture(ctx, "user-1", 15001))

	decision, err := gate.Evaluate(ctx, EvaluationInput{
		UserID:           "user-1",
		SubscriptionID:   uuid.New(),
		AmountCents:      999,
		PaymentMethodRef: "pm_card_123",
	})
	require.NoError(t, err)
	assert.True(t, decision.Required)
	assert.Equal(t, RuleCumulativeThreshold, decision.Rule)
}

func TestEvaluateAttemptCount(t *testing.T) {
	gate, exposure := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, exposure.RecordAttempt(ctx, "user-1"))
	}

	decision, err := gate.Evaluate(ctx, EvaluationInput{
		UserID:           "user-1",
		SubscriptionID:   uuid.New(),
		AmountCents:      999,
		PaymentMethodRef: "pm_card_123",
	})
	require.NoError(t, err)
	assert.True(t, decision.Required)
	assert.Equal(t, RuleAttemptCount, decision.Rule)
}

func TestEvaluateRiskScore(t *testing.T) {
	gate, _ := newTestGate(t)
	gate.risk = StaticRiskSource(10)
	ctx := context.Background()

	// 2500 (tier 20) + sepa (30) + user factor 10 = 60, over the 50 bar.
	decision, err := gate.Evaluate(ctx, EvaluationInput{
		UserID:           "user-1",
		SubscriptionID:   uuid.New(),
		AmountCents:      2500,
		PaymentMethodRef: "pm_sepa_456",
	})
	require.NoError(t, err)
	assert.True(t, decision.Required)
	assert.Equal(t, RuleRiskScore, decision.Rule)
	assert.Equal(t, 60, decision.RiskScore)
}

func TestEvaluateCountsAttempts(t *testing.T) {
	gate, exposure := newTestGate(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := gate.Evaluate(ctx, EvaluationInput{
			UserID:           "user-1",
			SubscriptionID:   uuid.New(),
			AmountCents:      999,
			PaymentMethodRef: "pm_card_123",
		})
		require.NoError(t, err)
	}

	_, attempts, err := exposure.Exposure(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), attempts)
}

func TestChallengeLifecycle(t *testing.T) {
	gate, exposure := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, exposure.RecordCapture(ctx, "user-1", 5000))

	subID := uuid.New()
	challenge, err := gate.CreateChallenge(ctx, CreateChallengeRequest{
		UserID:         "user-1",
		SubscriptionID: subID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ChallengeStatusPending, challenge.Status)
	assert.Len(t, challenge.OfferedFactors, 2)
	assert.Equal(t, 3, challenge.MaxAttempts)
	assert.Equal(t, 5*time.Minute, challenge.ExpiresAt.Sub(challenge.CreatedAt))

	// One valid factor is not enough.
	result, err := gate.ValidateResponse(ctx, challenge.ID, []domain.FactorResponse{
		{Method: domain.FactorSMS, Code: "valid"},
		{Method: domain.FactorTOTP, Code: "wrong"},
	})
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.ValidFactors)
	assert.True(t, result.RetryAllowed)
	assert.Empty(t, result.Token)

	// Two valid factors complete the challenge and mint a token.
	result, err = gate.ValidateResponse(ctx, challenge.ID, []domain.FactorResponse{
		{Method: domain.FactorSMS, Code: "valid"},
		{Method: domain.FactorTOTP, Code: "valid"},
	})
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, 2, result.ValidFactors)
	assert.NotEmpty(t, result.Token)
	assert.True(t, gate.HasValidToken(ctx, "user-1", subID, result.Token))
	assert.False(t, gate.HasValidToken(ctx, "someone-else", subID, result.Token))

	// The token only authorizes the subscription it was minted for.
	assert.False(t, gate.HasValidToken(ctx, "user-1", uuid.New(), result.Token))

	// Completed authentication resets the exposure counters.
	captured, attempts, err := exposure.Exposure(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, captured)
	assert.Zero(t, attempts)

	// A completed challenge cannot be validated again.
	_, err = gate.ValidateResponse(ctx, challenge.ID, nil)
	assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState))
}

func TestChallengeDuplicateFactorCountsOnce(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	challenge, err := gate.CreateChallenge(ctx, CreateChallengeRequest{
		UserID:         "user-1",
		SubscriptionID: uuid.New(),
	})
	require.NoError(t, err)

	result, err := gate.ValidateResponse(ctx, challenge.ID, []domain.FactorResponse{
		{Method: domain.FactorSMS, Code: "valid"},
		{Method: domain.FactorSMS, Code: "valid"},
	})
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.ValidFactors)
}

func TestChallengeExpiry(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	base := time.Now()
	gate.now = func() time.Time { return base }

	challenge, err := gate.CreateChallenge(ctx, CreateChallengeRequest{
		UserID:         "user-1",
		SubscriptionID: uuid.New(),
	})
	require.NoError(t, err)

	gate.now = func() time.Time { return base.Add(6 * time.Minute) }

	_, err = gate.ValidateResponse(ctx, challenge.ID, []domain.FactorResponse{
		{Method: domain.FactorSMS, Code: "valid"},
		{Method: domain.FactorTOTP, Code: "valid"},
	})
	assert.True(t, domain.HasCode(err, domain.ErrCodeChallengeExpired))

	// Expiry is terminal; later calls keep failing.
	_, err = gate.ValidateResponse(ctx, challenge.ID, nil)
	assert.True(t, domain.HasCode(err, domain.ErrCodeChallengeExpired))
}

func TestChallengeAttemptsExhausted(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()

	challenge, err := gate.CreateChallenge(ctx, CreateChallengeRequest{
		UserID:         "user-1",
		SubscriptionID: uuid.New(),
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := gate.ValidateResponse(ctx, challenge.ID, []domain.FactorResponse{
			{Method: domain.FactorSMS, Code: "wrong"},
		})
		require.NoError(t, err)
		assert.False(t, result.Completed)
		if i < 2 {
			assert.True(t, result.RetryAllowed)
		} else {
			assert.False(t, result.RetryAllowed)
		}
	}

	_, err = gate.ValidateResponse(ctx, challenge.ID, nil)
	assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState))
}

func TestTokenExpiry(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", 30*time.Minute)
	base := time.Now()
	issuer.now = func() time.Time { return base }

	token, expiresAt, err := issuer.Issue("user-1", uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(30*time.Minute), expiresAt, time.Second)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	issuer.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, err = issuer.Verify(token)
	assert.Error(t, err)

	_, err = issuer.Verify(token + "tampered")
	assert.Error(t, err)
}
