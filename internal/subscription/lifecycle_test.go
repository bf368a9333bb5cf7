package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/authgate"
	"github.com/schildwacht/billingservice/internal/billing"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/dunning"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/notify"
	"github.com/schildwacht/billingservice/internal/repo"
)

// scriptedProvider pops one scripted result per capture call
type scriptedProvider struct {
	results []*billing.CaptureResult
	errs    []error
	calls   []billing.CaptureRequest
}

func (p *scriptedProvider) Capture(ctx context.Context, req billing.CaptureRequest) (*billing.CaptureResult, error) {
	p.calls = append(p.calls, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(p.results) > 0 {
		result := p.results[0]
		p.results = p.results[1:]
		return result, nil
	}
	now := time.Now()
	return &billing.CaptureResult{
		Outcome:     billing.CaptureOutcomeCaptured,
		ProviderRef: "test_" + req.IdempotencyKey,
		CapturedAt:  now,
	}, nil
}

func (p *scriptedProvider) Close() error { return nil }

// alwaysValidVerifier accepts every factor response
type alwaysValidVerifier struct{}

func (alwaysValidVerifier) Verify(ctx context.Context, challengeID uuid.UUID, response domain.FactorResponse) (bool, error) {
	return true, nil
}

type fixture struct {
	store    *repo.MemoryStore
	provider *scriptedProvider
	gate     *authgate.Gate
	manager  *Manager
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repo.NewMemoryStore()
	provider := &scriptedProvider{}
	auditor := audit.NewManager(audit.NewZapSink(zap.NewNop()))
	notifier := notify.NewLogNotifier(zap.NewNop())

	f := &fixture{
		store:    store,
		provider: provider,
		clock:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}

	f.gate = authgate.NewGate(
		authgate.DefaultConfig(),
		authgate.NewMemoryExposureTracker(),
		authgate.NewTokenIssuer("test-secret", 30*time.Minute),
		authgate.StaticRiskSource(0),
		authgate.StaticFactorDirectory{domain.FactorSMS, domain.FactorTOTP},
		alwaysValidVerifier{},
		store.Challenges(),
		auditor,
	)

	scheduler := dunning.NewScheduler(store, notifier, auditor, dunning.DefaultConfig(),
		dunning.WithClock(func() time.Time { return f.clock }))

	f.manager = NewManager(store, provider, f.gate, scheduler, notifier, auditor, NoopLocker{}, DefaultConfig())
	f.manager.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) seedSubscription(t *testing.T, mutate func(*domain.Subscription)) *domain.Subscription {
	t.Helper()
	due := f.clock
	sub := &domain.Subscription{
		ID:                uuid.New(),
		UserID:            uuid.NewString(),
		Tier:              domain.TierIndividual,
		Currency:          "EUR",
		Status:            domain.SubscriptionStatusActive,
		StartDate:         f.clock.AddDate(0, -1, 0),
		NextPaymentDate:   &due,
		PaymentMethodRef:  "pm_card_123",
		MonthlyPriceCents: 999,
		CreatedAt:         f.clock.AddDate(0, -1, 0),
		UpdatedAt:         f.clock.AddDate(0, -1, 0),
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.store.Subscriptions().Create(context.Background(), sub))
	return sub
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *domain.Subscription {
	t.Helper()
	sub, err := f.store.Subscriptions().GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) pendingEventTypes(t *testing.T) []string {
	t.Helper()
	pending, err := f.store.Outbox().GetPending(context.Background(), 0)
	require.NoError(t, err)
	types := make([]string, 0, len(pending))
	for _, event := range pending {
		types = append(types, event.EventType)
	}
	return types
}

func TestCreateSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("individual trial runs thirty days", func(t *testing.T) {
		sub, err := f.manager.CreateSubscription(ctx, "user-trial-ind", domain.TierIndividual, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusTrialing, sub.Status)
		require.NotNil(t, sub.TrialEndDate)
		assert.Equal(t, f.clock.AddDate(0, 0, 30), *sub.TrialEndDate)
		require.NotNil(t, sub.NextPaymentDate)
		assert.Equal(t, *sub.TrialEndDate, *sub.NextPaymentDate)
		assert.Equal(t, int64(999), sub.MonthlyPriceCents)
	})

	t.Run("organization trial runs fourteen days", func(t *testing.T) {
		sub, err := f.manager.CreateSubscription(ctx, "user-trial-org", domain.TierOrganization, true)
		require.NoError(t, err)
		require.NotNil(t, sub.TrialEndDate)
		assert.Equal(t, f.clock.AddDate(0, 0, 14), *sub.TrialEndDate)
		assert.Equal(t, int64(14999), sub.MonthlyPriceCents)
	})

	t.Run("without trial starts incomplete and immediately due", func(t *testing.T) {
		sub, err := f.manager.CreateSubscription(ctx, "user-paid", domain.TierTeam, false)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusIncomplete, sub.Status)
		require.NotNil(t, sub.NextPaymentDate)
		assert.Equal(t, f.clock, *sub.NextPaymentDate)
		assert.Nil(t, sub.TrialEndDate)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		_, err := f.manager.CreateSubscription(ctx, "", domain.TierIndividual, false)
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidInput))

		_, err = f.manager.CreateSubscription(ctx, "user-x", domain.Tier("platinum"), false)
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidInput))
	})
}

func TestCreateSubscriptionOnePerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.manager.CreateSubscription(ctx, "user-1", domain.TierIndividual, false)
	require.NoError(t, err)

	_, err = f.manager.CreateSubscription(ctx, "user-1", domain.TierTeam, false)
	assert.True(t, domain.HasCode(err, domain.ErrCodeAlreadySubscribed))

	// A terminal subscription no longer blocks a new one.
	_, err = f.manager.CancelSubscription(ctx, first.ID, f.clock, true)
	require.NoError(t, err)

	_, err = f.manager.CreateSubscription(ctx, "user-1", domain.TierTeam, false)
	require.NoError(t, err)
}

func TestProcessPaymentCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.clock.AddDate(0, 0, -1)
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusIncomplete
		s.NextPaymentDate = &due
	})

	attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeCaptured, attempt.Outcome)
	assert.Equal(t, "2026-03", attempt.BillingPeriod)
	assert.Equal(t, 1, attempt.AttemptNumber)
	assert.Equal(t, int64(999), attempt.AmountCents)

	updated := f.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.Zero(t, updated.FailureCount)
	require.NotNil(t, updated.LastPaymentDate)
	assert.Equal(t, f.clock, *updated.LastPaymentDate)
	require.NotNil(t, updated.NextPaymentDate)
	assert.Equal(t, due.AddDate(0, 1, 0), *updated.NextPaymentDate,
		"the next charge advances from the date that was due, not from the capture time")

	require.Len(t, f.provider.calls, 1)
	assert.Equal(t, domain.NewIdempotencyKey(sub.ID, "2026-03", 1), f.provider.calls[0].IdempotencyKey)

	assert.Contains(t, f.pendingEventTypes(t), events.TypePaymentCaptured)
}

func TestProcessPaymentCaptureRecoversPastDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusPastDue
		s.FailureCount = 2
		s.LastFailureReason = "card_declined"
		s.DunningStage = domain.DunningStageReminder
	})

	attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeCaptured, attempt.Outcome)

	updated := f.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.Zero(t, updated.FailureCount)
	assert.Empty(t, updated.LastFailureReason)
	assert.Equal(t, domain.DunningStageNone, updated.DunningStage)
	assert.False(t, updated.ManualReview)
}

func TestProcessPaymentPeriodIdempotence(t *testing.T) {
	t.Run("repeated calls after a capture return the settled attempt", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		due := f.clock.AddDate(0, 0, -1)
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.NextPaymentDate = &due
		})

		first, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		require.Equal(t, domain.AttemptOutcomeCaptured, first.Outcome)
		assert.Equal(t, "2026-03", first.BillingPeriod)

		// The capture moved the next payment date forward, so a repeat call
		// resolves against the period that was just paid, not the upcoming one.
		second, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID, "the settled period returns the prior attempt")
		assert.Equal(t, "2026-03", second.BillingPeriod)
		require.Len(t, f.provider.calls, 1, "the provider is charged once per period")

		updated := f.reload(t, sub.ID)
		require.NotNil(t, updated.NextPaymentDate)
		assert.Equal(t, due.AddDate(0, 1, 0), *updated.NextPaymentDate,
			"the repeat call must not advance the schedule again")

		attempts, err := f.store.Attempts().ListBySubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Len(t, attempts, 1)
	})

	t.Run("captured attempt recorded before the schedule advanced", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		sub := f.seedSubscription(t, nil)

		prior := &domain.PaymentAttempt{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			AmountCents:    sub.MonthlyPriceCents,
			Currency:       sub.Currency,
			BillingPeriod:  "2026-03",
			AttemptNumber:  1,
			Outcome:        domain.AttemptOutcomeCaptured,
			IdempotencyKey: domain.NewIdempotencyKey(sub.ID, "2026-03", 1),
			CreatedAt:      f.clock.Add(-time.Hour),
		}
		require.NoError(t, f.store.Attempts().Create(ctx, prior))

		attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.Equal(t, prior.ID, attempt.ID, "a captured period returns the prior attempt")
		assert.Empty(t, f.provider.calls)
	})
}

func TestProcessPaymentDecline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seedSubscription(t, nil)
	f.provider.results = []*billing.CaptureResult{
		{Outcome: billing.CaptureOutcomeDeclined, DeclineReason: "card_declined"},
	}

	attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeDeclined, attempt.Outcome)
	assert.Equal(t, "card_declined", attempt.FailureReason)

	updated := f.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusPastDue, updated.Status)
	assert.Equal(t, 1, updated.FailureCount)
	assert.Equal(t, "card_declined", updated.LastFailureReason)
	assert.False(t, updated.ManualReview)

	// The first decline schedules the automatic retry one day out.
	open, err := f.store.RetrySchedule().GetOpenBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, f.clock.AddDate(0, 0, 1), open[0].ScheduledAt)
	assert.Equal(t, 2, open[0].AttemptNumber)

	assert.Contains(t, f.pendingEventTypes(t), events.TypePaymentDeclined)
	assert.Contains(t, f.pendingEventTypes(t), events.TypeRetryScheduled)
}

func TestProcessPaymentThirdDeclineGoesUnpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusPastDue
		s.FailureCount = 2
	})
	f.provider.results = []*billing.CaptureResult{
		{Outcome: billing.CaptureOutcomeDeclined, DeclineReason: "insufficient_funds"},
	}

	attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeDeclined, attempt.Outcome)

	updated := f.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusUnpaid, updated.Status)
	assert.Equal(t, 3, updated.FailureCount)
	assert.True(t, updated.ManualReview, "the third failure flags manual review")
}

func TestProcessPaymentPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("pending outcome leaves the subscription untouched", func(t *testing.T) {
		sub := f.seedSubscription(t, nil)
		f.provider.results = []*billing.CaptureResult{
			{Outcome: billing.CaptureOutcomePending},
		}

		attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptOutcomePending, attempt.Outcome)

		updated := f.reload(t, sub.ID)
		assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
		assert.Zero(t, updated.FailureCount)
		assert.Equal(t, sub.NextPaymentDate.Unix(), updated.NextPaymentDate.Unix())
	})

	t.Run("provider errors degrade to pending, never declined", func(t *testing.T) {
		sub := f.seedSubscription(t, nil)
		f.provider.errs = []error{errors.New("connection reset")}

		attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptOutcomePending, attempt.Outcome)

		updated := f.reload(t, sub.ID)
		assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
		assert.Zero(t, updated.FailureCount)
	})

	t.Run("next billing run retries with a fresh attempt number", func(t *testing.T) {
		sub := f.seedSubscription(t, nil)
		f.provider.results = []*billing.CaptureResult{
			{Outcome: billing.CaptureOutcomePending},
		}

		first, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, first.AttemptNumber)

		second, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptOutcomeCaptured, second.Outcome)
		assert.Equal(t, 2, second.AttemptNumber)
		assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)
	})
}

func TestProcessPaymentRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.seedSubscription(t, func(s *domain.Subscription) {
		s.MonthlyPriceCents = 3001
	})

	attempt, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeAuthRequired, attempt.Outcome)
	assert.Equal(t, authgate.RuleAmountThreshold, attempt.FailureReason)
	require.NotNil(t, attempt.ChallengeID)
	assert.Empty(t, f.provider.calls, "a gated attempt never reaches the provider")

	// The gated attempt is not a failure.
	updated := f.reload(t, sub.ID)
	assert.Equal(t, domain.SubscriptionStatusActive, updated.Status)
	assert.Zero(t, updated.FailureCount)

	// Completing the challenge yields a token that lets the charge through.
	result, err := f.gate.ValidateResponse(ctx, *attempt.ChallengeID, []domain.FactorResponse{
		{Method: domain.FactorSMS, Code: "123456"},
		{Method: domain.FactorTOTP, Code: "654321"},
	})
	require.NoError(t, err)
	require.True(t, result.Completed)

	charged, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{
		SubscriptionID: sub.ID,
		AuthToken:      result.Token,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptOutcomeCaptured, charged.Outcome)
	assert.Equal(t, 2, charged.AttemptNumber)
	require.Len(t, f.provider.calls, 1)
}

func TestProcessPaymentFatalRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("terminal subscription", func(t *testing.T) {
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusCanceled
		})
		_, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState))
	})

	t.Run("trialing subscription", func(t *testing.T) {
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusTrialing
		})
		_, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState))
	})

	t.Run("missing payment method", func(t *testing.T) {
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.PaymentMethodRef = ""
		})
		_, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: sub.ID})
		assert.True(t, domain.HasCode(err, domain.ErrCodeNoPaymentMethod))

		// Fatal rejects record nothing.
		attempts, listErr := f.store.Attempts().ListBySubscription(ctx, sub.ID)
		require.NoError(t, listErr)
		assert.Empty(t, attempts)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		_, err := f.manager.ProcessRecurringPayment(ctx, PaymentRequest{SubscriptionID: uuid.New()})
		assert.True(t, domain.HasCode(err, domain.ErrCodeNotFound))
	})
}

func TestCancelSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("immediate", func(t *testing.T) {
		sub := f.seedSubscription(t, nil)
		canceled, err := f.manager.CancelSubscription(ctx, sub.ID, time.Time{}, true)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusCanceled, canceled.Status)
		assert.Equal(t, domain.CancelReasonUserRequest, canceled.CancellationReason)
		require.NotNil(t, canceled.CancelEffectiveAt)
		assert.Equal(t, f.clock, *canceled.CancelEffectiveAt)
		assert.Nil(t, canceled.NextPaymentDate)
	})

	t.Run("end of period", func(t *testing.T) {
		sub := f.seedSubscription(t, nil)
		effective := f.clock.AddDate(0, 0, 20)
		canceled, err := f.manager.CancelSubscription(ctx, sub.ID, effective, false)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusCanceled, canceled.Status)
		require.NotNil(t, canceled.CancelEffectiveAt)
		assert.Equal(t, effective, *canceled.CancelEffectiveAt)
	})

	t.Run("canceled twice", func(t *testing.T) {
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusCanceled
		})
		_, err := f.manager.CancelSubscription(ctx, sub.ID, f.clock, true)
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState))
	})
}

func TestConvertTrialToPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("future trial end defers the first charge", func(t *testing.T) {
		trialEnd := f.clock.AddDate(0, 0, 10)
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusTrialing
			s.PaymentMethodRef = ""
			s.TrialEndDate = &trialEnd
			s.NextPaymentDate = &trialEnd
		})

		converted, err := f.manager.ConvertTrialToPaid(ctx, sub.ID, "pm_card_new")
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusActive, converted.Status)
		assert.Equal(t, "pm_card_new", converted.PaymentMethodRef)
		require.NotNil(t, converted.NextPaymentDate)
		assert.Equal(t, trialEnd, *converted.NextPaymentDate)
	})

	t.Run("lapsed trial end charges immediately", func(t *testing.T) {
		trialEnd := f.clock.AddDate(0, 0, -2)
		sub := f.seedSubscription(t, func(s *domain.Subscription) {
			s.Status = domain.SubscriptionStatusTrialing
			s.PaymentMethodRef = ""
			s.TrialEndDate = &trialEnd
		})

		converted, err := f.manager.ConvertTrialToPaid(ctx, sub.ID, "pm_card_new")
		require.NoError(t, err)
		require.NotNil(t, converted.NextPaymentDate)
		assert.Equal(t, f.clock, *converted.NextPaymentDate)
	})

	t.Run("only trials convert", func(t *testing.T) {
		sub := f.seedSubscription(t, nil)
		_, err := f.manager.ConvertTrialToPaid(ctx, sub.ID, "pm_card_new")
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState))
	})

	t.Run("payment method is mandatory", func(t *testing.T) {
		_, err := f.manager.ConvertTrialToPaid(ctx, uuid.New(), "")
		assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidInput))
	})
}

func TestExpireTrials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trialEnd := f.clock.AddDate(0, 0, -1)
	lapsed := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusTrialing
		s.PaymentMethodRef = ""
		s.TrialEndDate = &trialEnd
	})
	running := f.clock.AddDate(0, 0, 5)
	alive := f.seedSubscription(t, func(s *domain.Subscription) {
		s.Status = domain.SubscriptionStatusTrialing
		s.PaymentMethodRef = ""
		s.TrialEndDate = &running
	})

	expired, err := f.manager.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	updated := f.reload(t, lapsed.ID)
	assert.Equal(t, domain.SubscriptionStatusExpired, updated.Status)
	assert.Equal(t, domain.CancelReasonTrialNotConverted, updated.CancellationReason)
	assert.Nil(t, updated.NextPaymentDate)

	assert.Equal(t, domain.SubscriptionStatusTrialing, f.reload(t, alive.ID).Status)
	assert.Contains(t, f.pendingEventTypes(t), events.TypeTrialExpired)

	// Re-running the sweep finds nothing.
	expired, err = f.manager.ExpireTrials(ctx)
	require.NoError(t, err)
	assert.Zero(t, expired)
}
