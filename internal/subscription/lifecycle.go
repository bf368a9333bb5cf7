package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/authgate"
	"github.com/schildwacht/billingservice/internal/billing"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/notify"
	"github.com/schildwacht/billingservice/internal/repo"
	"github.com/schildwacht/billingservice/internal/tracing"
)

// DeclineHandler is invoked after a declined capture has been recorded.
// It owns retry scheduling; the lifecycle manager owns the state change.
type DeclineHandler interface {
	HandleDecline(ctx context.Context, sub *domain.Subscription) error
}

// Config holds the lifecycle manager's billing parameters
type Config struct {
	Currency             string
	TierPrices           map[string]int
	IndividualTrialDays  int
	OrgTrialDays         int
	CaptureTimeout       time.Duration
	BillingPeriodMonths  int
	ManualReviewFailures int
	LockTTL              time.Duration
}

// DefaultConfig returns the production billing defaults
func DefaultConfig() Config {
	return Config{
		Currency: "EUR",
		TierPrices: map[string]int{
			string(domain.TierIndividual):   999,
			string(domain.TierTeam):         4999,
			string(domain.TierOrganization): 14999,
		},
		IndividualTrialDays:  30,
		OrgTrialDays:         14,
		CaptureTimeout:       30 * time.Second,
		BillingPeriodMonths:  1,
		ManualReviewFailures: 3,
		LockTTL:              30 * time.Second,
	}
}

// Manager drives the subscription lifecycle: creation, the recurring
// payment state machine, cancellation, trial conversion and expiry.
// All mutations of one subscription are serialized through a
// per-subscription lock.
type Manager struct {
	store    repo.Store
	provider billing.CaptureProvider
	gate     *authgate.Gate
	declines DeclineHandler
	notifier notify.Notifier
	auditor  *audit.Manager
	dlock    DistributedLocker
	cfg      Config
	locks    *keyedMutex
	now      func() time.Time
}

// NewManager creates a new subscription lifecycle manager
func NewManager(
	store repo.Store,
	provider billing.CaptureProvider,
	gate *authgate.Gate,
	declines DeclineHandler,
	notifier notify.Notifier,
	auditor *audit.Manager,
	dlock DistributedLocker,
	cfg Config,
) *Manager {
	if dlock == nil {
		dlock = NoopLocker{}
	}
	if cfg.BillingPeriodMonths <= 0 {
		cfg.BillingPeriodMonths = 1
	}
	if cfg.ManualReviewFailures <= 0 {
		cfg.ManualReviewFailures = 3
	}
	return &Manager{
		store:    store,
		provider: provider,
		gate:     gate,
		declines: declines,
		notifier: notifier,
		auditor:  auditor,
		dlock:    dlock,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// CreateSubscription opens a subscription for the user. A user holds at
// most one non-terminal subscription at a time. With a trial the
// subscription starts trialing for the tier-specific length; without
// one it starts incomplete, pending its first successful payment.
func (m *Manager) CreateSubscription(ctx context.Context, userID string, tier domain.Tier, startTrial bool) (*domain.Subscription, error) {
	if userID == "" {
		return nil, domain.NewInvalidInputError("user id is required", "")
	}
	if !tier.IsValid() {
		return nil, domain.NewInvalidInputError("unknown subscription tier", string(tier))
	}

	existing, err := m.store.Subscriptions().GetOpenByUserID(ctx, userID)
	if err != nil && err != repo.ErrNotFound {
		return nil, fmt.Errorf("failed to check existing subscription: %w", err)
	}
	if existing != nil {
		return nil, domain.NewAlreadySubscribedError(userID, existing.ID.String())
	}

	price, ok := m.cfg.TierPrices[string(tier)]
	if !ok {
		return nil, domain.NewInvalidInputError("no price configured for tier", string(tier))
	}

	now := m.now()
	sub := &domain.Subscription{
		ID:                uuid.New(),
		UserID:            userID,
		Tier:              tier,
		Currency:          m.cfg.Currency,
		StartDate:         now,
		MonthlyPriceCents: int64(price),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if startTrial {
		trialEnd := now.AddDate(0, 0, m.trialDays(tier))
		sub.Status = domain.SubscriptionStatusTrialing
		sub.TrialEndDate = &trialEnd
		// First charge lands when the trial converts.
		sub.NextPaymentDate = &trialEnd
	} else {
		firstPayment := now
		sub.Status = domain.SubscriptionStatusIncomplete
		sub.NextPaymentDate = &firstPayment
	}

	if err := m.store.Subscriptions().Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	m.enqueueEvent(ctx, events.TypeSubscriptionCreated, sub.ID, map[string]interface{}{
		"user_id": userID,
		"tier":    string(tier),
		"status":  string(sub.Status),
		"trial":   startTrial,
	})
	m.auditTransition(ctx, sub, "none", string(sub.Status), "subscription_created")

	log.Info(ctx, "Subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.String("status", string(sub.Status)))

	return sub, nil
}

func (m *Manager) trialDays(tier domain.Tier) int {
	if tier == domain.TierIndividual {
		if m.cfg.IndividualTrialDays > 0 {
			return m.cfg.IndividualTrialDays
		}
		return 30
	}
	if m.cfg.OrgTrialDays > 0 {
		return m.cfg.OrgTrialDays
	}
	return 14
}

// PaymentRequest identifies the subscription being billed, plus the
// authentication token when the caller completed a challenge.
type PaymentRequest struct {
	SubscriptionID uuid.UUID
	AuthToken      string
}

// ProcessRecurringPayment runs one billing cycle for a subscription and
// returns the recorded attempt. The operation is idempotent per billing
// period: once a period's charge is captured, further calls return the
// prior attempt without touching the provider.
//
// The attempt's outcome carries the control flow: captured, declined,
// pending (transient, no state change) or authentication_required (the
// returned attempt references the opened challenge).
func (m *Manager) ProcessRecurringPayment(ctx context.Context, req PaymentRequest) (*domain.PaymentAttempt, error) {
	m.locks.Lock(req.SubscriptionID)
	defer m.locks.Unlock(req.SubscriptionID)

	ok, err := m.dlock.Acquire(ctx, req.SubscriptionID, m.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire billing lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("subscription %s is being billed by another process", req.SubscriptionID)
	}
	defer func() {
		if err := m.dlock.Release(ctx, req.SubscriptionID); err != nil {
			log.Warn(ctx, "Failed to release billing lock", zap.Error(err))
		}
	}()

	sub, err := m.getSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	// Fatal, non-retryable rejects. Nothing is mutated and no attempt is
	// recorded.
	if sub.IsTerminal() {
		return nil, domain.NewInvalidStateError(
			"cannot bill a terminal subscription",
			fmt.Sprintf("subscription: %s, status: %s", sub.ID, sub.Status))
	}
	if sub.IsTrialing() {
		return nil, domain.NewInvalidStateError(
			"trialing subscription is not billable until converted",
			sub.ID.String())
	}
	if !sub.HasPaymentMethod() {
		return nil, domain.NewNoPaymentMethodError(sub.ID.String())
	}

	now := m.now()

	// A capture advances the next payment date, so BillingPeriod would
	// resolve to the upcoming period on a repeat call. An active
	// subscription whose next charge is still in the future is settled:
	// return the attempt that paid for the period just charged instead of
	// billing a period early.
	if sub.Status == domain.SubscriptionStatusActive && sub.LastPaymentDate != nil &&
		sub.NextPaymentDate != nil && sub.NextPaymentDate.After(now) {
		settled := domain.PeriodOf(sub.NextPaymentDate.AddDate(0, -m.cfg.BillingPeriodMonths, 0))
		prior, err := m.store.Attempts().LatestForPeriod(ctx, sub.ID, settled)
		if err != nil && err != repo.ErrNotFound {
			return nil, fmt.Errorf("failed to look up attempts for period %s: %w", settled, err)
		}
		if prior != nil && prior.Outcome == domain.AttemptOutcomeCaptured {
			log.Info(ctx, "Billing period already settled, returning prior attempt",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("billing_period", settled),
				zap.String("attempt_id", prior.ID.String()))
			return prior, nil
		}
	}

	period := sub.BillingPeriod(now)

	latest, err := m.store.Attempts().LatestForPeriod(ctx, sub.ID, period)
	if err != nil && err != repo.ErrNotFound {
		return nil, fmt.Errorf("failed to look up attempts for period %s: %w", period, err)
	}
	if latest != nil && latest.Outcome == domain.AttemptOutcomeCaptured &&
		sub.Status == domain.SubscriptionStatusActive {
		log.Info(ctx, "Billing period already captured, returning prior attempt",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("billing_period", period),
			zap.String("attempt_id", latest.ID.String()))
		return latest, nil
	}

	priorAttempts, err := m.store.Attempts().CountForPeriod(ctx, sub.ID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts for period %s: %w", period, err)
	}
	attemptNumber := priorAttempts + 1

	decision, err := m.gate.Evaluate(ctx, authgate.EvaluationInput{
		UserID:           sub.UserID,
		SubscriptionID:   sub.ID,
		AmountCents:      sub.MonthlyPriceCents,
		PaymentMethodRef: sub.PaymentMethodRef,
		Token:            req.AuthToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate authentication gate: %w", err)
	}

	if decision.Required && !m.gate.HasValidToken(ctx, sub.UserID, sub.ID, req.AuthToken) {
		return m.requireAuthentication(ctx, sub, period, attemptNumber, decision)
	}

	result := m.capture(ctx, sub, period, attemptNumber)

	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AmountCents:    sub.MonthlyPriceCents,
		Currency:       sub.Currency,
		BillingPeriod:  period,
		AttemptNumber:  attemptNumber,
		Outcome:        outcomeFor(result.Outcome),
		FailureReason:  result.DeclineReason,
		IdempotencyKey: domain.NewIdempotencyKey(sub.ID, period, attemptNumber),
		CreatedAt:      now,
	}
	if err := m.store.Attempts().Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record payment attempt: %w", err)
	}

	if err := m.auditor.LogCaptureOutcome(ctx, sub.UserID, attempt.ID.String(), sub.ID.String(),
		string(attempt.Outcome), attempt.AmountCents, attempt.Currency); err != nil {
		log.Warn(ctx, "Failed to audit capture outcome", zap.Error(err))
	}

	switch attempt.Outcome {
	case domain.AttemptOutcomeCaptured:
		if err := m.applyCapture(ctx, sub, attempt); err != nil {
			return attempt, err
		}
	case domain.AttemptOutcomeDeclined:
		if err := m.applyDecline(ctx, sub, attempt); err != nil {
			return attempt, err
		}
	case domain.AttemptOutcomePending:
		// Transient: no state change, no failure count. The next billing
		// run retries with a fresh attempt number.
		log.Info(ctx, "Capture pending, leaving subscription untouched",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("billing_period", period))
	}

	return attempt, nil
}

// requireAuthentication records the gated attempt and opens a challenge
// for the user. Authentication being required is control flow, not a
// payment failure: no failure count, no status change.
func (m *Manager) requireAuthentication(ctx context.Context, sub *domain.Subscription, period string, attemptNumber int, decision *authgate.Decision) (*domain.PaymentAttempt, error) {
	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AmountCents:    sub.MonthlyPriceCents,
		Currency:       sub.Currency,
		BillingPeriod:  period,
		AttemptNumber:  attemptNumber,
		Outcome:        domain.AttemptOutcomeAuthRequired,
		FailureReason:  decision.Rule,
		IdempotencyKey: domain.NewIdempotencyKey(sub.ID, period, attemptNumber),
		CreatedAt:      m.now(),
	}

	challenge, err := m.gate.CreateChallenge(ctx, authgate.CreateChallengeRequest{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		AttemptID:      &attempt.ID,
		Notifier:       m.notifier,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open authentication challenge: %w", err)
	}
	attempt.ChallengeID = &challenge.ID

	if err := m.store.Attempts().Create(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record gated attempt: %w", err)
	}

	log.Info(ctx, "Payment requires strong authentication",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("challenge_id", challenge.ID.String()),
		zap.String("rule", decision.Rule))

	return attempt, nil
}

// capture calls the provider under its timeout. Provider machinery
// errors degrade to the pending outcome: a transient failure must never
// read as a decline.
func (m *Manager) capture(ctx context.Context, sub *domain.Subscription, period string, attemptNumber int) *billing.CaptureResult {
	captureCtx := ctx
	if m.cfg.CaptureTimeout > 0 {
		var cancel context.CancelFunc
		captureCtx, cancel = context.WithTimeout(ctx, m.cfg.CaptureTimeout)
		defer cancel()
	}

	captureCtx, span := tracing.StartSpan(captureCtx, "billing.capture")
	defer span.End()

	start := m.now()
	result, err := m.provider.Capture(captureCtx, billing.CaptureRequest{
		AmountCents:      sub.MonthlyPriceCents,
		Currency:         sub.Currency,
		PaymentMethodRef: sub.PaymentMethodRef,
		IdempotencyKey:   domain.NewIdempotencyKey(sub.ID, period, attemptNumber),
	})
	if err != nil {
		log.Warn(ctx, "Capture call failed, treating as pending",
			zap.Error(err),
			zap.String("subscription_id", sub.ID.String()))
		metrics.RecordError("capture_call", "subscription")
		result = &billing.CaptureResult{
			Outcome:       billing.CaptureOutcomePending,
			DeclineReason: "",
		}
	}
	metrics.RecordCapture(string(result.Outcome), sub.Currency, sub.MonthlyPriceCents, time.Since(start))
	return result
}

func outcomeFor(outcome billing.CaptureOutcome) domain.AttemptOutcome {
	switch outcome {
	case billing.CaptureOutcomeCaptured:
		return domain.AttemptOutcomeCaptured
	case billing.CaptureOutcomeDeclined:
		return domain.AttemptOutcomeDeclined
	default:
		return domain.AttemptOutcomePending
	}
}

// applyCapture settles a successful charge: the subscription becomes
// active, the failure count and dunning stage reset, and the next
// payment date advances one billing period from the date that was due.
func (m *Manager) applyCapture(ctx context.Context, sub *domain.Subscription, attempt *domain.PaymentAttempt) error {
	now := m.now()
	from := sub.Status

	if sub.Status != domain.SubscriptionStatusActive {
		if !sub.CanTransitionTo(domain.SubscriptionStatusActive) {
			return domain.NewInvalidStateError(
				"captured payment cannot activate subscription",
				fmt.Sprintf("subscription: %s, status: %s", sub.ID, sub.Status))
		}
		sub.Status = domain.SubscriptionStatusActive
	}

	due := now
	if sub.NextPaymentDate != nil {
		due = *sub.NextPaymentDate
	}
	next := due.AddDate(0, m.cfg.BillingPeriodMonths, 0)

	sub.FailureCount = 0
	sub.LastFailureReason = ""
	sub.ManualReview = false
	sub.DunningStage = domain.DunningStageNone
	sub.LastPaymentDate = &now
	sub.NextPaymentDate = &next
	sub.UpdatedAt = now

	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription after capture: %w", err)
	}

	if err := m.gate.RecordCapture(ctx, sub.UserID, attempt.AmountCents); err != nil {
		log.Warn(ctx, "Failed to record capture exposure", zap.Error(err))
	}

	m.enqueueEvent(ctx, events.TypePaymentCaptured, sub.ID, map[string]interface{}{
		"attempt_id":     attempt.ID.String(),
		"amount_cents":   attempt.AmountCents,
		"currency":       attempt.Currency,
		"billing_period": attempt.BillingPeriod,
	})
	if from != sub.Status {
		m.recordTransition(ctx, sub, from, "payment_captured")
	}

	log.Info(ctx, "Payment captured",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("billing_period", attempt.BillingPeriod),
		zap.Int64("amount_cents", attempt.AmountCents),
		zap.Time("next_payment_date", next))

	return nil
}

// applyDecline books a business decline: failure count up, active moves
// to pastDue, the third failure moves pastDue to unpaid with a manual
// review flag, and the decline is handed to the dunning scheduler.
func (m *Manager) applyDecline(ctx context.Context, sub *domain.Subscription, attempt *domain.PaymentAttempt) error {
	now := m.now()
	from := sub.Status

	sub.FailureCount++
	sub.LastFailureReason = attempt.FailureReason
	sub.UpdatedAt = now

	if sub.Status == domain.SubscriptionStatusActive {
		sub.Status = domain.SubscriptionStatusPastDue
	}
	if sub.Status == domain.SubscriptionStatusPastDue &&
		sub.FailureCount >= m.cfg.ManualReviewFailures {
		sub.Status = domain.SubscriptionStatusUnpaid
		sub.ManualReview = true
	}

	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription after decline: %w", err)
	}

	m.enqueueEvent(ctx, events.TypePaymentDeclined, sub.ID, map[string]interface{}{
		"attempt_id":     attempt.ID.String(),
		"failure_count":  sub.FailureCount,
		"failure_reason": attempt.FailureReason,
	})
	if from != sub.Status {
		m.recordTransition(ctx, sub, from, "payment_declined")
	}

	if err := m.declines.HandleDecline(ctx, sub); err != nil {
		// Retry scheduling failures are recoverable by the dunning sweep;
		// the decline itself is already booked.
		log.Error(ctx, "Failed to hand decline to dunning", zap.Error(err),
			zap.String("subscription_id", sub.ID.String()))
	}

	log.Info(ctx, "Payment declined",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("failure_count", sub.FailureCount),
		zap.String("reason", attempt.FailureReason),
		zap.String("status", string(sub.Status)))

	return nil
}

// CancelSubscription cancels a subscription. Immediate cancellation
// takes effect now; otherwise service continues until effectiveDate.
// Canceled is terminal either way: the subscription leaves the billing
// pipeline at once.
func (m *Manager) CancelSubscription(ctx context.Context, subscriptionID uuid.UUID, effectiveDate time.Time, immediate bool) (*domain.Subscription, error) {
	m.locks.Lock(subscriptionID)
	defer m.locks.Unlock(subscriptionID)

	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.CanTransitionTo(domain.SubscriptionStatusCanceled) {
		return nil, domain.NewInvalidStateError(
			"subscription cannot be canceled",
			fmt.Sprintf("subscription: %s, status: %s", sub.ID, sub.Status))
	}

	now := m.now()
	effective := effectiveDate
	if immediate || effective.Before(now) {
		effective = now
	}

	from := sub.Status
	sub.Status = domain.SubscriptionStatusCanceled
	sub.CancellationReason = domain.CancelReasonUserRequest
	sub.CancelEffectiveAt = &effective
	sub.NextPaymentDate = nil
	sub.UpdatedAt = now

	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	m.enqueueEvent(ctx, events.TypeSubscriptionCanceled, sub.ID, map[string]interface{}{
		"reason":       sub.CancellationReason,
		"effective_at": effective.UTC().Format(time.RFC3339),
		"immediate":    immediate,
	})
	m.recordTransition(ctx, sub, from, domain.CancelReasonUserRequest)

	log.Info(ctx, "Subscription canceled",
		zap.String("subscription_id", sub.ID.String()),
		zap.Bool("immediate", immediate),
		zap.Time("effective_at", effective))

	return sub, nil
}

// ConvertTrialToPaid attaches a payment method and activates a trialing
// subscription. Billing starts at the trial's end when it is still in
// the future, immediately otherwise.
func (m *Manager) ConvertTrialToPaid(ctx context.Context, subscriptionID uuid.UUID, paymentMethodRef string) (*domain.Subscription, error) {
	if paymentMethodRef == "" {
		return nil, domain.NewInvalidInputError("payment method reference is required", "")
	}

	m.locks.Lock(subscriptionID)
	defer m.locks.Unlock(subscriptionID)

	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.IsTrialing() {
		return nil, domain.NewInvalidStateError(
			"only a trialing subscription can be converted",
			fmt.Sprintf("subscription: %s, status: %s", sub.ID, sub.Status))
	}

	now := m.now()
	firstCharge := now
	if sub.TrialEndDate != nil && sub.TrialEndDate.After(now) {
		firstCharge = *sub.TrialEndDate
	}

	from := sub.Status
	sub.Status = domain.SubscriptionStatusActive
	sub.PaymentMethodRef = paymentMethodRef
	sub.NextPaymentDate = &firstCharge
	sub.UpdatedAt = now

	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to convert trial: %w", err)
	}

	m.recordTransition(ctx, sub, from, "trial_converted")

	log.Info(ctx, "Trial converted to paid",
		zap.String("subscription_id", sub.ID.String()),
		zap.Time("first_charge", firstCharge))

	return sub, nil
}

// ExpireTrials marks trialing subscriptions past their trial end as
// expired. Run on a schedule; returns the number of trials expired.
func (m *Manager) ExpireTrials(ctx context.Context) (int, error) {
	now := m.now()
	lapsed, err := m.store.Subscriptions().GetExpiredTrials(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired trials: %w", err)
	}

	expired := 0
	for _, sub := range lapsed {
		m.locks.Lock(sub.ID)
		err := m.expireTrial(ctx, sub.ID, now)
		m.locks.Unlock(sub.ID)
		if err != nil {
			log.Error(ctx, "Failed to expire trial", zap.Error(err),
				zap.String("subscription_id", sub.ID.String()))
			continue
		}
		expired++
	}

	if expired > 0 {
		log.Info(ctx, "Trial expiry sweep finished", zap.Int("expired", expired))
	}
	return expired, nil
}

func (m *Manager) expireTrial(ctx context.Context, subscriptionID uuid.UUID, now time.Time) error {
	// Re-read under the lock; the trial may have converted in between.
	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !sub.TrialExpiredAt(now) {
		return nil
	}

	from := sub.Status
	sub.Status = domain.SubscriptionStatusExpired
	sub.CancellationReason = domain.CancelReasonTrialNotConverted
	sub.NextPaymentDate = nil
	sub.UpdatedAt = now

	if err := m.store.Subscriptions().Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to expire trial: %w", err)
	}

	m.enqueueEvent(ctx, events.TypeTrialExpired, sub.ID, map[string]interface{}{
		"user_id": sub.UserID,
		"tier":    string(sub.Tier),
	})
	m.recordTransition(ctx, sub, from, domain.CancelReasonTrialNotConverted)
	return nil
}

// GetSubscription retrieves a subscription by id
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	return m.getSubscription(ctx, subscriptionID)
}

func (m *Manager) getSubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := m.store.Subscriptions().GetByID(ctx, subscriptionID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, domain.NewNotFoundError("subscription", subscriptionID.String())
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (m *Manager) recordTransition(ctx context.Context, sub *domain.Subscription, from domain.SubscriptionStatus, reason string) {
	metrics.RecordStatusTransition(string(from), string(sub.Status))
	m.auditTransition(ctx, sub, string(from), string(sub.Status), reason)
	if from != sub.Status {
		m.enqueueEvent(ctx, events.TypeSubscriptionUpdated, sub.ID, map[string]interface{}{
			"from":   string(from),
			"to":     string(sub.Status),
			"reason": reason,
		})
	}
}

func (m *Manager) auditTransition(ctx context.Context, sub *domain.Subscription, from, to, reason string) {
	if err := m.auditor.LogStatusTransition(ctx, sub.UserID, sub.ID.String(), from, to, reason); err != nil {
		log.Warn(ctx, "Failed to audit status transition", zap.Error(err))
	}
}

func (m *Manager) enqueueEvent(ctx context.Context, eventType string, subscriptionID uuid.UUID, data map[string]interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Warn(ctx, "Failed to marshal outbox payload", zap.Error(err))
		return
	}
	event := &domain.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		Aggregate:   "subscription",
		AggregateID: subscriptionID.String(),
		Payload:     payload,
		CreatedAt:   m.now(),
	}
	if err := m.store.Outbox().Enqueue(ctx, event); err != nil {
		log.Warn(ctx, "Failed to enqueue outbox event", zap.Error(err),
			zap.String("event_type", eventType))
	}
}
