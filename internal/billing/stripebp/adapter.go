package stripebp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/billing"
)

// Adapter implements billing.CaptureProvider on Stripe PaymentIntents.
// Recurring charges are confirmed off-session against the stored payment
// method; the caller's idempotency key is passed through so a duplicated
// network call cannot double-capture.
type Adapter struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewAdapter creates a new Stripe capture adapter
func NewAdapter(secretKey string, timeout time.Duration, logger *zap.Logger) *Adapter {
	if secretKey == "" {
		panic("stripe secret key is required")
	}
	stripe.Key = secretKey

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		timeout: timeout,
		logger:  logger,
	}
}

// Capture confirms an off-session PaymentIntent for the requested amount
func (a *Adapter) Capture(ctx context.Context, req billing.CaptureRequest) (*billing.CaptureResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}

	intent, err := paymentintent.New(params)
	if err != nil {
		return a.resultFromError(req, err), nil
	}

	result := a.resultFromIntent(intent)
	a.logger.Info("Stripe capture completed",
		zap.String("payment_intent", intent.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("amount_cents", req.AmountCents),
		zap.String("currency", req.Currency))
	return result, nil
}

// resultFromIntent maps a PaymentIntent status to the three-way outcome
func (a *Adapter) resultFromIntent(intent *stripe.PaymentIntent) *billing.CaptureResult {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &billing.CaptureResult{
			Outcome:     billing.CaptureOutcomeCaptured,
			ProviderRef: intent.ID,
			CapturedAt:  time.Now(),
		}
	case stripe.PaymentIntentStatusCanceled,
		stripe.PaymentIntentStatusRequiresPaymentMethod:
		return &billing.CaptureResult{
			Outcome:       billing.CaptureOutcomeDeclined,
			ProviderRef:   intent.ID,
			DeclineReason: string(intent.Status),
		}
	default:
		// processing, requires_action, requires_confirmation: not yet a
		// terminal answer, the caller polls or retries later.
		return &billing.CaptureResult{
			Outcome:     billing.CaptureOutcomePending,
			ProviderRef: intent.ID,
		}
	}
}

// resultFromError maps Stripe errors to outcomes. Card errors are real
// declines; everything else (timeouts, 5xx, connectivity) is transient
// and surfaces as pending.
func (a *Adapter) resultFromError(req billing.CaptureRequest, err error) *billing.CaptureResult {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
		reason := string(stripeErr.Code)
		if stripeErr.DeclineCode != "" {
			reason = string(stripeErr.DeclineCode)
		}
		a.logger.Warn("Stripe capture declined",
			zap.String("decline_reason", reason),
			zap.Int64("amount_cents", req.AmountCents))
		return &billing.CaptureResult{
			Outcome:       billing.CaptureOutcomeDeclined,
			DeclineReason: reason,
		}
	}

	a.logger.Warn("Stripe capture did not complete, treating as pending",
		zap.Error(err),
		zap.Int64("amount_cents", req.AmountCents))
	return &billing.CaptureResult{
		Outcome: billing.CaptureOutcomePending,
	}
}

// Close closes the Stripe adapter
func (a *Adapter) Close() error {
	return nil
}
