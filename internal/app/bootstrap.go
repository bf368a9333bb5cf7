package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/billing"
	"github.com/schildwacht/billingservice/internal/billing/stripebp"
	"github.com/schildwacht/billingservice/internal/circuitbreaker"
	"github.com/schildwacht/billingservice/internal/config"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/repo"
	"github.com/schildwacht/billingservice/internal/repo/postgres"
)

// NewCaptureProvider creates the configured capture provider, wrapped in
// the circuit breaker so provider outages degrade to pending outcomes.
func NewCaptureProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (billing.CaptureProvider, error) {
	log.Info(ctx, "Initializing capture provider",
		zap.String("provider", cfg.Billing.Provider))

	var provider billing.CaptureProvider
	switch cfg.Billing.Provider {
	case "stripe":
		if cfg.Stripe.SecretKey == "" {
			return nil, fmt.Errorf("stripe secret key is required")
		}
		provider = stripebp.NewAdapter(cfg.Stripe.SecretKey, cfg.Billing.CaptureTimeout, logger)
	case "mock", "noop":
		log.Info(ctx, "Using mock capture provider for testing/development")
		provider = &MockProvider{logger: logger}
	default:
		return nil, fmt.Errorf("unsupported capture provider: %s", cfg.Billing.Provider)
	}

	return billing.NewBreakerProvider(provider, circuitbreaker.DefaultConfig(), logger), nil
}

// NewStore creates the configured store
func NewStore(ctx context.Context, cfg *config.Config) (repo.Store, error) {
	switch cfg.Billing.Store {
	case "postgres":
		return postgres.NewStore(ctx, cfg.Database.GetDSN())
	case "memory":
		log.Warn(ctx, "Using in-memory store; state is lost on restart")
		return repo.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store: %s", cfg.Billing.Store)
	}
}

// NewPublisher creates the configured event publisher
func NewPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if !cfg.Kafka.Enabled {
		log.Info(ctx, "Kafka disabled, events are staged in the outbox and discarded")
		return events.NoopPublisher{}, nil
	}
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
}

// MockProvider is a deterministic capture provider for development and
// tests. The payment method reference steers the outcome: refs
// containing "declined" decline, refs containing "pending" stay
// pending, everything else captures.
type MockProvider struct {
	logger *zap.Logger
}

// NewMockProvider creates a mock capture provider
func NewMockProvider(logger *zap.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Capture implements billing.CaptureProvider
func (m *MockProvider) Capture(ctx context.Context, req billing.CaptureRequest) (*billing.CaptureResult, error) {
	m.logger.Info("Mock: capturing payment",
		zap.Int64("amount_cents", req.AmountCents),
		zap.String("currency", req.Currency),
		zap.String("payment_method_ref", req.PaymentMethodRef),
		zap.String("idempotency_key", req.IdempotencyKey))

	now := time.Now()
	switch {
	case strings.Contains(req.PaymentMethodRef, "declined"):
		return &billing.CaptureResult{
			Outcome:       billing.CaptureOutcomeDeclined,
			DeclineReason: "card_declined",
		}, nil
	case strings.Contains(req.PaymentMethodRef, "pending"):
		return &billing.CaptureResult{
			Outcome: billing.CaptureOutcomePending,
		}, nil
	default:
		return &billing.CaptureResult{
			Outcome:     billing.CaptureOutcomeCaptured,
			ProviderRef: "mock_" + req.IdempotencyKey,
			CapturedAt:  now,
		}, nil
	}
}

// Close implements billing.CaptureProvider
func (m *MockProvider) Close() error {
	m.logger.Info("Mock: closing provider")
	return nil
}
