package billing

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/circuitbreaker"
)

// BreakerProvider wraps a CaptureProvider in a circuit breaker. An open
// circuit degrades captures to the pending outcome, so a provider outage
// never turns into a wave of declines and dunning escalations.
type BreakerProvider struct {
	inner   CaptureProvider
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerProvider wraps the given provider
func NewBreakerProvider(inner CaptureProvider, cfg circuitbreaker.Config, logger *zap.Logger) *BreakerProvider {
	return &BreakerProvider{
		inner:   inner,
		breaker: circuitbreaker.New("capture_provider", cfg, logger),
		logger:  logger,
	}
}

// Capture executes the capture under breaker protection
func (p *BreakerProvider) Capture(ctx context.Context, req CaptureRequest) (*CaptureResult, error) {
	var result *CaptureResult

	err := p.breaker.Execute(ctx, func() error {
		var innerErr error
		result, innerErr = p.inner.Capture(ctx, req)
		return innerErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("Capture provider circuit open, degrading to pending",
			zap.String("idempotency_key", req.IdempotencyKey))
		return &CaptureResult{Outcome: CaptureOutcomePending}, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Close closes the wrapped provider
func (p *BreakerProvider) Close() error {
	return p.inner.Close()
}
