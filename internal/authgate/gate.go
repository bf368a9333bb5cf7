package authgate

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/repo"
)

// Decision rules, ordered; the first match wins and is recorded for
// audit together with the exemption reason when nothing matches.
const (
	RuleAmountThreshold     = "amount_threshold"
	RuleCumulativeThreshold = "cumulative_threshold"
	RuleAttemptCount        = "attempt_count"
	RuleRiskScore           = "risk_score"
	RuleExempt              = "exempt"
)

// Config holds the gate's thresholds
type Config struct {
	// AmountThresholdCents requires authentication for any single
	// transaction strictly above this amount (3000 = €30.00, so €30.01
	// requires and €30.00 does not).
	AmountThresholdCents int64
	// CumulativeThresholdCents requires authentication once the captured
	// amount since the last completed authentication exceeds this value
	CumulativeThresholdCents int64
	// AttemptThreshold requires authentication once this many
	// consecutive attempts have run without a completed authentication
	AttemptThreshold int64
	// RiskScoreThreshold requires authentication for computed risk
	// scores strictly above this value
	RiskScoreThreshold int
	// ChallengeTTL is the challenge validity window
	ChallengeTTL time.Duration
	// ChallengeMaxAttempts caps validation attempts per challenge
	ChallengeMaxAttempts int
}

// DefaultConfig returns the regulatory defaults
func DefaultConfig() Config {
	return Config{
		AmountThresholdCents:     3000,
		CumulativeThresholdCents: 15000,
		AttemptThreshold:         5,
		RiskScoreThreshold:       50,
		ChallengeTTL:             5 * time.Minute,
		ChallengeMaxAttempts:     3,
	}
}

// Decision is the gate's answer for one payment attempt
type Decision struct {
	Required  bool   `json:"required"`
	Rule      string `json:"rule"`
	Reason    string `json:"reason"`
	RiskScore int    `json:"risk_score"`
}

// EvaluationInput describes the payment attempt being gated
type EvaluationInput struct {
	UserID           string
	SubscriptionID   uuid.UUID
	AmountCents      int64
	PaymentMethodRef string
	// Token is the authentication token from a completed challenge, if
	// the caller holds one
	Token string
}

// UserRiskSource supplies the historical risk factor per user. The
// surrounding application owns the model; a zero factor is a safe
// default.
type UserRiskSource interface {
	RiskFactor(ctx context.Context, userID string) (int, error)
}

// StaticRiskSource returns a fixed factor for every user
type StaticRiskSource int

// RiskFactor implements UserRiskSource
func (s StaticRiskSource) RiskFactor(ctx context.Context, userID string) (int, error) {
	return int(s), nil
}

// Gate decides per payment attempt whether strong customer
// authentication is mandatory, and owns the challenge flow.
type Gate struct {
	cfg      Config
	exposure ExposureTracker
	tokens   *TokenIssuer
	risk     UserRiskSource
	factors  FactorDirectory
	verifier FactorVerifier
	repo     repo.ChallengeRepository
	auditor  *audit.Manager
	now      func() time.Time
}

// NewGate creates a new authentication gate
func NewGate(
	cfg Config,
	exposure ExposureTracker,
	tokens *TokenIssuer,
	risk UserRiskSource,
	factors FactorDirectory,
	verifier FactorVerifier,
	challengeRepo repo.ChallengeRepository,
	auditor *audit.Manager,
) *Gate {
	if cfg.ChallengeMaxAttempts <= 0 {
		cfg.ChallengeMaxAttempts = 3
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	return &Gate{
		cfg:      cfg,
		exposure: exposure,
		tokens:   tokens,
		risk:     risk,
		factors:  factors,
		verifier: verifier,
		repo:     challengeRepo,
		auditor:  auditor,
		now:      time.Now,
	}
}

// Evaluate applies the ordered decision rules to one payment attempt.
// The decision and its reason are always written to the audit sink.
func (g *Gate) Evaluate(ctx context.Context, input EvaluationInput) (*Decision, error) {
	captured, attempts, err := g.exposure.Exposure(ctx, input.UserID)
	if err != nil {
		return nil, err
	}

	score, err := g.riskScore(ctx, input)
	if err != nil {
		return nil, err
	}

	decision := g.decide(input, captured, attempts, score)

	if err := g.auditor.LogAuthDecision(ctx, input.UserID, input.SubscriptionID.String(),
		decision.Required, decision.Rule, decision.Reason, decision.RiskScore); err != nil {
		log.Warn(ctx, "Failed to audit authentication decision", zap.Error(err))
	}
	metrics.RecordAuthDecision(decision.Rule, decision.Required)

	if err := g.exposure.RecordAttempt(ctx, input.UserID); err != nil {
		log.Warn(ctx, "Failed to record attempt exposure", zap.Error(err))
	}

	return decision, nil
}

func (g *Gate) decide(input EvaluationInput, captured, attempts int64, score int) *Decision {
	switch {
	case input.AmountCents > g.cfg.AmountThresholdCents:
		return &Decision{
			Required:  true,
			Rule:      RuleAmountThreshold,
			Reason:    "transaction amount exceeds per-transaction threshold",
			RiskScore: score,
		}
	case captured > g.cfg.CumulativeThresholdCents:
		return &Decision{
			Required:  true,
			Rule:      RuleCumulativeThreshold,
			Reason:    "cumulative captured amount since last authentication exceeds threshold",
			RiskScore: score,
		}
	case attempts >= g.cfg.AttemptThreshold:
		return &Decision{
			Required:  true,
			Rule:      RuleAttemptCount,
			Reason:    "consecutive attempts since last authentication reached threshold",
			RiskScore: score,
		}
	case score > g.cfg.RiskScoreThreshold:
		return &Decision{
			Required:  true,
			Rule:      RuleRiskScore,
			Reason:    "computed risk score exceeds threshold",
			RiskScore: score,
		}
	default:
		return &Decision{
			Required:  false,
			Rule:      RuleExempt,
			Reason:    "below all authentication thresholds",
			RiskScore: score,
		}
	}
}

// riskScore sums the amount tier, the payment-method weight and the
// user's historical factor, capped at 100.
func (g *Gate) riskScore(ctx context.Context, input EvaluationInput) (int, error) {
	score := amountTier(input.AmountCents) + methodWeight(input.PaymentMethodRef)

	factor, err := g.risk.RiskFactor(ctx, input.UserID)
	if err != nil {
		return 0, err
	}
	score += factor

	if score > 100 {
		score = 100
	}
	return score, nil
}

func amountTier(amountCents int64) int {
	switch {
	case amountCents <= 1000:
		return 10
	case amountCents <= 3000:
		return 20
	case amountCents <= 10000:
		return 35
	default:
		return 50
	}
}

func methodWeight(paymentMethodRef string) int {
	switch {
	case strings.HasPrefix(paymentMethodRef, "pm_card"):
		return 20
	case strings.HasPrefix(paymentMethodRef, "pm_sepa"):
		return 30
	default:
		return 25
	}
}

// RecordCapture adds a captured amount to the user's exposure counters.
// Called by the billing path after every successful capture.
func (g *Gate) RecordCapture(ctx context.Context, userID string, amountCents int64) error {
	return g.exposure.RecordCapture(ctx, userID, amountCents)
}

// HasValidToken reports whether the caller-supplied token is a live
// authentication token minted for this user and subscription. A token
// never authorizes charges on a subscription other than the one its
// challenge was opened for. An invalid or expired token is simply "no
// token"; the caller is sent through the challenge flow.
func (g *Gate) HasValidToken(ctx context.Context, userID string, subscriptionID uuid.UUID, token string) bool {
	if token == "" {
		return false
	}
	claims, err := g.tokens.Verify(token)
	if err != nil {
		log.Debug(ctx, "Authentication token rejected", zap.Error(err))
		return false
	}
	return claims.Subject == userID && claims.SubscriptionID == subscriptionID.String()
}
