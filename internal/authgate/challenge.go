package authgate

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/cache"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/log"
	"github.com/schildwacht/billingservice/internal/metrics"
	"github.com/schildwacht/billingservice/internal/notify"
	"github.com/schildwacht/billingservice/internal/repo"
)

// FactorDirectory enumerates the factor methods a user is enrolled in.
// Enrollment is owned by the surrounding application.
type FactorDirectory interface {
	EnrolledFactors(ctx context.Context, userID string) ([]domain.FactorMethod, error)
}

// StaticFactorDirectory offers the same factors to every user, used in
// development and tests.
type StaticFactorDirectory []domain.FactorMethod

// EnrolledFactors implements FactorDirectory
func (d StaticFactorDirectory) EnrolledFactors(ctx context.Context, userID string) ([]domain.FactorMethod, error) {
	return []domain.FactorMethod(d), nil
}

// FactorVerifier checks one provided factor response against the
// challenge it was issued for. Each factor validates independently.
type FactorVerifier interface {
	Verify(ctx context.Context, challengeID uuid.UUID, response domain.FactorResponse) (bool, error)
}

// CacheCodeVerifier verifies factor responses against per-challenge
// codes stored at creation time. SMS codes are delivered to the user;
// time-based and biometric responses are relayed here by the factor
// provider integration in the surrounding application.
type CacheCodeVerifier struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewCacheCodeVerifier creates a cache-backed verifier
func NewCacheCodeVerifier(c *cache.Cache, ttl time.Duration) *CacheCodeVerifier {
	return &CacheCodeVerifier{cache: c, ttl: ttl}
}

func codeKey(challengeID uuid.UUID, method domain.FactorMethod) string {
	return fmt.Sprintf("sca:code:%s:%s", challengeID, method)
}

// IssueCode generates and stores the expected code for one factor
func (v *CacheCodeVerifier) IssueCode(ctx context.Context, challengeID uuid.UUID, method domain.FactorMethod) (string, error) {
	code, err := randomCode(6)
	if err != nil {
		return "", err
	}
	if err := v.cache.Set(ctx, codeKey(challengeID, method), code, v.ttl); err != nil {
		return "", fmt.Errorf("failed to store challenge code: %w", err)
	}
	return code, nil
}

// Verify implements FactorVerifier
func (v *CacheCodeVerifier) Verify(ctx context.Context, challengeID uuid.UUID, response domain.FactorResponse) (bool, error) {
	expected, err := v.cache.Get(ctx, codeKey(challengeID, response.Method))
	if err == cache.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response.Code)) == 1, nil
}

func randomCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate challenge code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// MemoryCodeVerifier is a process-local code verifier for tests and the
// worker's memory mode.
type MemoryCodeVerifier struct {
	mu    sync.Mutex
	codes map[string]string
	ttl   time.Duration
	now   func() time.Time
	exp   map[string]time.Time
}

// NewMemoryCodeVerifier creates an empty in-memory verifier
func NewMemoryCodeVerifier(ttl time.Duration) *MemoryCodeVerifier {
	return &MemoryCodeVerifier{
		codes: make(map[string]string),
		exp:   make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
	}
}

// IssueCode implements CodeIssuer
func (v *MemoryCodeVerifier) IssueCode(ctx context.Context, challengeID uuid.UUID, method domain.FactorMethod) (string, error) {
	code, err := randomCode(6)
	if err != nil {
		return "", err
	}
	key := codeKey(challengeID, method)
	v.mu.Lock()
	v.codes[key] = code
	v.exp[key] = v.now().Add(v.ttl)
	v.mu.Unlock()
	return code, nil
}

// Verify implements FactorVerifier
func (v *MemoryCodeVerifier) Verify(ctx context.Context, challengeID uuid.UUID, response domain.FactorResponse) (bool, error) {
	key := codeKey(challengeID, response.Method)
	v.mu.Lock()
	expected, ok := v.codes[key]
	expires := v.exp[key]
	v.mu.Unlock()
	if !ok || v.now().After(expires) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(response.Code)) == 1, nil
}

// CodeIssuer is implemented by verifiers that mint codes at challenge
// creation. Verifiers backed by an external factor provider do not.
type CodeIssuer interface {
	IssueCode(ctx context.Context, challengeID uuid.UUID, method domain.FactorMethod) (string, error)
}

// CreateChallengeRequest identifies who is being challenged and for what
type CreateChallengeRequest struct {
	UserID         string
	SubscriptionID uuid.UUID
	AttemptID      *uuid.UUID
	Notifier       notify.Notifier
}

// CreateChallenge enumerates the user's enrolled factors, opens a
// challenge with the fixed expiry window and delivers the SMS code when
// that factor is enrolled.
func (g *Gate) CreateChallenge(ctx context.Context, req CreateChallengeRequest) (*domain.AuthenticationChallenge, error) {
	factors, err := g.factors.EnrolledFactors(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate factors for user %s: %w", req.UserID, err)
	}
	if len(factors) < domain.MinValidFactors {
		return nil, domain.NewInvalidStateError(
			"user has too few enrolled factors for strong authentication",
			fmt.Sprintf("user: %s, enrolled: %d", req.UserID, len(factors)))
	}

	now := g.now()
	challenge := &domain.AuthenticationChallenge{
		ID:             uuid.New(),
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		AttemptID:      req.AttemptID,
		OfferedFactors: factors,
		AttemptsUsed:   0,
		MaxAttempts:    g.cfg.ChallengeMaxAttempts,
		Status:         domain.ChallengeStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.cfg.ChallengeTTL),
	}

	if err := g.repo.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	if issuer, ok := g.verifier.(CodeIssuer); ok {
		for _, method := range factors {
			code, err := issuer.IssueCode(ctx, challenge.ID, method)
			if err != nil {
				return nil, err
			}
			if method == domain.FactorSMS && req.Notifier != nil {
				req.Notifier.Notify(ctx, req.UserID, notify.TemplateChallengeCode,
					map[string]string{"code": code})
			}
		}
	}

	log.Info(ctx, "Authentication challenge created",
		zap.String("challenge_id", challenge.ID.String()),
		zap.String("user_id", req.UserID),
		zap.Int("offered_factors", len(factors)),
		zap.Time("expires_at", challenge.ExpiresAt))

	return challenge, nil
}

// ValidateResponse validates the provided factors against a pending
// challenge. Completion requires at least two independently validated
// factors; an expired challenge is terminal and never completes.
func (g *Gate) ValidateResponse(ctx context.Context, challengeID uuid.UUID, responses []domain.FactorResponse) (*domain.ValidationResult, error) {
	challenge, err := g.repo.GetByID(ctx, challengeID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil, domain.NewNotFoundError("challenge", challengeID.String())
		}
		return nil, err
	}

	if challenge.Status == domain.ChallengeStatusExpired {
		return nil, domain.NewChallengeExpiredError(challengeID.String())
	}
	if challenge.Status == domain.ChallengeStatusCompleted {
		return nil, domain.NewInvalidStateError("challenge already completed", challengeID.String())
	}

	now := g.now()
	if challenge.ExpiredAt(now) {
		challenge.Status = domain.ChallengeStatusExpired
		if err := g.repo.Update(ctx, challenge); err != nil {
			log.Warn(ctx, "Failed to persist challenge expiry", zap.Error(err))
		}
		metrics.RecordChallengeOutcome("expired")
		return nil, domain.NewChallengeExpiredError(challengeID.String())
	}

	if challenge.AttemptsExhausted() {
		return nil, domain.NewInvalidStateError(
			"challenge validation attempts exhausted", challengeID.String())
	}

	challenge.AttemptsUsed++

	validFactors, err := g.countValidFactors(ctx, challenge, responses)
	if err != nil {
		// Validation machinery failures are compliance-critical: audit
		// with full context before surfacing.
		auditErr := g.auditor.LogComplianceError(ctx, challenge.UserID, "challenge", challengeID.String(), err,
			map[string]interface{}{"attempts_used": challenge.AttemptsUsed})
		if auditErr != nil {
			log.Error(ctx, "Failed to audit compliance error", zap.Error(auditErr))
		}
		return nil, err
	}

	result := &domain.ValidationResult{
		ChallengeID:  challengeID,
		ValidFactors: validFactors,
	}

	if validFactors >= domain.MinValidFactors {
		completedAt := now
		challenge.Status = domain.ChallengeStatusCompleted
		challenge.CompletedAt = &completedAt

		token, tokenExpires, err := g.tokens.Issue(challenge.UserID, challenge.ID, challenge.SubscriptionID)
		if err != nil {
			return nil, err
		}
		result.Completed = true
		result.Token = token
		result.TokenExpires = tokenExpires

		if err := g.exposure.Reset(ctx, challenge.UserID); err != nil {
			log.Warn(ctx, "Failed to reset exposure after authentication", zap.Error(err))
		}
		metrics.RecordChallengeOutcome("completed")
	} else {
		result.RetryAllowed = challenge.AttemptsUsed < challenge.MaxAttempts
		metrics.RecordChallengeOutcome("failed")
	}

	if err := g.repo.Update(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to update challenge: %w", err)
	}

	outcome := "failed"
	if result.Completed {
		outcome = "completed"
	}
	if err := g.auditor.LogChallengeOutcome(ctx, challenge.UserID, challengeID.String(),
		outcome, validFactors, challenge.AttemptsUsed); err != nil {
		log.Warn(ctx, "Failed to audit challenge outcome", zap.Error(err))
	}

	return result, nil
}

// countValidFactors validates each provided factor independently and
// counts distinct methods that passed. Duplicate responses for the same
// method never count twice.
func (g *Gate) countValidFactors(ctx context.Context, challenge *domain.AuthenticationChallenge, responses []domain.FactorResponse) (int, error) {
	seen := make(map[domain.FactorMethod]bool)
	valid := 0
	for _, response := range responses {
		if seen[response.Method] || !challenge.Offers(response.Method) {
			continue
		}
		seen[response.Method] = true

		ok, err := g.verifier.Verify(ctx, challenge.ID, response)
		if err != nil {
			return 0, fmt.Errorf("factor verification failed for %s: %w", response.Method, err)
		}
		if ok {
			valid++
		}
	}
	return valid, nil
}
