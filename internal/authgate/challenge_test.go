package authgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schildwacht/billingservice/internal/cache"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/notify"
)

func newTestRedis(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewCacheWithClient(client)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCacheCodeVerifier(t *testing.T) {
	redisCache, mr := newTestRedis(t)
	verifier := NewCacheCodeVerifier(redisCache, 5*time.Minute)
	ctx := context.Background()
	challengeID := uuid.New()

	code, err := verifier.IssueCode(ctx, challengeID, domain.FactorSMS)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	ok, err := verifier.Verify(ctx, challengeID, domain.FactorResponse{
		Method: domain.FactorSMS, Code: code,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Wrong code, wrong method and wrong challenge all fail cleanly.
	ok, err = verifier.Verify(ctx, challengeID, domain.FactorResponse{
		Method: domain.FactorSMS, Code: "000000",
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = verifier.Verify(ctx, challengeID, domain.FactorResponse{
		Method: domain.FactorTOTP, Code: code,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = verifier.Verify(ctx, uuid.New(), domain.FactorResponse{
		Method: domain.FactorSMS, Code: code,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// Codes die with the challenge window.
	mr.FastForward(6 * time.Minute)
	ok, err = verifier.Verify(ctx, challengeID, domain.FactorResponse{
		Method: domain.FactorSMS, Code: code,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCodeVerifierExpiry(t *testing.T) {
	verifier := NewMemoryCodeVerifier(5 * time.Minute)
	base := time.Now()
	verifier.now = func() time.Time { return base }
	ctx := context.Background()
	challengeID := uuid.New()

	code, err := verifier.IssueCode(ctx, challengeID, domain.FactorTOTP)
	require.NoError(t, err)

	ok, err := verifier.Verify(ctx, challengeID, domain.FactorResponse{
		Method: domain.FactorTOTP, Code: code,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	verifier.now = func() time.Time { return base.Add(6 * time.Minute) }
	ok, err = verifier.Verify(ctx, challengeID, domain.FactorResponse{
		Method: domain.FactorTOTP, Code: code,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

// smsRecorder captures challenge-code notifications
type smsRecorder struct {
	mu    sync.Mutex
	codes []string
}

func (r *smsRecorder) Notify(ctx context.Context, userID string, kind notify.TemplateKind, payload map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == notify.TemplateChallengeCode {
		r.codes = append(r.codes, payload["code"])
	}
}

func TestCreateChallengeDeliversSMSCode(t *testing.T) {
	verifier := NewMemoryCodeVerifier(5 * time.Minute)
	gate, _ := newTestGate(t)
	gate.verifier = verifier
	recorder := &smsRecorder{}
	ctx := context.Background()

	challenge, err := gate.CreateChallenge(ctx, CreateChallengeRequest{
		UserID:         "user-1",
		SubscriptionID: uuid.New(),
		Notifier:       recorder,
	})
	require.NoError(t, err)
	require.Len(t, recorder.codes, 1, "the SMS factor code is delivered at creation")

	// The delivered code validates the SMS factor.
	ok, err := verifier.Verify(ctx, challenge.ID, domain.FactorResponse{
		Method: domain.FactorSMS, Code: recorder.codes[0],
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateChallengeNeedsTwoFactors(t *testing.T) {
	gate, _ := newTestGate(t)
	gate.factors = StaticFactorDirectory{domain.FactorSMS}

	_, err := gate.CreateChallenge(context.Background(), CreateChallengeRequest{
		UserID:         "user-1",
		SubscriptionID: uuid.New(),
	})
	assert.True(t, domain.HasCode(err, domain.ErrCodeInvalidState),
		"fewer than two enrolled factors cannot satisfy the two-factor minimum")
}

func TestRedisExposureTracker(t *testing.T) {
	redisCache, _ := newTestRedis(t)
	tracker := NewRedisExposureTracker(redisCache)
	ctx := context.Background()

	captured, attempts, err := tracker.Exposure(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, captured)
	assert.Zero(t, attempts)

	require.NoError(t, tracker.RecordCapture(ctx, "user-1", 999))
	require.NoError(t, tracker.RecordCapture(ctx, "user-1", 4999))
	require.NoError(t, tracker.RecordAttempt(ctx, "user-1"))

	captured, attempts, err = tracker.Exposure(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5998), captured)
	assert.Equal(t, int64(1), attempts)

	// Users never share exposure.
	captured, _, err = tracker.Exposure(ctx, "user-2")
	require.NoError(t, err)
	assert.Zero(t, captured)

	require.NoError(t, tracker.Reset(ctx, "user-1"))
	captured, attempts, err = tracker.Exposure(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, captured)
	assert.Zero(t, attempts)
}
