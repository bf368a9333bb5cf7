package dunning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/audit"
	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/notify"
	"github.com/schildwacht/billingservice/internal/repo"
)

// recordingNotifier captures every notification for assertions
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []notify.TemplateKind
	users []string
}

func (n *recordingNotifier) Notify(ctx context.Context, userID string, kind notify.TemplateKind, payload map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, kind)
	n.users = append(n.users, userID)
}

type dunningFixture struct {
	store     *repo.MemoryStore
	notifier  *recordingNotifier
	scheduler *Scheduler
	clock     time.Time
}

func newDunningFixture(t *testing.T) *dunningFixture {
	t.Helper()
	f := &dunningFixture{
		store:    repo.NewMemoryStore(),
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	auditor := audit.NewManager(audit.NewZapSink(zap.NewNop()))
	f.scheduler = NewScheduler(f.store, f.notifier, auditor, DefaultConfig(),
		WithClock(func() time.Time { return f.clock }))
	return f
}

func (f *dunningFixture) seedOverdue(t *testing.T, daysOverdue, failureCount int, status domain.SubscriptionStatus) *domain.Subscription {
	t.Helper()
	due := f.clock.AddDate(0, 0, -daysOverdue)
	sub := &domain.Subscription{
		ID:                uuid.New(),
		UserID:            uuid.NewString(),
		Tier:              domain.TierIndividual,
		Currency:          "EUR",
		Status:            status,
		NextPaymentDate:   &due,
		PaymentMethodRef:  "pm_card_123",
		MonthlyPriceCents: 999,
		FailureCount:      failureCount,
		CreatedAt:         f.clock.AddDate(0, -2, 0),
		UpdatedAt:         f.clock,
	}
	require.NoError(t, f.store.Subscriptions().Create(context.Background(), sub))
	return sub
}

func TestHandleDeclineBackoffLadder(t *testing.T) {
	tests := []struct {
		name         string
		failureCount int
		wantDays     int
		wantEntry    bool
	}{
		{"first decline retries after one day", 1, 1, true},
		{"second decline retries after three days", 2, 3, true},
		{"third decline retries after seven days", 3, 7, true},
		{"fourth decline schedules nothing", 4, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDunningFixture(t)
			ctx := context.Background()
			sub := f.seedOverdue(t, 0, tt.failureCount, domain.SubscriptionStatusPastDue)

			require.NoError(t, f.scheduler.HandleDecline(ctx, sub))

			open, err := f.store.RetrySchedule().GetOpenBySubscription(ctx, sub.ID)
			require.NoError(t, err)
			if !tt.wantEntry {
				assert.Empty(t, open)
				return
			}
			require.Len(t, open, 1)
			assert.Equal(t, f.clock.AddDate(0, 0, tt.wantDays), open[0].ScheduledAt)
			assert.Equal(t, tt.failureCount+1, open[0].AttemptNumber)
		})
	}
}

func TestHandleDeclineSchedulesAtMostOneRetry(t *testing.T) {
	f := newDunningFixture(t)
	ctx := context.Background()
	sub := f.seedOverdue(t, 0, 1, domain.SubscriptionStatusPastDue)

	require.NoError(t, f.scheduler.HandleDecline(ctx, sub))
	require.NoError(t, f.scheduler.HandleDecline(ctx, sub))

	open, err := f.store.RetrySchedule().GetOpenBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, open, 1, "an open retry suppresses further scheduling")

	// A consumed retry clears the way for the next one.
	require.NoError(t, f.store.RetrySchedule().MarkCompleted(ctx, open[0].ID))
	sub.FailureCount = 2
	require.NoError(t, f.scheduler.HandleDecline(ctx, sub))

	open, err = f.store.RetrySchedule().GetOpenBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, f.clock.AddDate(0, 0, 3), open[0].ScheduledAt)
}

func TestSweepEscalationStages(t *testing.T) {
	tests := []struct {
		name         string
		daysOverdue  int
		failureCount int
		wantStage    domain.DunningStage
		wantTemplate notify.TemplateKind
	}{
		{"under every threshold", 3, 1, domain.DunningStageNone, ""},
		{"days without failures stays quiet", 10, 0, domain.DunningStageNone, ""},
		{"reminder at seven days", 8, 1, domain.DunningStageReminder, notify.TemplatePaymentReminder},
		{"final warning at fourteen days", 15, 2, domain.DunningStageFinalWarning, notify.TemplateFinalWarning},
		{"fourteen days with one failure only reminds", 15, 1, domain.DunningStageReminder, notify.TemplatePaymentReminder},
		{"cancellation at thirty days", 31, 3, domain.DunningStageCanceled, notify.TemplateSubscriptionCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDunningFixture(t)
			ctx := context.Background()
			sub := f.seedOverdue(t, tt.daysOverdue, tt.failureCount, domain.SubscriptionStatusPastDue)

			result, err := f.scheduler.ProcessDunningSweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Examined)

			updated, err := f.store.Subscriptions().GetByID(ctx, sub.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStage, updated.DunningStage)

			if tt.wantStage == domain.DunningStageNone {
				assert.Zero(t, result.Notified)
				assert.Empty(t, f.notifier.sent)
				return
			}
			assert.Equal(t, 1, result.Notified)
			require.Len(t, f.notifier.sent, 1)
			assert.Equal(t, tt.wantTemplate, f.notifier.sent[0])
		})
	}
}

func TestSweepCancellationIsTerminal(t *testing.T) {
	f := newDunningFixture(t)
	ctx := context.Background()
	sub := f.seedOverdue(t, 35, 3, domain.SubscriptionStatusUnpaid)

	// An open retry must not survive the cancellation.
	require.NoError(t, f.store.RetrySchedule().Create(ctx, &domain.RetryScheduleEntry{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		ScheduledAt:    f.clock.AddDate(0, 0, 1),
		AttemptNumber:  4,
		CreatedAt:      f.clock,
	}))

	result, err := f.scheduler.ProcessDunningSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Canceled)

	updated, err := f.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusCanceled, updated.Status)
	assert.Equal(t, domain.CancelReasonDunningExhausted, updated.CancellationReason)
	require.NotNil(t, updated.CancelEffectiveAt)
	assert.Equal(t, f.clock, *updated.CancelEffectiveAt)
	assert.Nil(t, updated.NextPaymentDate)

	open, err := f.store.RetrySchedule().GetOpenBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, open, "cancellation consumes open retries")
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newDunningFixture(t)
	ctx := context.Background()
	f.seedOverdue(t, 8, 1, domain.SubscriptionStatusPastDue)

	first, err := f.scheduler.ProcessDunningSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Notified)

	second, err := f.scheduler.ProcessDunningSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Notified, "the same stage never notifies twice")
	assert.Len(t, f.notifier.sent, 1)

	// Crossing the next threshold escalates exactly once more.
	f.clock = f.clock.AddDate(0, 0, 7)
	subs, err := f.store.Subscriptions().GetByStatus(ctx, domain.SubscriptionStatusPastDue)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	subs[0].FailureCount = 2
	require.NoError(t, f.store.Subscriptions().Update(ctx, subs[0]))

	third, err := f.scheduler.ProcessDunningSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.Notified)
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, notify.TemplateFinalWarning, f.notifier.sent[1])
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "EUR 9.99", formatAmount(999, "EUR"))
	assert.Equal(t, "EUR 30.00", formatAmount(3000, "EUR"))
	assert.Equal(t, "EUR 0.05", formatAmount(5, "EUR"))
}
