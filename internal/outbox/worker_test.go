package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schildwacht/billingservice/internal/domain"
	"github.com/schildwacht/billingservice/internal/events"
	"github.com/schildwacht/billingservice/internal/repo"
)

// capturingPublisher records every published event; failKeys makes
// publication fail for the named event types.
type capturingPublisher struct {
	mu        sync.Mutex
	published []*events.Event
	failTypes map[string]bool
}

func (p *capturingPublisher) Publish(ctx context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTypes[event.Type] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func enqueue(t *testing.T, store repo.OutboxRepository, eventType string, createdAt time.Time) *domain.OutboxEvent {
	t.Helper()
	event := &domain.OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		Aggregate:   "subscription",
		AggregateID: uuid.NewString(),
		Payload:     []byte(`{"amount_cents":999}`),
		CreatedAt:   createdAt,
	}
	require.NoError(t, store.Enqueue(context.Background(), event))
	return event
}

func TestProcessBatchDrainsInOrder(t *testing.T) {
	store := repo.NewMemoryStore().Outbox()
	publisher := &capturingPublisher{}
	worker := NewWorker(store, publisher, zap.NewNop(), DefaultConfig())
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	first := enqueue(t, store, events.TypeSubscriptionCreated, base)
	second := enqueue(t, store, events.TypePaymentCaptured, base.Add(time.Second))

	require.NoError(t, worker.ProcessBatch(ctx))

	require.Len(t, publisher.published, 2)
	assert.Equal(t, first.ID.String(), publisher.published[0].ID)
	assert.Equal(t, second.ID.String(), publisher.published[1].ID)
	assert.Equal(t, float64(999), publisher.published[0].Data["amount_cents"])

	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "published events leave the outbox")
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	store := repo.NewMemoryStore().Outbox()
	publisher := &capturingPublisher{failTypes: map[string]bool{
		events.TypePaymentDeclined: true,
	}}
	worker := NewWorker(store, publisher, zap.NewNop(), DefaultConfig())
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	enqueue(t, store, events.TypePaymentDeclined, base)
	captured := enqueue(t, store, events.TypePaymentCaptured, base.Add(time.Second))

	require.NoError(t, worker.ProcessBatch(ctx))

	require.Len(t, publisher.published, 1, "a failed event does not block the ones behind it")
	assert.Equal(t, captured.ID.String(), publisher.published[0].ID)

	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the failed event stays pending for redelivery")
	assert.Equal(t, events.TypePaymentDeclined, pending[0].EventType)

	// The broker recovers; the next cycle drains the leftover.
	publisher.failTypes = nil
	require.NoError(t, worker.ProcessBatch(ctx))
	pending, err = store.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessBatchSkipsMalformedPayload(t *testing.T) {
	store := repo.NewMemoryStore().Outbox()
	publisher := &capturingPublisher{}
	worker := NewWorker(store, publisher, zap.NewNop(), DefaultConfig())
	ctx := context.Background()

	bad := &domain.OutboxEvent{
		ID:          uuid.New(),
		EventType:   events.TypePaymentCaptured,
		Aggregate:   "subscription",
		AggregateID: uuid.NewString(),
		Payload:     []byte("not json"),
		CreatedAt:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.Enqueue(ctx, bad))

	require.NoError(t, worker.ProcessBatch(ctx))
	assert.Empty(t, publisher.published)
}

func TestProcessBatchHonorsBatchSize(t *testing.T) {
	store := repo.NewMemoryStore().Outbox()
	publisher := &capturingPublisher{}
	worker := NewWorker(store, publisher, zap.NewNop(), Config{Interval: time.Second, BatchSize: 2})
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		enqueue(t, store, events.TypeSubscriptionCreated, base.Add(time.Duration(i)*time.Second))
	}

	require.NoError(t, worker.ProcessBatch(ctx))
	assert.Len(t, publisher.published, 2)

	pending, err := store.GetPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
