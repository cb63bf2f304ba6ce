package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"embedding-updater/internal/handler"
	"embedding-updater/internal/models"
	"embedding-updater/internal/provider"
	"embedding-updater/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b60 := backoffWithJitter(base, max, 60)
	if b60 < max/2 || b60 > max {
		t.Fatalf("backoff must stay capped: %s", b60)
	}
}

type scriptedHandler struct {
	mu       sync.Mutex
	outcomes []handler.Outcome
	err      error
	handled  []models.UpdateUserEmbeddingMessage
	recorded []handler.DeadLetterRecord
	onHandle func()
}

func (h *scriptedHandler) Handle(_ context.Context, msg models.UpdateUserEmbeddingMessage) (handler.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, msg)
	if h.onHandle != nil {
		h.onHandle()
	}
	out := handler.Ack
	if len(h.outcomes) > 0 {
		out, h.outcomes = h.outcomes[0], h.outcomes[1:]
	}
	if out == handler.Ack {
		return out, nil
	}
	return out, h.err
}

func (h *scriptedHandler) RecordDeadLetter(_ context.Context, rec handler.DeadLetterRecord) (models.FailedJob, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recorded = append(h.recorded, rec)
	return models.FailedJob{ID: "fj"}, nil
}

func setup(t *testing.T, h MessageHandler, maxAttempts int) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, queue.Options{Name: "w", VisibilityTimeout: time.Minute})
	p := NewProcessor(Options{
		Concurrency:       2,
		PollInterval:      10 * time.Millisecond,
		MaxAttempts:       maxAttempts,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        time.Millisecond,
		VisibilityTimeout: time.Minute,
		MessageBudget:     time.Second,
	}, q, h, "worker-test", zaptest.NewLogger(t))
	return p, q
}

func message(userID int64, phrase string) models.UpdateUserEmbeddingMessage {
	at := time.Now().Add(-time.Minute).UTC()
	return models.UpdateUserEmbeddingMessage{
		UserID:       userID,
		EventType:    models.EventSearch,
		SearchPhrase: &phrase,
		OccurredAt:   at,
		MessageID:    models.MessageID(userID, models.EventSearch, phrase, 0, at),
	}
}

func TestProcessOneAcks(t *testing.T) {
	ctx := context.Background()
	h := &scriptedHandler{}
	p, q := setup(t, h, 3)
	_, err := q.Publish(ctx, message(1, "lamp"))
	require.NoError(t, err)

	processed, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, h.handled, 1)
	inflight, _ := q.InFlightDepth(ctx)
	require.Zero(t, inflight)

	processed, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	require.False(t, processed)
}

func TestRetryIsScheduledThenDeadLetteredWhenExhausted(t *testing.T) {
	ctx := context.Background()
	h := &scriptedHandler{
		outcomes: []handler.Outcome{handler.Retry, handler.Retry},
		err:      provider.ErrUnavailable,
	}
	p, q := setup(t, h, 2)
	msg := message(2, "desk")
	_, err := q.Publish(ctx, msg)
	require.NoError(t, err)

	processed, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	depth, _ := q.ReadyDepth(ctx)
	require.Zero(t, depth, "retry waits in the scheduled set")

	time.Sleep(5 * time.Millisecond)
	p.Reap(ctx, time.Now())
	depth, _ = q.ReadyDepth(ctx)
	require.Equal(t, int64(1), depth)

	processed, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	recs, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "retries exhausted", recs[0].Reason)
	require.Equal(t, 2, recs[0].Attempts)
	require.Contains(t, recs[0].LastError, provider.ErrUnavailable.Error())

	require.Len(t, h.recorded, 1)
	require.Equal(t, msg.MessageID, h.recorded[0].MessageID)
	require.Equal(t, 2, h.recorded[0].Deliveries)
	require.ErrorIs(t, h.recorded[0].Err, provider.ErrUnavailable)
	require.False(t, h.recorded[0].Unrecoverable)
}

func TestShutdownOnLastAttemptLeavesDeliveryLeased(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &scriptedHandler{
		outcomes: []handler.Outcome{handler.Retry},
		err:      context.Canceled,
		onHandle: cancel,
	}
	p, q := setup(t, h, 1)
	_, err := q.Publish(ctx, message(4, "shelf"))
	require.NoError(t, err)

	processed, err := p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	bg := context.Background()
	dlq, err := q.DLQDepth(bg)
	require.NoError(t, err)
	require.Zero(t, dlq)
	inflight, err := q.InFlightDepth(bg)
	require.NoError(t, err)
	require.Equal(t, int64(1), inflight)
	require.Empty(t, h.recorded)
}

func TestDeadLetterOutcomeSkipsRetries(t *testing.T) {
	ctx := context.Background()
	h := &scriptedHandler{outcomes: []handler.Outcome{handler.DeadLetter}, err: models.ErrDimensionMismatch}
	p, q := setup(t, h, 5)
	_, err := q.Publish(ctx, message(3, "rug"))
	require.NoError(t, err)

	_, err = p.ProcessOne(ctx)
	require.NoError(t, err)
	recs, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "unrecoverable", recs[0].Reason)
	require.Equal(t, 1, recs[0].Attempts)
	require.Len(t, h.recorded, 1)
	require.True(t, h.recorded[0].Unrecoverable)
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	h := &scriptedHandler{}
	p, q := setup(t, h, 3)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		_, err := q.Publish(ctx, message(int64(10+i), "item"))
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.handled) == 5
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
}
