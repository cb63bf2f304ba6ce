package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"embedding-updater/internal/models"
)

func newQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, Options{Name: "test", VisibilityTimeout: time.Minute}), client
}

func sampleMessage() models.UpdateUserEmbeddingMessage {
	product := int64(7)
	at := time.Date(2026, 2, 14, 10, 30, 0, 0, time.UTC)
	return models.UpdateUserEmbeddingMessage{
		UserID:     42,
		EventType:  models.EventProductPurchase,
		ProductID:  &product,
		OccurredAt: at,
		Metadata:   map[string]string{"source": "checkout"},
		MessageID:  models.MessageID(42, models.EventProductPurchase, "", 7, at),
	}
}

func TestPublishDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	id, err := q.Publish(ctx, sampleMessage())
	require.NoError(t, err)
	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, id, d.ID)
	require.Equal(t, 1, d.Attempts)
	require.NoError(t, d.Malformed)
	require.Equal(t, sampleMessage().MessageID, d.Message.MessageID)
	require.Equal(t, int64(7), d.Message.Product())
	require.False(t, d.EnqueuedAt.IsZero())

	inflight, _ := q.InFlightDepth(ctx)
	require.Equal(t, int64(1), inflight)

	require.NoError(t, q.Ack(ctx, id))
	inflight, _ = q.InFlightDepth(ctx)
	require.Zero(t, inflight)

	d, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestScheduleRetryAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	id, err := q.Publish(ctx, sampleMessage())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, q.ScheduleRetry(ctx, id, now.Add(10*time.Second), "provider unavailable"))

	n, err := q.PromoteScheduled(ctx, now, 10)
	require.NoError(t, err)
	require.Zero(t, n, "not yet due")

	n, err = q.PromoteScheduled(ctx, now.Add(11*time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempts)
	require.Equal(t, "provider unavailable", d.LastError)
}

func TestRequeueExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	id, err := q.Publish(ctx, sampleMessage())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	ids, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, ids)

	ids, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, id, d.ID)
	require.Equal(t, 2, d.Attempts)
}

func TestDeadLetterKeepsPayloadAndMetadata(t *testing.T) {
	ctx := context.Background()
	q, client := newQueue(t)
	id, err := q.Publish(ctx, sampleMessage())
	require.NoError(t, err)
	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	d.LastError = "dimension mismatch"

	_, err = q.DeadLetter(ctx, d, "unrecoverable")
	require.NoError(t, err)

	recs, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, id, recs[0].DeliveryID)
	require.Equal(t, sampleMessage().MessageID, recs[0].MessageID)
	require.Equal(t, 1, recs[0].Attempts)
	require.Equal(t, "unrecoverable", recs[0].Reason)
	require.Contains(t, string(recs[0].Message), `"productId":7`)

	exists, err := client.Exists(ctx, q.metaKey(id)).Result()
	require.NoError(t, err)
	require.Zero(t, exists)
	depth, _ := q.DLQDepth(ctx)
	require.Equal(t, int64(1), depth)
}

func TestMalformedPayloadIsFlagged(t *testing.T) {
	ctx := context.Background()
	q, client := newQueue(t)
	require.NoError(t, client.HSet(ctx, q.metaKey("bad"), "message", "{not json", "enqueued_at", "").Err())
	require.NoError(t, client.RPush(ctx, q.readyKey, "bad").Err())

	d, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, d.Malformed, ErrMalformed)

	_, err = q.DeadLetter(ctx, d, "malformed")
	require.NoError(t, err)
	recs, err := q.DLQPeek(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, `"{not json"`, string(recs[0].Message))
}

func TestExtendLeaseDefersReclaim(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	id, err := q.Publish(ctx, sampleMessage())
	require.NoError(t, err)
	_, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)

	require.NoError(t, q.ExtendLease(ctx, id, 10*time.Minute))
	ids, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, ids)
}
