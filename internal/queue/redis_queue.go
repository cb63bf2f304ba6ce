package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"embedding-updater/internal/config"
	"embedding-updater/internal/models"
)

// ErrMalformed marks a delivery whose stored payload cannot be decoded.
var ErrMalformed = errors.New("malformed delivery payload")

// NewClient builds the shared Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Delivery is one leased copy of a queued message.
type Delivery struct {
	ID         string
	Message    models.UpdateUserEmbeddingMessage
	Raw        []byte
	Attempts   int
	EnqueuedAt time.Time
	LastError  string
	// Malformed is set when Raw could not be decoded into Message.
	Malformed error
}

// DeadLetterRecord is what the DLQ list holds for each message that was given up on.
type DeadLetterRecord struct {
	DeliveryID     string          `json:"deliveryId"`
	MessageID      string          `json:"messageId,omitempty"`
	Message        json.RawMessage `json:"message"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError"`
	Reason         string          `json:"reason"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	DeadLetteredAt time.Time       `json:"deadLetteredAt"`
}

// Options names the keys a queue lives under.
type Options struct {
	Name              string
	DLQName           string
	VisibilityTimeout time.Duration
}

// RedisQueue coordinates ready, in-flight, and scheduled deliveries in Redis.
type RedisQueue struct {
	client        redis.UniversalClient
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
	now           func() time.Time
}

// NewRedisQueue builds a queue on top of client.
func NewRedisQueue(client redis.UniversalClient, opts Options) *RedisQueue {
	name := opts.Name
	if name == "" {
		name = "user-embedding"
	}
	dlq := opts.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	visibility := opts.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		metaPrefix:    name + ":delivery:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
		now:           time.Now,
	}
}

func (q *RedisQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// Publish stores msg and makes it ready for consumers. It returns the delivery id.
func (q *RedisQueue) Publish(ctx context.Context, msg models.UpdateUserEmbeddingMessage) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id),
		"message", raw,
		"enqueued_at", q.now().UTC().Format(time.RFC3339Nano),
		"attempts", 0,
	)
	pipe.RPush(ctx, q.readyKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}

// DequeueWithLease pops the next ready delivery, counts the attempt and places it in-flight with a
// visibility timeout. It returns nil when nothing is ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (*Delivery, error) {
	deadline := q.now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline, q.metaPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 5 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	d := &Delivery{}
	d.ID, _ = arr[0].(string)
	if n, ok := arr[1].(int64); ok {
		d.Attempts = int(n)
	}
	raw, _ := arr[2].(string)
	d.Raw = []byte(raw)
	if s, ok := arr[3].(string); ok {
		d.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	d.LastError, _ = arr[4].(string)
	if err := json.Unmarshal(d.Raw, &d.Message); err != nil {
		d.Malformed = fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return d, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight delivery.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a delivery from in-flight tracking and drops its payload.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// ScheduleRetry releases the lease and parks the delivery until runAt.
func (q *RedisQueue) ScheduleRetry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "last_error", lastErr)
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled deliveries into the ready list. It returns how many moved.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases whose worker never acked, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeadLetter moves a delivery to the DLQ with its failure metadata and releases it.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) (DeadLetterRecord, error) {
	rec := DeadLetterRecord{
		DeliveryID:     d.ID,
		MessageID:      d.Message.MessageID,
		Message:        json.RawMessage(d.Raw),
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		Reason:         reason,
		EnqueuedAt:     d.EnqueuedAt,
		DeadLetteredAt: q.now().UTC(),
	}
	if len(rec.Message) == 0 || !json.Valid(rec.Message) {
		quoted, _ := json.Marshal(string(d.Raw))
		rec.Message = quoted
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode dead letter: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, encoded)
	pipe.ZRem(ctx, q.inflightKey, d.ID)
	pipe.Del(ctx, q.metaKey(d.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return rec, fmt.Errorf("dead letter: %w", err)
	}
	return rec, nil
}

// DLQPeek reads the oldest count dead-letter records.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]DeadLetterRecord, error) {
	items, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetterRecord, 0, len(items))
	for _, item := range items {
		var rec DeadLetterRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DLQDepth returns the dead-letter list length.
func (q *RedisQueue) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

// ReadyDepth returns the ready list length.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlightDepth returns how many deliveries are currently leased.
func (q *RedisQueue) InFlightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// Ping checks Redis connectivity for readiness checks.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
local meta = ARGV[2] .. job
local fields = redis.call('HMGET', meta, 'message', 'enqueued_at', 'last_error')
if not fields[1] then
  redis.call('DEL', meta)
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local attempts = redis.call('HINCRBY', meta, 'attempts', 1)
return {job, attempts, fields[1], fields[2] or '', fields[3] or ''}
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return ids
`)
