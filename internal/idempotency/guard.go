// Package idempotency remembers which message ids have already been applied.
//
// The guards here are fast-path filters. The authoritative record is written by the store in the
// same transaction as the profile update, so a guard miss never causes a double apply.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Guard answers whether a message id was applied and records new ones.
type Guard interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	Mark(ctx context.Context, messageID string) error
}

// Local is a bounded in-process guard. When full it drops the oldest half of its entries.
type Local struct {
	mu       sync.Mutex
	capacity int
	entries  *simplelru.LRU[string, time.Time]
	now      func() time.Time
}

// NewLocal creates a guard holding at most capacity ids.
func NewLocal(capacity int) (*Local, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("idempotency capacity must be at least 2, got %d", capacity)
	}
	// One spare slot so the LRU never evicts on its own; eviction is done in halves below.
	entries, err := simplelru.NewLRU[string, time.Time](capacity+1, nil)
	if err != nil {
		return nil, err
	}
	return &Local{capacity: capacity, entries: entries, now: time.Now}, nil
}

func (g *Local) Seen(_ context.Context, messageID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries.Contains(messageID), nil
}

func (g *Local) Mark(_ context.Context, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entries.Contains(messageID) {
		return nil
	}
	if g.entries.Len() >= g.capacity {
		for i := 0; i < g.capacity/2; i++ {
			g.entries.RemoveOldest()
		}
	}
	g.entries.Add(messageID, g.now())
	return nil
}

// Len returns the number of remembered ids.
func (g *Local) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entries.Len()
}

// Redis is a guard shared by every worker.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a shared guard whose entries expire after ttl.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "idem:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (g *Redis) key(messageID string) string {
	return g.prefix + messageID
}

func (g *Redis) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := g.client.Exists(ctx, g.key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

func (g *Redis) Mark(ctx context.Context, messageID string) error {
	err := g.client.SetNX(ctx, g.key(messageID), time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Err()
	if err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}

// Layered consults guards in order and back-fills earlier layers on a hit. Errors from a layer are
// logged and treated as a miss.
type Layered struct {
	layers []Guard
	logger *zap.Logger
}

// NewLayered builds a guard from fastest to slowest layer. Nil layers are skipped.
func NewLayered(logger *zap.Logger, layers ...Guard) *Layered {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]Guard, 0, len(layers))
	for _, l := range layers {
		if l != nil {
			out = append(out, l)
		}
	}
	return &Layered{layers: out, logger: logger}
}

func (g *Layered) Seen(ctx context.Context, messageID string) (bool, error) {
	for i, layer := range g.layers {
		seen, err := layer.Seen(ctx, messageID)
		if err != nil {
			g.logger.Warn("idempotency layer unavailable", zap.Int("layer", i), zap.String("message_id", messageID), zap.Error(err))
			continue
		}
		if !seen {
			continue
		}
		for j := 0; j < i; j++ {
			if err := g.layers[j].Mark(ctx, messageID); err != nil {
				g.logger.Debug("idempotency backfill failed", zap.Int("layer", j), zap.String("message_id", messageID), zap.Error(err))
			}
		}
		return true, nil
	}
	return false, nil
}

func (g *Layered) Mark(ctx context.Context, messageID string) error {
	var errs []error
	for _, layer := range g.layers {
		if err := layer.Mark(ctx, messageID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
