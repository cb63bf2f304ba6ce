package provider

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"embedding-updater/internal/telemetry"
)

// Cached serves repeated texts from an in-process expirable LRU. Only successful results are cached.
type Cached struct {
	inner Provider
	cache *expirable.LRU[[sha256.Size]byte, []float32]
}

func NewCached(inner Provider, size int, ttl time.Duration) *Cached {
	return &Cached{inner: inner, cache: expirable.NewLRU[[sha256.Size]byte, []float32](size, nil, ttl)}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := sha256.Sum256([]byte(text))
	if v, ok := c.cache.Get(key); ok {
		telemetry.ProviderCacheHits.Inc()
		return clone(v), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, clone(v))
	return v, nil
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
