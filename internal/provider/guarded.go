package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"embedding-updater/internal/breaker"
	"embedding-updater/internal/models"
)

const throttleKey = "embedding-provider"

// Throttle blocks until a shared provider token is available.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// GuardOptions configures Guarded.
type GuardOptions struct {
	Dimensions     int
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Throttle       Throttle // optional
}

// IsProviderHealthy reports errors that say nothing about provider health. The provider breaker
// does not count them.
func IsProviderHealthy(err error) bool {
	return err == nil || errors.Is(err, models.ErrDimensionMismatch) || errors.Is(err, context.Canceled)
}

// BreakerSettings returns breaker settings for the provider dependency.
func BreakerSettings(threshold int, cooldown time.Duration) breaker.Settings {
	return breaker.Settings{Threshold: threshold, Cooldown: cooldown, IsSuccessful: IsProviderHealthy}
}

// Guarded wraps a Provider with the provider breaker, a per-attempt timeout, bounded retries and a
// dimensionality check. A wrong-length response is never retried.
type Guarded struct {
	inner   Provider
	breaker *breaker.Breaker
	opts    GuardOptions
	logger  *zap.Logger
}

func NewGuarded(inner Provider, b *breaker.Breaker, opts GuardOptions, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Guarded{inner: inner, breaker: b, opts: opts, logger: logger.With(zap.String("dependency", b.Name()))}
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.breaker
}

func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	return breaker.Do(g.breaker, func() ([]float32, error) {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = g.opts.InitialBackoff
		bo.MaxInterval = 10 * g.opts.InitialBackoff
		attempt := 0
		return backoff.Retry(ctx, func() ([]float32, error) {
			attempt++
			v, err := g.attempt(ctx, text)
			if err != nil && !errors.Is(err, models.ErrDimensionMismatch) {
				g.logger.Warn("embedding attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			}
			return v, err
		}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(g.opts.MaxRetries+1)))
	})
}

func (g *Guarded) attempt(ctx context.Context, text string) ([]float32, error) {
	if g.opts.Throttle != nil {
		if err := g.opts.Throttle.Wait(ctx, throttleKey); err != nil {
			return nil, fmt.Errorf("%w: throttle: %w", ErrUnavailable, err)
		}
	}
	callCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	v, err := g.inner.Embed(callCtx, text)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: timed out after %s", ErrUnavailable, g.opts.Timeout)
		}
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := models.CheckDimensions(v, g.opts.Dimensions); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("provider response: %w", err))
	}
	return v, nil
}
