package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"embedding-updater/internal/breaker"
	"embedding-updater/internal/models"
)

// IsNormalOutcome reports errors that are expected answers from the store rather than signs of an
// unhealthy dependency. The store breaker does not count them.
func IsNormalOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrAlreadyApplied)
}

// BreakerSettings returns breaker settings that ignore normal outcomes.
func BreakerSettings(threshold int, cooldown time.Duration) breaker.Settings {
	return breaker.Settings{Threshold: threshold, Cooldown: cooldown, IsSuccessful: IsNormalOutcome}
}

// Guarded runs every profile call through the store breaker with a per-call timeout.
type Guarded struct {
	store   *Store
	breaker *breaker.Breaker
	timeout time.Duration
}

func NewGuarded(s *Store, b *breaker.Breaker, timeout time.Duration) *Guarded {
	return &Guarded{store: s, breaker: b, timeout: timeout}
}

// Breaker exposes the breaker for health reporting.
func (g *Guarded) Breaker() *breaker.Breaker {
	return g.breaker
}

func (g *Guarded) FindByUserID(ctx context.Context, userID int64) (models.UserEmbedding, error) {
	return guard(ctx, g, func(ctx context.Context) (models.UserEmbedding, error) {
		return g.store.FindByUserID(ctx, userID)
	})
}

func (g *Guarded) UpsertWithVersionCheck(ctx context.Context, emb models.UserEmbedding, expectedVersion int64, messageID string) (models.UserEmbedding, error) {
	return guard(ctx, g, func(ctx context.Context) (models.UserEmbedding, error) {
		return g.store.UpsertWithVersionCheck(ctx, emb, expectedVersion, messageID)
	})
}

func (g *Guarded) ProductEmbedding(ctx context.Context, productID int64) ([]float32, error) {
	return guard(ctx, g, func(ctx context.Context) ([]float32, error) {
		return g.store.ProductEmbedding(ctx, productID)
	})
}

func (g *Guarded) MessageApplied(ctx context.Context, messageID string) (bool, error) {
	return guard(ctx, g, func(ctx context.Context) (bool, error) {
		return g.store.MessageApplied(ctx, messageID)
	})
}

// Delete removes a profile through the breaker like every other profile call.
func (g *Guarded) Delete(ctx context.Context, userID int64) error {
	_, err := guard(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.Delete(ctx, userID)
	})
	return err
}

func guard[T any](ctx context.Context, g *Guarded, op func(ctx context.Context) (T, error)) (T, error) {
	return breaker.Do(g.breaker, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		v, err := op(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return v, fmt.Errorf("%w after %s: %w", ErrTimeout, g.timeout, err)
		}
		return v, err
	})
}

// AppliedMessages is the idempotency layer backed by processed_messages. Marking happens inside
// UpsertWithVersionCheck, so Mark is a no-op.
type AppliedMessages struct {
	store *Guarded
}

func NewAppliedMessages(g *Guarded) *AppliedMessages {
	return &AppliedMessages{store: g}
}

func (a *AppliedMessages) Seen(ctx context.Context, messageID string) (bool, error) {
	return a.store.MessageApplied(ctx, messageID)
}

func (a *AppliedMessages) Mark(context.Context, string) error {
	return nil
}
