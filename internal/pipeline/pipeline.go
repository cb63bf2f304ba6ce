// Package pipeline assembles the embedding update handler and its dependencies from config. The
// worker and the operator CLI share it so a replayed job runs through exactly the same guards.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"embedding-updater/internal/breaker"
	"embedding-updater/internal/config"
	"embedding-updater/internal/decay"
	"embedding-updater/internal/handler"
	"embedding-updater/internal/health"
	"embedding-updater/internal/idempotency"
	"embedding-updater/internal/monitor"
	"embedding-updater/internal/provider"
	"embedding-updater/internal/queue"
	"embedding-updater/internal/ratelimit"
	"embedding-updater/internal/store"
)

// Pipeline owns every long-lived connection. Close releases them.
type Pipeline struct {
	Config   config.Config
	Store    *store.Store
	Redis    *redis.Client
	Queue    *queue.RedisQueue
	Handler  *handler.Handler
	Monitor  *monitor.Monitor
	Reporter *health.Reporter
}

// Build connects to Postgres and Redis, runs migrations when migrate is set, and wires the handler.
func Build(ctx context.Context, cfg config.Config, migrate bool, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if migrate {
		if err := store.Migrate(ctx, cfg.PostgresDSN, logger); err != nil {
			return nil, err
		}
	}
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	rdb := queue.NewClient(cfg)
	p := &Pipeline{Config: cfg, Store: st, Redis: rdb}
	if err := st.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := p.wire(ctx, logger); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) wire(ctx context.Context, logger *zap.Logger) error {
	cfg := p.Config

	storeBreaker := breaker.New("store", store.BreakerSettings(cfg.BreakerThreshold, cfg.BreakerCooldown), logger)
	profiles := store.NewGuarded(p.Store, storeBreaker, cfg.StoreTimeout)

	emb, err := buildProvider(ctx, cfg, p.Redis, logger)
	if err != nil {
		return err
	}

	local, err := idempotency.NewLocal(cfg.IdempotencyCapacity)
	if err != nil {
		return err
	}
	guard := idempotency.NewLayered(logger,
		local,
		idempotency.NewRedis(p.Redis, cfg.QueueName+":applied:", cfg.IdempotencyTTL),
		store.NewAppliedMessages(profiles),
	)

	calc, err := decay.FromHalfLife(cfg.DecayHalfLife)
	if err != nil {
		return err
	}

	p.Monitor = monitor.New(monitor.Options{
		Window:        cfg.FailureRateWindow,
		Threshold:     cfg.FailureRateThreshold,
		AlertCooldown: cfg.AlertCooldown,
	}, logger)

	h, err := handler.New(handler.Deps{
		Store:      profiles,
		Catalog:    profiles,
		Provider:   emb.provider,
		Guard:      guard,
		Calculator: calc,
		FailedJobs: p.Store,
		Monitor:    p.Monitor,
	}, handler.Options{
		Dimensions:      cfg.EmbeddingDimensions,
		ConflictRetries: cfg.ConflictRetries,
		MessageBudget:   cfg.MessageBudget,
		FutureSkew:      cfg.FutureSkew,
	}, logger)
	if err != nil {
		return err
	}
	p.Handler = h
	p.Queue = queue.NewRedisQueue(p.Redis, queue.Options{
		Name:              cfg.QueueName,
		DLQName:           cfg.DLQName,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	if err := p.Queue.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	p.Reporter = health.NewReporter(p.Monitor, storeBreaker, emb.breaker)
	return nil
}

type guardedProvider struct {
	provider provider.Provider
	breaker  *breaker.Breaker
}

// buildProvider stacks cache over guard over the raw client so cache hits skip throttling and the
// breaker.
func buildProvider(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *zap.Logger) (guardedProvider, error) {
	raw, err := provider.New(ctx, provider.Settings{
		Kind:       cfg.EmbeddingProvider,
		APIKey:     cfg.EmbeddingAPIKey,
		BaseURL:    cfg.EmbeddingBaseURL,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	}, logger)
	if err != nil {
		return guardedProvider{}, err
	}
	b := breaker.New("provider", provider.BreakerSettings(cfg.BreakerThreshold, cfg.BreakerCooldown), logger)
	opts := provider.GuardOptions{
		Dimensions:     cfg.EmbeddingDimensions,
		Timeout:        cfg.EmbeddingTimeout,
		MaxRetries:     cfg.EmbeddingMaxRetries,
		InitialBackoff: 200 * time.Millisecond,
	}
	if cfg.EmbeddingRateCapacity > 0 {
		opts.Throttle = ratelimit.NewTokenBucket(rdb, "rl:provider:", cfg.EmbeddingRateCapacity, cfg.EmbeddingRateRefill, time.Hour)
	}
	var out provider.Provider = provider.NewGuarded(raw, b, opts, logger)
	if cfg.EmbeddingCacheSize > 0 {
		out = provider.NewCached(out, cfg.EmbeddingCacheSize, cfg.EmbeddingCacheTTL)
	}
	return guardedProvider{provider: out, breaker: b}, nil
}

func (p *Pipeline) Close() {
	if p.Redis != nil {
		_ = p.Redis.Close()
	}
	if p.Store != nil {
		p.Store.Close()
	}
}
