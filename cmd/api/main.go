package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"embedding-updater/internal/api"
	"embedding-updater/internal/config"
	"embedding-updater/internal/logging"
	"embedding-updater/internal/queue"
	"embedding-updater/internal/ratelimit"
	"embedding-updater/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.MustNew(cfg.LogLevel, cfg.Env == "dev")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		logger.Fatal("ping postgres", zap.Error(err))
	}

	rdb := queue.NewClient(cfg)
	defer func() { _ = rdb.Close() }()

	q := queue.NewRedisQueue(rdb, queue.Options{
		Name:              cfg.QueueName,
		DLQName:           cfg.DLQName,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	if err := q.Ping(ctx); err != nil {
		logger.Fatal("ping redis", zap.Error(err))
	}
	limiter := ratelimit.NewTokenBucket(rdb, "rl:events:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, q, limiter, st, nil, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
