package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"embedding-updater/internal/api"
	"embedding-updater/internal/config"
	"embedding-updater/internal/logging"
	"embedding-updater/internal/pipeline"
	"embedding-updater/internal/retry"
	workerproc "embedding-updater/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.MustNew(cfg.LogLevel, cfg.Env == "dev")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	p, err := pipeline.Build(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = "worker-" + uuid.NewString()[:8]
		}
	}

	processor := workerproc.NewProcessor(workerproc.Options{
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxAttempts:       cfg.MaxAttempts,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		VisibilityTimeout: cfg.VisibilityTimeout,
		MessageBudget:     cfg.MessageBudget,
		ReclaimBatchSize:  cfg.ReclaimBatchSize,
	}, p.Queue, p.Handler, workerID, logger)

	sweeper, err := retry.NewSweeper(p.Store, p.Handler, retry.Settings{
		PoolSize:    cfg.RetryPoolSize,
		MaxAttempts: cfg.RetryMaxAttempts,
		BatchSize:   cfg.RetryBatchSize,
		ClaimLease:  cfg.RetryClaimLease,
	}, logger)
	if err != nil {
		return err
	}
	defer sweeper.Release()

	scheduler := retry.NewCronScheduler(logger)
	if err := scheduler.AddJob(sweeper, cfg.RetrySweepSchedule); err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	opsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           api.OpsRouter(p.Reporter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker starting",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
		zap.String("retry_schedule", cfg.RetrySweepSchedule),
	)
	return processor.Run(ctx)
}
