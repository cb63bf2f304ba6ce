package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"embedding-updater/internal/archive"
	"embedding-updater/internal/config"
	"embedding-updater/internal/logging"
	"embedding-updater/internal/models"
	"embedding-updater/internal/pipeline"
	"embedding-updater/internal/retry"
	"embedding-updater/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.MustNew(cfg.LogLevel, cfg.Env == "dev")
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(cfg, logger, os.Stdout).ExecuteContext(ctx); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd(cfg config.Config, logger *zap.Logger, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "failedjobs",
		Short:         "replay and archive failed embedding updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRetryCmd(cfg, logger, out),
		newStatsCmd(cfg, out),
		newExportCmd(cfg, out),
		newMigrateCmd(cfg, logger),
	)
	return root
}

func newRetryCmd(cfg config.Config, logger *zap.Logger, out io.Writer) *cobra.Command {
	var opts retry.Options
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "replay due failed jobs through the update handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			p, err := pipeline.Build(ctx, cfg, false, logger)
			if err != nil {
				return err
			}
			defer p.Close()
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
			res, err := sweeper.Run(ctx, opts)
			if err != nil {
				return err
			}
			return writeJSON(out, res)
		},
	}
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", cfg.RetryBatchSize, "maximum jobs to replay")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list due jobs without replaying them")
	return cmd
}

func newStatsCmd(cfg config.Config, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "count failed jobs per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.New(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer st.Close()
			counts, err := st.CountFailedJobsByStatus(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(out, counts)
		},
	}
}

func newExportCmd(cfg config.Config, out io.Writer) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "archive failed jobs with one status as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := store.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer st.Close()
			uploader, err := archive.NewUploader(ctx, cfg)
			if err != nil {
				return err
			}
			location, n, err := archive.NewExporter(st, uploader, limit).Export(ctx, status)
			if err != nil {
				return err
			}
			return writeJSON(out, map[string]any{"status": status, "count": n, "location": location})
		},
	}
	cmd.Flags().StringVar(&status, "status", models.FailedStatusAbandoned, "failed job status to export")
	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum jobs per export")
	return cmd
}

func newMigrateCmd(cfg config.Config, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return store.Migrate(cmd.Context(), cfg.PostgresDSN, logger)
		},
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
