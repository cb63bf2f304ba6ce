// Package retry replays dead-lettered messages recorded as failed jobs.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"embedding-updater/internal/handler"
	"embedding-updater/internal/models"
	"embedding-updater/internal/store"
	"embedding-updater/internal/telemetry"
)

// JobStore is the failed-job persistence the sweep works against.
type JobStore interface {
	DueFailedJobs(ctx context.Context, now time.Time, limit int) ([]models.FailedJob, error)
	ClaimDueFailedJobs(ctx context.Context, now time.Time, limit int) ([]models.FailedJob, error)
	RequeueStaleFailedJobs(ctx context.Context, claimedBefore time.Time) (int64, error)
	TransitionFailedJob(ctx context.Context, id, from, to string, attempts int, retryAfter time.Time, lastErr string) error
	CountFailedJobsByStatus(ctx context.Context) (map[string]int64, error)
}

// Replayer re-applies a message.
type Replayer interface {
	Handle(ctx context.Context, msg models.UpdateUserEmbeddingMessage) (handler.Outcome, error)
}

// Options controls one sweep.
type Options struct {
	BatchSize int
	// DryRun lists due jobs without claiming or replaying them.
	DryRun bool
}

// Settings sizes a Sweeper.
type Settings struct {
	PoolSize    int
	MaxAttempts int
	BatchSize   int
	// ClaimLease is how long a job may stay in retrying before a later sweep hands it back.
	ClaimLease time.Duration
}

// Result summarises one sweep.
type Result struct {
	Due         []models.FailedJob `json:"due,omitempty"`
	Requeued    int64              `json:"requeued"`
	Claimed     int                `json:"claimed"`
	Released    int                `json:"released"`
	Resolved    int                `json:"resolved"`
	Rescheduled int                `json:"rescheduled"`
	Abandoned   int                `json:"abandoned"`
	Stale       int                `json:"stale"`
	Errors      int                `json:"errors"`
}

// Sweeper is safe for concurrent use; overlapping sweeps never claim the same job.
type Sweeper struct {
	store       JobStore
	replayer    Replayer
	pool        *ants.Pool
	maxAttempts int
	batchSize   int
	claimLease  time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewSweeper creates a sweeper replaying up to set.PoolSize jobs at once.
func NewSweeper(st JobStore, r Replayer, set Settings, logger *zap.Logger) (*Sweeper, error) {
	if set.PoolSize < 1 {
		set.PoolSize = 1
	}
	if set.MaxAttempts < 1 {
		set.MaxAttempts = 1
	}
	if set.BatchSize < 1 {
		set.BatchSize = 100
	}
	if set.ClaimLease <= 0 {
		set.ClaimLease = 30 * time.Minute
	}
	pool, err := ants.NewPool(set.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("retry pool: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:       st,
		replayer:    r,
		pool:        pool,
		maxAttempts: set.MaxAttempts,
		batchSize:   set.BatchSize,
		claimLease:  set.ClaimLease,
		logger:      logger.With(zap.String("component", "retry-sweep")),
		now:         time.Now,
	}, nil
}

// Release stops the worker pool.
func (s *Sweeper) Release() {
	s.pool.Release()
}

// Name identifies the sweep in the scheduler.
func (s *Sweeper) Name() string {
	return "failed-job-retry"
}

// Stats returns counts per status.
func (s *Sweeper) Stats(ctx context.Context) (map[string]int64, error) {
	return s.store.CountFailedJobsByStatus(ctx)
}

// Sweep runs with the default batch size; it is what the scheduler calls.
func (s *Sweeper) Sweep(ctx context.Context) error {
	res, err := s.Run(ctx, Options{BatchSize: s.batchSize})
	if err != nil {
		return err
	}
	if res.Claimed > 0 || res.Requeued > 0 {
		s.logger.Info("retry sweep finished",
			zap.Int64("requeued", res.Requeued),
			zap.Int("claimed", res.Claimed),
			zap.Int("released", res.Released),
			zap.Int("resolved", res.Resolved),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("abandoned", res.Abandoned),
		)
	}
	return nil
}

// Run claims due failed jobs and replays them through the handler.
func (s *Sweeper) Run(ctx context.Context, opts Options) (Result, error) {
	limit := opts.BatchSize
	if limit <= 0 {
		limit = s.batchSize
	}
	now := s.now().UTC()
	if opts.DryRun {
		due, err := s.store.DueFailedJobs(ctx, now, limit)
		if err != nil {
			return Result{}, err
		}
		return Result{Due: due}, nil
	}

	// Jobs left in retrying by a sweep that died are handed back before claiming.
	requeued, err := s.store.RequeueStaleFailedJobs(ctx, now.Add(-s.claimLease))
	if err != nil {
		return Result{}, err
	}
	if requeued > 0 {
		s.logger.Warn("requeued stale retrying jobs", zap.Int64("count", requeued), zap.Duration("claim_lease", s.claimLease))
	}

	jobs, err := s.store.ClaimDueFailedJobs(ctx, now, limit)
	if err != nil {
		return Result{Requeued: requeued}, err
	}
	res := Result{Requeued: requeued, Claimed: len(jobs)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	var submitErr error
	for _, job := range jobs {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			to, err := s.replay(ctx, job)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, store.ErrStaleTransition) {
				res.Stale++
				return
			}
			if err != nil {
				res.Errors++
				return
			}
			switch to {
			case statusReleased:
				res.Released++
			case models.FailedStatusResolved:
				res.Resolved++
			case models.FailedStatusFailed:
				res.Rescheduled++
			case models.FailedStatusAbandoned:
				res.Abandoned++
			}
		})
		if err != nil {
			wg.Done()
			submitErr = errors.Join(submitErr, fmt.Errorf("submit failed job %s: %w", job.ID, err))
			_ = s.release(ctx, job, err)
		}
	}
	wg.Wait()
	return res, submitErr
}

// statusReleased marks a job handed back to failed untouched because the sweep is shutting down.
const statusReleased = "released"

// replay re-applies one claimed job and moves it out of retrying. It returns the new status.
func (s *Sweeper) replay(ctx context.Context, job models.FailedJob) (string, error) {
	log := s.logger.With(zap.String("failed_job_id", job.ID), zap.String("message_id", job.SubjectID))
	if ctx.Err() != nil {
		return statusReleased, s.release(ctx, job, ctx.Err())
	}
	attempts := job.Attempts + 1
	now := s.now().UTC()

	var msg models.UpdateUserEmbeddingMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return s.finish(ctx, log, job, models.FailedStatusAbandoned, attempts, now, fmt.Errorf("decode payload: %w", err))
	}

	outcome, err := s.replayer.Handle(ctx, msg)
	if outcome == handler.Retry && ctx.Err() != nil {
		// Interrupted by shutdown; the attempt does not count.
		log.Info("replay interrupted, job released", zap.Error(err))
		return statusReleased, s.release(ctx, job, err)
	}
	switch outcome {
	case handler.Ack:
		return s.finish(ctx, log, job, models.FailedStatusResolved, attempts, now, nil)
	case handler.DeadLetter:
		return s.finish(ctx, log, job, models.FailedStatusAbandoned, attempts, now, err)
	default:
		if attempts >= s.maxAttempts {
			return s.finish(ctx, log, job, models.FailedStatusAbandoned, attempts, now, err)
		}
		return s.finish(ctx, log, job, models.FailedStatusFailed, attempts, now, err)
	}
}

func (s *Sweeper) finish(ctx context.Context, log *zap.Logger, job models.FailedJob, to string, attempts int, now time.Time, cause error) (string, error) {
	retryAfter := job.RetryAfter
	if to == models.FailedStatusFailed {
		retryAfter = models.NextRetryAfter(now, attempts)
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	bg := context.WithoutCancel(ctx)
	if err := s.store.TransitionFailedJob(bg, job.ID, models.FailedStatusRetrying, to, attempts, retryAfter, lastErr); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Warn("failed job changed during replay", zap.String("to", to))
		} else {
			log.Error("failed job transition failed", zap.String("to", to), zap.Error(err))
		}
		return to, err
	}
	telemetry.FailedJobsReplayed.WithLabelValues(to).Inc()
	switch to {
	case models.FailedStatusResolved:
		log.Info("failed job resolved", zap.Int("attempts", attempts))
	case models.FailedStatusAbandoned:
		log.Warn("failed job abandoned", zap.Int("attempts", attempts), zap.Error(cause))
	default:
		log.Info("failed job rescheduled", zap.Int("attempts", attempts), zap.Time("retry_after", retryAfter), zap.Error(cause))
	}
	return to, nil
}

// release hands a claimed job back to failed with its attempts and due time unchanged.
func (s *Sweeper) release(ctx context.Context, job models.FailedJob, cause error) error {
	bg := context.WithoutCancel(ctx)
	if err := s.store.TransitionFailedJob(bg, job.ID, models.FailedStatusRetrying, models.FailedStatusFailed, job.Attempts, job.RetryAfter, ""); err != nil {
		s.logger.Error("release failed job", zap.String("failed_job_id", job.ID), zap.Error(err), zap.NamedError("cause", cause))
		return err
	}
	return nil
}
