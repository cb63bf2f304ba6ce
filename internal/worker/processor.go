package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"embedding-updater/internal/handler"
	"embedding-updater/internal/models"
	"embedding-updater/internal/queue"
	"embedding-updater/internal/telemetry"
)

// MessageHandler applies one message and records the ones given up on.
type MessageHandler interface {
	Handle(ctx context.Context, msg models.UpdateUserEmbeddingMessage) (handler.Outcome, error)
	RecordDeadLetter(ctx context.Context, rec handler.DeadLetterRecord) (models.FailedJob, error)
}

// Options tunes the consumer loop.
type Options struct {
	Concurrency       int
	PollInterval      time.Duration
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	VisibilityTimeout time.Duration
	MessageBudget     time.Duration
	ReclaimBatchSize  int
}

// Processor drives the worker execution loop.
type Processor struct {
	opts     Options
	queue    *queue.RedisQueue
	handler  MessageHandler
	logger   *zap.Logger
	workerID string
}

// NewProcessor creates a processor with a worker ID for log correlation.
func NewProcessor(opts Options, q *queue.RedisQueue, h MessageHandler, workerID string, logger *zap.Logger) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.ReclaimBatchSize <= 0 {
		opts.ReclaimBatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		opts:     opts,
		queue:    q,
		handler:  h,
		logger:   logger.With(zap.String("worker_id", workerID)),
		workerID: workerID,
	}
}

// Run starts the consumers and the lease reaper until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	wg.Go(func() { p.maintain(ctx) })
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Go(func() { p.consume(ctx) })
	}
	p.logger.Info("worker started", zap.Int("concurrency", p.opts.Concurrency))
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) consume(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("dequeue failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.PollInterval):
		}
	}
}

// maintain promotes due retries, reclaims expired leases and publishes queue gauges.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()
	for {
		p.Reap(ctx, time.Now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reap runs one maintenance pass.
func (p *Processor) Reap(ctx context.Context, now time.Time) {
	batch := int64(p.opts.ReclaimBatchSize)
	if n, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
		p.logger.Warn("promote scheduled failed", zap.Error(err))
	} else if n > 0 {
		p.logger.Debug("promoted scheduled deliveries", zap.Int("count", n))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, batch); err != nil {
		p.logger.Warn("reclaim expired leases failed", zap.Error(err))
	} else if len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", zap.Strings("delivery_ids", reclaimed))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := p.queue.InFlightDepth(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

// ProcessOne leases and handles a single delivery. It reports false when nothing was ready.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	d, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	// Bookkeeping must finish even when shutdown cancels ctx mid-message.
	bg := context.WithoutCancel(ctx)
	log := p.logger.With(
		zap.String("delivery_id", d.ID),
		zap.Int("attempt", d.Attempts),
		zap.String("message_id", d.Message.MessageID),
	)

	if d.Malformed != nil {
		p.deadLetter(bg, d, d.Malformed, "malformed payload", true, log)
		return true, nil
	}

	if p.opts.MessageBudget > p.opts.VisibilityTimeout/2 {
		if err := p.queue.ExtendLease(ctx, d.ID, p.opts.MessageBudget+p.opts.VisibilityTimeout/2); err != nil {
			log.Warn("extend lease failed", zap.Error(err))
		}
	}

	outcome, herr := p.handler.Handle(ctx, d.Message)
	switch outcome {
	case handler.Ack:
		if err := p.queue.Ack(bg, d.ID); err != nil {
			log.Warn("ack failed, delivery will be reclaimed", zap.Error(err))
		}
	case handler.DeadLetter:
		p.deadLetter(bg, d, herr, "unrecoverable", true, log)
	default:
		if herr == nil {
			herr = errors.New("handler requested retry")
		}
		if ctx.Err() != nil {
			// Shutdown interrupted the attempt. The lease expires and another worker reclaims it.
			log.Info("shutdown during handling, delivery left for reclaim", zap.Error(herr))
			return true, nil
		}
		if d.Attempts >= p.opts.MaxAttempts {
			p.deadLetter(bg, d, herr, "retries exhausted", false, log)
			return true, nil
		}
		delay := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, d.Attempts)
		if err := p.queue.ScheduleRetry(bg, d.ID, time.Now().Add(delay), herr.Error()); err != nil {
			log.Warn("schedule retry failed, delivery will be reclaimed", zap.Error(err))
			return true, nil
		}
		telemetry.WorkerRetries.Inc()
		log.Info("retry scheduled", zap.Duration("delay", delay), zap.Error(herr))
	}
	return true, nil
}

// deadLetter parks the delivery in the DLQ and records a failed job. Unrecoverable records are
// stored abandoned so the retry sweep never replays them.
func (p *Processor) deadLetter(ctx context.Context, d *queue.Delivery, cause error, reason string, unrecoverable bool, log *zap.Logger) {
	if cause != nil {
		d.LastError = cause.Error()
	}
	if _, err := p.queue.DeadLetter(ctx, d, reason); err != nil {
		log.Error("dead letter push failed, delivery will be reclaimed", zap.Error(err))
		return
	}
	telemetry.WorkerDeadLetter.Inc()
	log.Error("moved to dead letter queue", zap.String("reason", reason), zap.Error(cause))

	if _, err := p.handler.RecordDeadLetter(ctx, handler.DeadLetterRecord{
		MessageID:     d.Message.MessageID,
		Payload:       d.Raw,
		Err:           cause,
		Deliveries:    d.Attempts,
		Reason:        reason,
		Unrecoverable: unrecoverable,
	}); err != nil {
		log.Error("failed job not recorded; record stays in the DLQ", zap.Error(err))
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
