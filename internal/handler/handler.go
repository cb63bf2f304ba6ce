// Package handler applies one user event to that user's stored taste profile.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"embedding-updater/internal/decay"
	"embedding-updater/internal/idempotency"
	"embedding-updater/internal/models"
	"embedding-updater/internal/provider"
	"embedding-updater/internal/store"
	"embedding-updater/internal/telemetry"
)

// Outcome tells the consumer what to do with a delivery.
type Outcome int

const (
	// Ack completes the delivery.
	Ack Outcome = iota
	// Retry asks the consumer to redeliver later with backoff.
	Retry
	// DeadLetter means the message can never succeed.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ProfileStore is the version-checked profile persistence the handler writes through.
type ProfileStore interface {
	FindByUserID(ctx context.Context, userID int64) (models.UserEmbedding, error)
	UpsertWithVersionCheck(ctx context.Context, emb models.UserEmbedding, expectedVersion int64, messageID string) (models.UserEmbedding, error)
}

// ProductCatalog serves pre-computed product embeddings.
type ProductCatalog interface {
	ProductEmbedding(ctx context.Context, productID int64) ([]float32, error)
}

// FailedJobRecorder persists dead-letter records.
type FailedJobRecorder interface {
	RecordFailedJob(ctx context.Context, job models.FailedJob) (models.FailedJob, error)
}

// FailureRecorder receives every outcome for failure-rate tracking.
type FailureRecorder interface {
	RecordSuccess()
	RecordFailure(reason string, fields ...zap.Field)
}

// Options holds the handler's tunables.
type Options struct {
	Dimensions      int
	ConflictRetries int
	MessageBudget   time.Duration
	FutureSkew      time.Duration
}

// Deps are the collaborators a Handler needs. Catalog, FailedJobs and Monitor are optional.
type Deps struct {
	Store      ProfileStore
	Catalog    ProductCatalog
	Provider   provider.Provider
	Guard      idempotency.Guard
	Calculator *decay.Calculator
	FailedJobs FailedJobRecorder
	Monitor    FailureRecorder
}

// Handler is safe for concurrent use by many consumers.
type Handler struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(deps Deps, opts Options, logger *zap.Logger) (*Handler, error) {
	if deps.Store == nil || deps.Provider == nil || deps.Guard == nil || deps.Calculator == nil {
		return nil, errors.New("handler requires store, provider, guard and calculator")
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("handler dimensions must be positive, got %d", opts.Dimensions)
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Monitor == nil {
		deps.Monitor = nopMonitor{}
	}
	return &Handler{deps: deps, opts: opts, logger: logger, now: time.Now}, nil
}

// Handle processes one message. The error is nil only for Ack.
func (h *Handler) Handle(ctx context.Context, msg models.UpdateUserEmbeddingMessage) (Outcome, error) {
	start := h.now()
	outcome, err := h.handle(ctx, msg, start)
	telemetry.HandleDuration.Observe(time.Since(start).Seconds())
	telemetry.HandlerOutcomes.WithLabelValues(outcome.String()).Inc()
	return outcome, err
}

func (h *Handler) handle(ctx context.Context, msg models.UpdateUserEmbeddingMessage, now time.Time) (Outcome, error) {
	log := h.logger.With(
		zap.String("message_id", msg.MessageID),
		zap.Int64("user_id", msg.UserID),
		zap.String("event_type", msg.EventType.String()),
	)

	if err := msg.Validate(h.opts.Dimensions, now, h.opts.FutureSkew); err != nil {
		return h.deadLetter(log, err, "invalid message")
	}

	seen, err := h.deps.Guard.Seen(ctx, msg.MessageID)
	if err != nil {
		log.Warn("idempotency check failed, continuing", zap.Error(err))
	}
	if seen {
		telemetry.DuplicatesSkipped.Inc()
		log.Info("duplicate skipped")
		return Ack, nil
	}

	if h.opts.MessageBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.MessageBudget)
		defer cancel()
	}

	current, found, err := h.load(ctx, msg.UserID)
	if err != nil {
		if models.IsUnrecoverable(err) {
			return h.deadLetter(log, err, "corrupt stored profile")
		}
		return h.retry(log, err, "load profile")
	}

	event, err := h.eventEmbedding(ctx, msg, log)
	if err != nil {
		if models.IsUnrecoverable(err) {
			return h.deadLetter(log, err, "unusable event embedding")
		}
		return h.retry(log, err, "event embedding")
	}

	weight := msg.EventType.Weight()
	for attempt := 0; ; attempt++ {
		var prev []float32
		var prevUpdatedAt time.Time
		var expected int64
		if found {
			prev, prevUpdatedAt, expected = current.Vector, current.UpdatedAt, current.Version
		} else {
			telemetry.ColdStarts.Inc()
			log.Info("cold start")
		}

		// A concurrent writer that started later may have stamped a newer time; never move it back.
		writeAt := now
		if prevUpdatedAt.After(writeAt) {
			writeAt = prevUpdatedAt
		}

		blended, err := h.deps.Calculator.Blend(prev, prevUpdatedAt, event, weight, writeAt)
		if err != nil {
			if models.IsUnrecoverable(err) {
				return h.deadLetter(log, err, "blend")
			}
			return h.retry(log, err, "blend")
		}

		written, err := h.deps.Store.UpsertWithVersionCheck(ctx, models.UserEmbedding{
			UserID:    msg.UserID,
			Vector:    blended,
			UpdatedAt: writeAt,
		}, expected, msg.MessageID)
		switch {
		case err == nil:
			h.mark(ctx, msg.MessageID, log)
			h.deps.Monitor.RecordSuccess()
			log.Info("profile updated", zap.Int64("version", written.Version), zap.Int("conflict_retries", attempt))
			return Ack, nil
		case errors.Is(err, store.ErrAlreadyApplied):
			h.mark(ctx, msg.MessageID, log)
			telemetry.DuplicatesSkipped.Inc()
			log.Info("duplicate skipped", zap.String("detected_by", "store"))
			return Ack, nil
		case errors.Is(err, store.ErrVersionConflict):
			telemetry.VersionConflicts.Inc()
			if attempt >= h.opts.ConflictRetries {
				return h.retry(log, fmt.Errorf("%d conflict retries exhausted: %w", h.opts.ConflictRetries, err), "persist")
			}
			log.Warn("version conflict, retrying", zap.Int("attempt", attempt+1), zap.Int64("expected_version", expected))
			current, found, err = h.load(ctx, msg.UserID)
			if err != nil {
				if models.IsUnrecoverable(err) {
					return h.deadLetter(log, err, "corrupt stored profile")
				}
				return h.retry(log, err, "reload profile")
			}
		default:
			return h.retry(log, err, "persist")
		}
	}
}

// load returns the stored profile, found=false for a cold start, or ErrDimensionMismatch when the
// stored vector has the wrong length.
func (h *Handler) load(ctx context.Context, userID int64) (models.UserEmbedding, bool, error) {
	emb, err := h.deps.Store.FindByUserID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.UserEmbedding{}, false, nil
	}
	if err != nil {
		return models.UserEmbedding{}, false, err
	}
	if err := models.CheckDimensions(emb.Vector, h.opts.Dimensions); err != nil {
		return models.UserEmbedding{}, false, fmt.Errorf("stored profile version %d: %w", emb.Version, err)
	}
	return emb, true, nil
}

func (h *Handler) eventEmbedding(ctx context.Context, msg models.UpdateUserEmbeddingMessage, log *zap.Logger) ([]float32, error) {
	if msg.EventEmbedding != nil {
		return msg.EventEmbedding, nil
	}
	if msg.EventType.RequiresProductID() && h.deps.Catalog != nil {
		v, err := h.deps.Catalog.ProductEmbedding(ctx, msg.Product())
		switch {
		case err == nil:
			if err := models.CheckDimensions(v, h.opts.Dimensions); err != nil {
				return nil, fmt.Errorf("catalogued product %d: %w", msg.Product(), err)
			}
			return v, nil
		case errors.Is(err, store.ErrNotFound):
			log.Debug("product not catalogued, asking provider", zap.Int64("product_id", msg.Product()))
		default:
			return nil, err
		}
	}
	text := msg.Phrase()
	if msg.EventType.RequiresProductID() {
		text = provider.ProductText(msg.Product())
	}
	v, err := h.deps.Provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := models.CheckDimensions(v, h.opts.Dimensions); err != nil {
		return nil, fmt.Errorf("provider response: %w", err)
	}
	return v, nil
}

func (h *Handler) mark(ctx context.Context, messageID string, log *zap.Logger) {
	if err := h.deps.Guard.Mark(ctx, messageID); err != nil {
		log.Warn("idempotency mark failed", zap.Error(err))
	}
}

func (h *Handler) retry(log *zap.Logger, err error, stage string) (Outcome, error) {
	h.deps.Monitor.RecordFailure(stage, zap.Error(err))
	log.Warn("recoverable failure", zap.String("stage", stage), zap.Error(err))
	return Retry, fmt.Errorf("%s: %w", stage, err)
}

func (h *Handler) deadLetter(log *zap.Logger, err error, stage string) (Outcome, error) {
	h.deps.Monitor.RecordFailure(stage, zap.Error(err))
	log.Error("dead letter", zap.String("stage", stage), zap.Error(err))
	return DeadLetter, fmt.Errorf("%s: %w", stage, err)
}

type nopMonitor struct{}

func (nopMonitor) RecordSuccess() {}

func (nopMonitor) RecordFailure(string, ...zap.Field) {}
