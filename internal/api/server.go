package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"embedding-updater/internal/config"
	"embedding-updater/internal/health"
	"embedding-updater/internal/models"
	"embedding-updater/internal/queue"
	"embedding-updater/internal/telemetry"
)

// Publisher is the producer side of the update queue.
type Publisher interface {
	Publish(ctx context.Context, msg models.UpdateUserEmbeddingMessage) (string, error)
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetterRecord, error)
}

// Limiter admits or rejects one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// FailedJobStats counts failed jobs per status.
type FailedJobStats interface {
	CountFailedJobsByStatus(ctx context.Context) (map[string]int64, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg      config.Config
	queue    Publisher
	limiter  Limiter
	stats    FailedJobStats
	reporter *health.Reporter
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs the API server. limiter, stats and reporter may be nil.
func New(cfg config.Config, q Publisher, limiter Limiter, stats FailedJobStats, reporter *health.Reporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		stats:    stats,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := OpsRouter(s.reporter)
	r.Post("/events", s.handlePublish)
	r.Get("/dlq", s.handleDLQ)
	r.Get("/failed-jobs/stats", s.handleFailedJobStats)
	return r
}

// OpsRouter serves liveness, readiness and metrics. The worker listens with it alone.
func OpsRouter(reporter *health.Reporter) chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if reporter == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		writeJSON(w, http.StatusOK, reporter.Snapshot())
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if reporter == nil {
			writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
			return
		}
		snap := reporter.Snapshot()
		code := http.StatusOK
		if !snap.Ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, snap)
	})
	r.Mount("/metrics", telemetry.Handler())
	return r
}

type publishRequest struct {
	UserID         int64             `json:"userId"`
	EventType      models.EventType  `json:"eventType"`
	SearchPhrase   *string           `json:"searchPhrase"`
	ProductID      *int64            `json:"productId"`
	OccurredAt     *time.Time        `json:"occurredAt"`
	Metadata       map[string]string `json:"metadata"`
	MessageID      string            `json:"messageId"`
	EventEmbedding []float32         `json:"eventEmbedding"`
}

type publishResponse struct {
	MessageID  string `json:"messageId"`
	DeliveryID string `json:"deliveryId"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	msg := buildMessage(req, s.now())
	if err := msg.Validate(s.cfg.EmbeddingDimensions, s.now(), s.cfg.FutureSkew); err != nil {
		resp := errorResponse{Error: err.Error()}
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			resp.Field = verr.Field
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), strconv.FormatInt(msg.UserID, 10))
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited"})
			return
		}
	}

	deliveryID, err := s.queue.Publish(r.Context(), msg)
	if err != nil {
		s.logger.Error("publish failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "publish failed"})
		return
	}
	telemetry.EventsPublished.Inc()
	s.logger.Debug("event published",
		zap.String("message_id", msg.MessageID),
		zap.Int64("user_id", msg.UserID),
		zap.String("event_type", string(msg.EventType)),
		zap.String("delivery_id", deliveryID),
	)
	writeJSON(w, http.StatusAccepted, publishResponse{MessageID: msg.MessageID, DeliveryID: deliveryID})
}

// buildMessage defaults occurredAt to now and derives messageId from the natural key when absent.
func buildMessage(req publishRequest, now time.Time) models.UpdateUserEmbeddingMessage {
	occurredAt := now.UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}
	msg := models.UpdateUserEmbeddingMessage{
		UserID:         req.UserID,
		EventType:      req.EventType,
		SearchPhrase:   req.SearchPhrase,
		ProductID:      req.ProductID,
		OccurredAt:     occurredAt,
		Metadata:       req.Metadata,
		MessageID:      req.MessageID,
		EventEmbedding: req.EventEmbedding,
	}
	if msg.MessageID == "" {
		msg.MessageID = models.MessageID(msg.UserID, msg.EventType, msg.Phrase(), msg.Product(), occurredAt)
	}
	return msg
}

// handleDLQ returns the oldest dead-letter records first.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	items, err := s.queue.DLQPeek(r.Context(), limit)
	if err != nil {
		s.logger.Error("read dlq failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read dlq"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleFailedJobStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "failed job store not configured"})
		return
	}
	counts, err := s.stats.CountFailedJobsByStatus(r.Context())
	if err != nil {
		s.logger.Error("count failed jobs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to count failed jobs"})
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
