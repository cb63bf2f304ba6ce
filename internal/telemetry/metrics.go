package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_events_published_total", Help: "Events published onto the update queue"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_rate_limit_rejects_total", Help: "Publish requests rejected by rate limiter"})
	HandlerOutcomes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "embedding_handler_outcomes_total", Help: "Handler results by outcome"}, []string{"outcome"})
	DuplicatesSkipped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_duplicates_skipped_total", Help: "Deliveries skipped because the message was already applied"})
	ColdStarts         = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_cold_starts_total", Help: "Profiles created from a first event"})
	VersionConflicts   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_version_conflicts_total", Help: "Optimistic concurrency conflicts retried in-line"})
	WorkerRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_worker_retries_total", Help: "Deliveries scheduled for redelivery"})
	WorkerDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_dead_letter_total", Help: "Deliveries moved to the DLQ"})
	FailedJobsReplayed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "embedding_failed_jobs_replayed_total", Help: "Retry sweep results"}, []string{"result"})
	FailureRateAlerts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_failure_rate_alerts_total", Help: "Critical failure-rate alerts emitted"})
	FailureRateGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embedding_failure_rate", Help: "Handler failure ratio over the monitor window"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embedding_queue_depth", Help: "Ready queue depth"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "embedding_inflight", Help: "Deliveries currently leased"})
	BreakerState       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "embedding_breaker_state", Help: "Circuit state per dependency (0 closed, 1 half-open, 2 open)"}, []string{"dependency"})
	ProviderCacheHits  = prometheus.NewCounter(prometheus.CounterOpts{Name: "embedding_provider_cache_hits_total", Help: "Event embeddings served from the in-process cache"})
	HandleDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "embedding_handle_duration_seconds", Help: "Time spent handling one delivery", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			RateLimitRejects,
			HandlerOutcomes,
			DuplicatesSkipped,
			ColdStarts,
			VersionConflicts,
			WorkerRetries,
			WorkerDeadLetter,
			FailedJobsReplayed,
			FailureRateAlerts,
			FailureRateGauge,
			QueueDepthGauge,
			InFlightGauge,
			BreakerState,
			ProviderCacheHits,
			HandleDuration,
		)
	})
	return promhttp.Handler()
}
