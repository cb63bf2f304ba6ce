// Package monitor tracks the handler failure rate over a sliding window and raises a critical
// alert when it crosses a threshold. It never blocks or fails its callers.
package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"embedding-updater/internal/telemetry"
)

const defaultBuckets = 60

// Options configures a Monitor.
type Options struct {
	Window        time.Duration
	Threshold     float64 // fraction of failures, e.g. 0.10
	AlertCooldown time.Duration
	// MinSamples suppresses alerts until the window holds this many outcomes.
	MinSamples int
}

// Stats is a point-in-time view of the window.
type Stats struct {
	Window   time.Duration `json:"window"`
	Failures int64         `json:"failures"`
	Total    int64         `json:"total"`
	// Rate is the failure percentage in [0, 100].
	Rate float64 `json:"rate"`
}

type bucket struct {
	start    int64
	success  int64
	failures int64
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu        sync.Mutex
	opts      Options
	width     time.Duration
	buckets   []bucket
	lastAlert time.Time
	logger    *zap.Logger
	now       func() time.Time
}

func New(opts Options, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 10
	}
	width := opts.Window / defaultBuckets
	if width < time.Second {
		width = time.Second
	}
	n := int(opts.Window/width) + 1
	return &Monitor{
		opts:    opts,
		width:   width,
		buckets: make([]bucket, n),
		logger:  logger.With(zap.String("component", "failure-rate-monitor")),
		now:     time.Now,
	}
}

// RecordSuccess counts one successfully handled message.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current().success++
	m.publishLocked()
}

// RecordFailure counts one failed message. fields describe the failure and are attached to any
// alert it triggers.
func (m *Monitor) RecordFailure(reason string, fields ...zap.Field) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current().failures++
	stats := m.statsLocked(m.opts.Window)
	telemetry.FailureRateGauge.Set(stats.Rate / 100)

	if m.opts.Threshold <= 0 || stats.Total < int64(m.opts.MinSamples) ||
		float64(stats.Failures) <= m.opts.Threshold*float64(stats.Total) {
		return
	}
	now := m.now()
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < m.opts.AlertCooldown {
		return
	}
	m.lastAlert = now
	telemetry.FailureRateAlerts.Inc()
	m.logger.Error("failure rate above threshold",
		append([]zap.Field{
			zap.String("severity", "critical"),
			zap.Float64("rate", stats.Rate),
			zap.Float64("threshold", m.opts.Threshold*100),
			zap.Duration("window", stats.Window),
			zap.Int64("failures", stats.Failures),
			zap.Int64("total", stats.Total),
			zap.String("last_failure", reason),
		}, fields...)...)
}

// FailureRate returns the failure percentage over the trailing window, capped at the configured window.
func (m *Monitor) FailureRate(window time.Duration) float64 {
	return m.Stats(window).Rate
}

// Stats returns counts over the trailing window, capped at the configured window.
func (m *Monitor) Stats(window time.Duration) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked(window)
}

// Window is the configured window.
func (m *Monitor) Window() time.Duration {
	return m.opts.Window
}

func (m *Monitor) current() *bucket {
	start := m.now().UnixNano() / int64(m.width)
	b := &m.buckets[start%int64(len(m.buckets))]
	if b.start != start {
		*b = bucket{start: start}
	}
	return b
}

func (m *Monitor) statsLocked(window time.Duration) Stats {
	if window <= 0 || window > m.opts.Window {
		window = m.opts.Window
	}
	nowBucket := m.now().UnixNano() / int64(m.width)
	oldest := nowBucket - int64(window/m.width)
	out := Stats{Window: window}
	for _, b := range m.buckets {
		if b.start > oldest && b.start <= nowBucket {
			out.Failures += b.failures
			out.Total += b.failures + b.success
		}
	}
	if out.Total > 0 {
		out.Rate = float64(out.Failures) / float64(out.Total) * 100
	}
	return out
}

func (m *Monitor) publishLocked() {
	telemetry.FailureRateGauge.Set(m.statsLocked(m.opts.Window).Rate / 100)
}
