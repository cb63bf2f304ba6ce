// Package health reports dependency breaker states and the recent failure rate.
package health

import (
	"time"

	"embedding-updater/internal/breaker"
	"embedding-updater/internal/monitor"
)

// StateSource is satisfied by *breaker.Breaker.
type StateSource interface {
	Name() string
	State() breaker.State
}

// RateSource is satisfied by *monitor.Monitor.
type RateSource interface {
	Stats(window time.Duration) monitor.Stats
	Window() time.Duration
}

// Snapshot is the JSON body of the health endpoints.
type Snapshot struct {
	Ready       bool                     `json:"ready"`
	Breakers    map[string]breaker.State `json:"breakers"`
	FailureRate float64                  `json:"failureRate"`
	Window      string                   `json:"window"`
	Failures    int64                    `json:"failures"`
	Total       int64                    `json:"total"`
}

type Reporter struct {
	breakers []StateSource
	rates    RateSource
}

// NewReporter accepts a nil rate source for processes that do not handle messages.
func NewReporter(rates RateSource, breakers ...StateSource) *Reporter {
	return &Reporter{breakers: breakers, rates: rates}
}

// Snapshot is ready unless some breaker is open.
func (r *Reporter) Snapshot() Snapshot {
	snap := Snapshot{Ready: true, Breakers: make(map[string]breaker.State, len(r.breakers))}
	for _, b := range r.breakers {
		state := b.State()
		snap.Breakers[b.Name()] = state
		if state == breaker.StateOpen {
			snap.Ready = false
		}
	}
	if r.rates != nil {
		window := r.rates.Window()
		stats := r.rates.Stats(window)
		snap.FailureRate = stats.Rate
		snap.Window = window.String()
		snap.Failures = stats.Failures
		snap.Total = stats.Total
	}
	return snap
}
