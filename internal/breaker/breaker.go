// Package breaker guards calls to a single external dependency. One Breaker is shared by every
// caller of that dependency.
package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"embedding-updater/internal/telemetry"
)

// ErrOpen is returned without calling the dependency while the breaker is open, or while its
// single half-open trial call is already in flight.
var ErrOpen = errors.New("circuit open")

// State mirrors the breaker state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings configures a Breaker.
type Settings struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before allowing one trial call.
	Cooldown time.Duration
	// IsSuccessful classifies errors that are normal outcomes (not found, conflicts) so they
	// do not count toward Threshold. Nil treats every error as a failure.
	IsSuccessful func(err error) bool
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker[any]
}

// New creates a named breaker.
func New(name string, s Settings, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := uint32(1)
	if s.Threshold > 0 {
		threshold = uint32(s.Threshold)
	}
	isSuccessful := s.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	log := logger.With(zap.String("breaker", name))
	telemetry.BreakerState.WithLabelValues(name).Set(stateValue(StateClosed))
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			telemetry.BreakerState.WithLabelValues(name).Set(stateValue(convert(to)))
			if to == gobreaker.StateOpen {
				log.Warn("circuit opened", zap.String("from", from.String()))
				return
			}
			log.Info("circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Breaker{name: name, cb: cb}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// State reports the current state, advancing open to half-open once the cooldown elapsed.
func (b *Breaker) State() State {
	return convert(b.cb.State())
}

// Execute runs op through the breaker.
func (b *Breaker) Execute(op func() error) error {
	_, err := Do(b, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Do runs op through b and returns its typed result. Short-circuited calls return ErrOpen.
func Do[T any](b *Breaker, op func() (T, error)) (T, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return op()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	if err != nil {
		var zero T
		if v, ok := res.(T); ok {
			return v, err
		}
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 2
	case StateHalfOpen:
		return 1
	default:
		return 0
	}
}
