package decay

import (
	"errors"
	"fmt"
	"math"
	"time"

	"embedding-updater/internal/models"
)

// ErrInvalidConfig is returned by New when λ or a weight cannot produce a usable blend.
var ErrInvalidConfig = errors.New("invalid decay configuration")

// Calculator blends a stored profile with a new event vector using exponential temporal decay.
// It is pure and safe for concurrent use.
type Calculator struct {
	lambda float64 // per day
}

// New validates λ (per day) together with the event weight table.
func New(lambda float64) (*Calculator, error) {
	if math.IsNaN(lambda) || math.IsInf(lambda, 0) || lambda <= 0 {
		return nil, fmt.Errorf("%w: lambda %v", ErrInvalidConfig, lambda)
	}
	if err := models.ValidateWeights(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Calculator{lambda: lambda}, nil
}

// FromHalfLife builds a calculator whose previous-profile influence halves every halfLife.
func FromHalfLife(halfLife time.Duration) (*Calculator, error) {
	days := halfLife.Hours() / 24
	if days <= 0 {
		return nil, fmt.Errorf("%w: half-life %s", ErrInvalidConfig, halfLife)
	}
	return New(math.Ln2 / days)
}

// Lambda returns the decay rate per day.
func (c *Calculator) Lambda() float64 {
	return c.lambda
}

// Factor is exp(-λ·days) for the time elapsed between previousUpdatedAt and now, clamped at zero days.
func (c *Calculator) Factor(previousUpdatedAt, now time.Time) float64 {
	days := now.Sub(previousUpdatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-c.lambda * days)
}

// Blend returns the decayed weighted average of previous and event. A nil previous is a cold
// start and yields a copy of event. Vectors must have equal length.
func (c *Calculator) Blend(previous []float32, previousUpdatedAt time.Time, event []float32, weight float64, now time.Time) ([]float32, error) {
	if previous == nil {
		out := make([]float32, len(event))
		copy(out, event)
		return out, nil
	}
	if len(previous) != len(event) {
		return nil, fmt.Errorf("%w: previous %d, event %d", models.ErrDimensionMismatch, len(previous), len(event))
	}
	factor := c.Factor(previousUpdatedAt, now)
	total := factor + weight
	if !(total > 0) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("%w: total weight %v", ErrInvalidConfig, total)
	}
	out := make([]float32, len(event))
	for i := range event {
		v := (float64(previous[i])*factor + float64(event[i])*weight) / total
		out[i] = float32(v)
	}
	return out, nil
}
