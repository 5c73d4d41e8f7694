package generators

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benmeehan/telemetry-ingest/internal/models"
)

// Generator defines the interface for producing readings of a specific metric.
// A generator is owned by exactly one source and is never called concurrently.
type Generator interface {
	Name() string                                     // Name of the generation policy (e.g., "uniform", "random_walk")
	Kind() models.MetricKind                          // Kind of the metric produced
	Next(ctx context.Context) (models.Reading, error) // Produce the next reading
	Unit() string                                     // Unit of the metric (e.g., "celsius", "percentage")
	Description() string                              // Description of the metric
}

// Range is the inclusive interval a generated value must stay within.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Width returns Max - Min.
func (r Range) Width() float64 {
	return r.Max - r.Min
}

// Mid returns the midpoint of the range.
func (r Range) Mid() float64 {
	return (r.Min + r.Max) / 2
}

// Clamp forces v into the range.
func (r Range) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

func round(v float64, precision int) float64 {
	if precision < 0 {
		return v
	}
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}

func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// uniform draws from [min, max).
func uniform(rng *rand.Rand, min, max float64) float64 {
	return min + rng.Float64()*(max-min)
}
