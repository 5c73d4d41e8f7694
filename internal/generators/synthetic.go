package generators

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/benmeehan/telemetry-ingest/internal/models"
)

// UniformGenerator draws each value independently from its range.
type UniformGenerator struct {
	kind      models.MetricKind
	unit      string
	rng       Range
	precision int
	rand      *rand.Rand
}

// NewUniformGenerator builds a uniform generator from spec.
func NewUniformGenerator(spec Spec) *UniformGenerator {
	return &UniformGenerator{
		kind:      spec.Kind,
		unit:      spec.Unit,
		rng:       spec.Range,
		precision: spec.precision(),
		rand:      newRand(spec.Seed),
	}
}

func (u *UniformGenerator) Name() string            { return PolicyUniform }
func (u *UniformGenerator) Kind() models.MetricKind { return u.kind }
func (u *UniformGenerator) Unit() string            { return u.unit }

func (u *UniformGenerator) Description() string {
	return fmt.Sprintf("Uniform %s in [%v, %v].", u.kind, u.rng.Min, u.rng.Max)
}

// Next draws a value uniformly from the range.
func (u *UniformGenerator) Next(ctx context.Context) (models.Reading, error) {
	v := u.rng.Clamp(round(uniform(u.rand, u.rng.Min, u.rng.Max), u.precision))
	return models.Reading{Kind: u.kind, Unit: u.unit, Value: models.Float(v)}, nil
}

// RandomWalkGenerator drifts from its previous value by at most delta per step.
type RandomWalkGenerator struct {
	kind      models.MetricKind
	unit      string
	rng       Range
	delta     float64
	precision int
	current   float64
	rand      *rand.Rand
}

// NewRandomWalkGenerator builds a random walk generator starting at the spec's base.
func NewRandomWalkGenerator(spec Spec) *RandomWalkGenerator {
	return &RandomWalkGenerator{
		kind:      spec.Kind,
		unit:      spec.Unit,
		rng:       spec.Range,
		delta:     spec.delta(),
		precision: spec.precision(),
		current:   spec.Range.Clamp(spec.base()),
		rand:      newRand(spec.Seed),
	}
}

func (w *RandomWalkGenerator) Name() string            { return PolicyRandomWalk }
func (w *RandomWalkGenerator) Kind() models.MetricKind { return w.kind }
func (w *RandomWalkGenerator) Unit() string            { return w.unit }

func (w *RandomWalkGenerator) Description() string {
	return fmt.Sprintf("Random walk %s in [%v, %v] with step %v.", w.kind, w.rng.Min, w.rng.Max, w.delta)
}

// Current returns the unrounded walk position.
func (w *RandomWalkGenerator) Current() float64 {
	return w.current
}

// Next moves the walk one step and clamps it to the range.
func (w *RandomWalkGenerator) Next(ctx context.Context) (models.Reading, error) {
	w.current = w.rng.Clamp(w.current + uniform(w.rand, -w.delta, w.delta))
	v := w.rng.Clamp(round(w.current, w.precision))
	return models.Reading{Kind: w.kind, Unit: w.unit, Value: models.Float(v)}, nil
}

// BernoulliGenerator emits 1 with a fixed probability and 0 otherwise.
type BernoulliGenerator struct {
	kind        models.MetricKind
	unit        string
	probability float64
	rand        *rand.Rand
}

// NewBernoulliGenerator builds a generator for boolean sensors such as motion.
func NewBernoulliGenerator(spec Spec) *BernoulliGenerator {
	return &BernoulliGenerator{
		kind:        spec.Kind,
		unit:        spec.Unit,
		probability: spec.probability(),
		rand:        newRand(spec.Seed),
	}
}

func (b *BernoulliGenerator) Name() string            { return PolicyBernoulli }
func (b *BernoulliGenerator) Kind() models.MetricKind { return b.kind }
func (b *BernoulliGenerator) Unit() string            { return b.unit }

func (b *BernoulliGenerator) Description() string {
	return fmt.Sprintf("Active %s with probability %v.", b.kind, b.probability)
}

func (b *BernoulliGenerator) Next(ctx context.Context) (models.Reading, error) {
	v := 0.0
	if b.rand.Float64() < b.probability {
		v = 1
	}
	return models.Reading{Kind: b.kind, Unit: b.unit, Value: models.Float(v)}, nil
}
