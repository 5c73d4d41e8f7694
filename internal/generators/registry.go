package generators

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Factory builds a generator for a validated spec.
type Factory func(spec Spec, logger zerolog.Logger) (Generator, error)

// The registry maps generation policies to their factories and allows adding new ones.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a Registry with the built-in policies registered.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
	}
	r.Register(PolicyUniform, func(spec Spec, _ zerolog.Logger) (Generator, error) {
		return NewUniformGenerator(spec), nil
	})
	r.Register(PolicyRandomWalk, func(spec Spec, _ zerolog.Logger) (Generator, error) {
		return NewRandomWalkGenerator(spec), nil
	})
	r.Register(PolicyBernoulli, func(spec Spec, _ zerolog.Logger) (Generator, error) {
		return NewBernoulliGenerator(spec), nil
	})
	r.Register(PolicyHost, func(spec Spec, logger zerolog.Logger) (Generator, error) {
		return NewHostGenerator(spec, logger)
	})
	r.Register(PolicyWeather, func(spec Spec, logger zerolog.Logger) (Generator, error) {
		return NewWeatherGenerator(spec, logger), nil
	})
	return r
}

// Register adds or replaces the factory for a policy.
func (r *Registry) Register(policy string, factory Factory) {
	r.factories[policy] = factory
}

// Build validates spec and constructs its generator.
func (r *Registry) Build(spec Spec, logger zerolog.Logger) (Generator, error) {
	factory, ok := r.factories[spec.Policy]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", spec.Policy)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s generator: %w", spec.Policy, err)
	}
	return factory(spec, logger)
}
