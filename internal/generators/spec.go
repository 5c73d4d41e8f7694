package generators

import (
	"fmt"
	"time"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/pkg/location"
)

// Generation policies.
const (
	PolicyUniform    = "uniform"
	PolicyRandomWalk = "random_walk"
	PolicyBernoulli  = "bernoulli"
	PolicyHost       = "host"
	PolicyWeather    = "weather"
)

const (
	defaultPrecision   = 2
	defaultProbability = 0.1
	baseDeltaShare     = 0.3
	pressureDeltaShare = 0.2
)

// Spec describes how a source generates its readings.
type Spec struct {
	Policy      string            `yaml:"policy"`      // Generation policy
	Kind        models.MetricKind `yaml:"kind"`        // Metric kind of the readings
	Unit        string            `yaml:"unit"`        // Unit reported with each reading
	Range       Range             `yaml:",inline"`     // Valid value range
	Base        *float64          `yaml:"base"`        // Random walk starting value (defaults to the range midpoint)
	Delta       float64           `yaml:"delta"`       // Random walk maximum step
	Precision   *int              `yaml:"precision"`   // Decimal places kept
	Probability *float64          `yaml:"probability"` // Bernoulli probability of the active value (defaults to 0.1)
	Seed        int64             `yaml:"seed"`        // Fixed seed, zero for a time based one
	Weather     WeatherSpec       `yaml:"weather"`     // External weather endpoint settings
}

// WeatherSpec configures the external weather source.
type WeatherSpec struct {
	Endpoint string            `yaml:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout"`
	Location location.Location `yaml:"location"`
}

// precision returns the configured decimals, defaulting to one for humidity.
func (s Spec) precision() int {
	if s.Precision != nil {
		return *s.Precision
	}
	switch s.Kind {
	case models.KindHumidity:
		return 1
	case models.KindMotion:
		return 0
	}
	return defaultPrecision
}

// delta returns the random walk step, a share of the range width by default.
func (s Spec) delta() float64 {
	if s.Delta > 0 {
		return s.Delta
	}
	if s.Kind == models.KindPressure {
		return s.Range.Width() * pressureDeltaShare
	}
	return s.Range.Width() * baseDeltaShare
}

func (s Spec) probability() float64 {
	if s.Probability != nil {
		return *s.Probability
	}
	return defaultProbability
}

func (s Spec) base() float64 {
	if s.Base != nil {
		return *s.Base
	}
	return s.Range.Mid()
}

// Validate checks the spec for the fields its policy needs. Policies unknown
// here are left to the registry.
func (s Spec) Validate() error {
	switch s.Policy {
	case PolicyUniform, PolicyRandomWalk:
		if s.Range.Max < s.Range.Min {
			return fmt.Errorf("range max %v is below min %v", s.Range.Max, s.Range.Min)
		}
		if s.Policy == PolicyRandomWalk {
			if b := s.base(); !s.Range.Contains(b) {
				return fmt.Errorf("base %v outside range [%v, %v]", b, s.Range.Min, s.Range.Max)
			}
			if s.Delta < 0 {
				return fmt.Errorf("delta must not be negative")
			}
		}
	case PolicyBernoulli:
		if p := s.probability(); p < 0 || p > 1 {
			return fmt.Errorf("probability %v out of range [0, 1]", p)
		}
	case PolicyHost:
		switch s.Kind {
		case models.KindCPUUtilization, models.KindMemoryUtilization, models.KindDiskUtilization:
		default:
			return fmt.Errorf("host policy does not support kind %q", s.Kind)
		}
	case PolicyWeather:
		if s.Weather.Endpoint == "" {
			return fmt.Errorf("weather endpoint is required")
		}
		if err := s.Weather.Location.Validate(); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("policy is required")
	}
	return nil
}
