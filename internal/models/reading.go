package models

import "time"

// MetricKind identifies what a reading measures.
type MetricKind string

const (
	KindTemperature       MetricKind = "temperature"
	KindHumidity          MetricKind = "humidity"
	KindPressure          MetricKind = "pressure"
	KindMotion            MetricKind = "motion"
	KindLight             MetricKind = "light"
	KindCPUUtilization    MetricKind = "cpu"
	KindMemoryUtilization MetricKind = "memory"
	KindDiskUtilization   MetricKind = "disk"
	KindWeather           MetricKind = "weather"
)

// Reading is a single timestamped measurement emitted by a source.
// Value is nil only when an external source omitted the field.
type Reading struct {
	Timestamp time.Time      `json:"time"`
	SourceID  string         `json:"device_id"`
	Kind      MetricKind     `json:"metric"`
	Value     *float64       `json:"value"`
	Unit      string         `json:"unit,omitempty"`
	Location  string         `json:"location,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// FloatValue dereferences the reading value, reporting false for a null value.
func (r Reading) FloatValue() (float64, bool) {
	if r.Value == nil {
		return 0, false
	}
	return *r.Value, true
}
