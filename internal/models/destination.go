package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaName selects the column layout of a destination table.
type SchemaName string

const (
	// SchemaNarrow is (time, device_id, metric, value).
	SchemaNarrow SchemaName = "narrow"
	// SchemaCompact is (time, device_id, value).
	SchemaCompact SchemaName = "compact"
	// SchemaSensor is (time, device_id, sensor_type, value, unit, location, metadata).
	SchemaSensor SchemaName = "sensor"
	// SchemaWeather is (time, city, temperature, humidity, pressure, wind_speed, description).
	SchemaWeather SchemaName = "weather"
)

// Weather metadata keys carried by weather readings.
const (
	WeatherHumidity    = "humidity"
	WeatherPressure    = "pressure"
	WeatherWindSpeed   = "wind_speed"
	WeatherDescription = "description"
)

// Schema maps readings onto the columns of a destination table.
type Schema struct {
	Name    SchemaName
	Columns []string
	Row     func(r Reading) ([]any, error)
}

var schemas = map[SchemaName]Schema{
	SchemaNarrow: {
		Name:    SchemaNarrow,
		Columns: []string{"time", "device_id", "metric", "value"},
		Row: func(r Reading) ([]any, error) {
			return []any{r.Timestamp, r.SourceID, string(r.Kind), r.Value}, nil
		},
	},
	SchemaCompact: {
		Name:    SchemaCompact,
		Columns: []string{"time", "device_id", "value"},
		Row: func(r Reading) ([]any, error) {
			return []any{r.Timestamp, r.SourceID, r.Value}, nil
		},
	},
	SchemaSensor: {
		Name:    SchemaSensor,
		Columns: []string{"time", "device_id", "sensor_type", "value", "unit", "location", "metadata"},
		Row: func(r Reading) ([]any, error) {
			var metadata any
			if len(r.Metadata) > 0 {
				raw, err := json.Marshal(r.Metadata)
				if err != nil {
					return nil, fmt.Errorf("failed to encode metadata for %s: %w", r.SourceID, err)
				}
				metadata = string(raw)
			}
			return []any{r.Timestamp, r.SourceID, string(r.Kind), r.Value, r.Unit, r.Location, metadata}, nil
		},
	},
	SchemaWeather: {
		Name:    SchemaWeather,
		Columns: []string{"time", "city", "temperature", "humidity", "pressure", "wind_speed", "description"},
		Row: func(r Reading) ([]any, error) {
			return []any{
				r.Timestamp,
				r.SourceID,
				r.Value,
				r.Metadata[WeatherHumidity],
				r.Metadata[WeatherPressure],
				r.Metadata[WeatherWindSpeed],
				r.Metadata[WeatherDescription],
			}, nil
		},
	},
}

// LookupSchema returns the schema registered under name.
func LookupSchema(name SchemaName) (Schema, bool) {
	s, ok := schemas[name]
	return s, ok
}

// Destination is a logical table together with the schema used to write it.
// The schema is always explicit; it is never inferred from the table name.
type Destination struct {
	Table  string     `json:"table" yaml:"table"`
	Schema SchemaName `json:"schema" yaml:"schema"`
}

func (d Destination) String() string {
	return d.Table
}

// Layout resolves the destination's schema.
func (d Destination) Layout() (Schema, error) {
	s, ok := LookupSchema(d.Schema)
	if !ok {
		return Schema{}, &ConfigurationError{Field: "destination.schema", Reason: fmt.Sprintf("unknown schema %q for table %q", d.Schema, d.Table)}
	}
	return s, nil
}

// RunReport holds the final counters of a pipeline run.
type RunReport struct {
	RunID              string        `json:"run_id"`
	StartedAt          time.Time     `json:"started_at"`
	Elapsed            time.Duration `json:"elapsed"`
	RowsInserted       int64         `json:"rows_inserted"`
	BatchesCommitted   int64         `json:"batches_committed"`
	BatchesFailed      int64         `json:"batches_failed"`
	GenerationFailures int64         `json:"generation_failures"`
	ReadingsDropped    int64         `json:"readings_dropped"`
}

// Throughput returns rows inserted per second of elapsed wall time.
func (r *RunReport) Throughput() float64 {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.RowsInserted) / secs
}
