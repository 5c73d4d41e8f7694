package utils

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/telemetry-ingest/internal/generators"
	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/pkg/file"
)

// Sink types.
const (
	SinkPostgres = "postgres"
	SinkMQTT     = "mqtt"
	SinkNATS     = "nats"
	SinkFile     = "file"
)

const (
	defaultBatchSize      = 1000
	defaultCommitTimeout  = 30 * time.Second
	defaultWeatherTimeout = 10 * time.Second
)

// Config represents the structure of the configuration file.
type Config struct {
	Run     RunConfig      `yaml:"run"`
	Sink    SinkConfig     `yaml:"sink"`
	Sources []SourceConfig `yaml:"sources"`

	Metrics struct {
		Addr string `yaml:"addr"` // Listen address of the /metrics endpoint, empty to disable
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`  // zerolog level name
		Format string `yaml:"format"` // json or console
	} `yaml:"logging"`
}

// RunConfig controls batching and termination.
type RunConfig struct {
	BatchSize      int           `yaml:"batch_size"`      // Readings per batch
	Rows           int64         `yaml:"rows"`            // Stop after this many readings, 0 for no limit
	Duration       time.Duration `yaml:"duration"`        // Stop after this long, 0 for no limit
	FlushInterval  time.Duration `yaml:"flush_interval"`  // Force-flush partial batches this often, 0 to disable
	ReportInterval time.Duration `yaml:"report_interval"` // Progress log interval, 0 to disable
	CommitTimeout  time.Duration `yaml:"commit_timeout"`  // Upper bound of a single commit
	ReportFile     string        `yaml:"report_file"`     // Optional JSON file receiving the run report
}

// SinkConfig selects and configures the sink.
type SinkConfig struct {
	Type string `yaml:"type"` // postgres, mqtt, nats or file

	Postgres struct {
		DSN      string `yaml:"dsn"`       // Connection string
		MaxConns int    `yaml:"max_conns"` // Pool size
		Verify   bool   `yaml:"verify"`    // Check destination columns before the run
	} `yaml:"postgres"`

	MQTT struct {
		Broker         string        `yaml:"broker"`          // MQTT broker address
		ClientID       string        `yaml:"client_id"`       // MQTT client ID
		CACertificate  string        `yaml:"ca_certificate"`  // Path to the CA certificate, empty for plain TCP
		Username       string        `yaml:"username"`        // Optional broker username
		Password       string        `yaml:"password"`        // Optional broker password
		TopicPrefix    string        `yaml:"topic_prefix"`    // Batches go to <prefix>/<table>
		QOS            int           `yaml:"qos"`             // MQTT QoS level
		PublishTimeout time.Duration `yaml:"publish_timeout"` // Acknowledgement timeout
	} `yaml:"mqtt"`

	NATS struct {
		URL           string        `yaml:"url"`
		Name          string        `yaml:"name"`
		SubjectPrefix string        `yaml:"subject_prefix"` // Batches go to <prefix>.<table>
		FlushTimeout  time.Duration `yaml:"flush_timeout"`
	} `yaml:"nats"`

	File struct {
		Dir    string `yaml:"dir"`
		Format string `yaml:"format"` // csv or line
	} `yaml:"file"`
}

// SourceConfig describes one source, or Count identical ones.
type SourceConfig struct {
	ID          string             `yaml:"id"`       // Source ID, or ID prefix when Count > 1
	Count       int                `yaml:"count"`    // Number of replicas, numbered from 1
	Location    string             `yaml:"location"` // Free-form location label
	Destination models.Destination `yaml:"destination"`
	Cadence     time.Duration      `yaml:"cadence"`   // Time between readings, 0 for as fast as possible
	TimeStep    time.Duration      `yaml:"time_step"` // Synthetic timestamp spacing, 0 for wall clock
	Firmware    string             `yaml:"firmware"`  // Enables device telemetry metadata when set
	Generator   generators.Spec    `yaml:"generator"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config, err := ReadConfig(filename, fileClient)
	if err != nil {
		return nil, err
	}

	if err := config.Normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// ReadConfig reads the file without defaults or validation, for callers
// that overlay further settings before calling Normalize.
func ReadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
	}
	return &config, nil
}

// Normalize fills defaults and validates the configuration.
func (c *Config) Normalize() error {
	c.applyDefaults()
	return c.validate()
}

// ExpandSources returns one entry per source, replicas numbered and seeded apart.
func (c *Config) ExpandSources() []SourceConfig {
	var out []SourceConfig
	for _, src := range c.Sources {
		if src.Count <= 1 {
			out = append(out, src)
			continue
		}
		for i := 1; i <= src.Count; i++ {
			replica := src
			replica.Count = 1
			replica.ID = fmt.Sprintf("%s%d", src.ID, i)
			if src.Generator.Seed != 0 {
				replica.Generator.Seed = src.Generator.Seed + int64(i)
			}
			out = append(out, replica)
		}
	}
	return out
}

// Destinations returns the distinct destinations in source order.
func (c *Config) Destinations() []models.Destination {
	seen := make(map[string]struct{})
	var out []models.Destination
	for _, src := range c.Sources {
		if _, ok := seen[src.Destination.Table]; ok {
			continue
		}
		seen[src.Destination.Table] = struct{}{}
		out = append(out, src.Destination)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Run.BatchSize == 0 {
		c.Run.BatchSize = defaultBatchSize
	}
	if c.Run.CommitTimeout == 0 {
		c.Run.CommitTimeout = defaultCommitTimeout
	}

	if c.Sink.Type == "" {
		c.Sink.Type = SinkPostgres
	}
	if c.Sink.Postgres.MaxConns == 0 {
		c.Sink.Postgres.MaxConns = 4
	}
	if c.Sink.MQTT.ClientID == "" {
		c.Sink.MQTT.ClientID = "telemetry-ingest"
	}
	if c.Sink.MQTT.TopicPrefix == "" {
		c.Sink.MQTT.TopicPrefix = "telemetry"
	}
	if c.Sink.MQTT.PublishTimeout == 0 {
		c.Sink.MQTT.PublishTimeout = 10 * time.Second
	}
	if c.Sink.NATS.URL == "" {
		c.Sink.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Sink.NATS.Name == "" {
		c.Sink.NATS.Name = "telemetry-ingest"
	}
	if c.Sink.NATS.SubjectPrefix == "" {
		c.Sink.NATS.SubjectPrefix = "telemetry"
	}
	if c.Sink.NATS.FlushTimeout == 0 {
		c.Sink.NATS.FlushTimeout = 5 * time.Second
	}
	if c.Sink.File.Dir == "" {
		c.Sink.File.Dir = "./export"
	}
	if c.Sink.File.Format == "" {
		c.Sink.File.Format = "csv"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	for i := range c.Sources {
		spec := &c.Sources[i].Generator
		if spec.Policy == generators.PolicyWeather {
			if spec.Kind == "" {
				spec.Kind = models.KindWeather
			}
			if spec.Weather.Endpoint == "" {
				spec.Weather.Endpoint = generators.DefaultWeatherEndpoint
			}
			if spec.Weather.Timeout == 0 {
				spec.Weather.Timeout = defaultWeatherTimeout
			}
			if c.Sources[i].ID == "" {
				c.Sources[i].ID = spec.Weather.Location.Name
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Run.BatchSize < 1 {
		return &models.ConfigurationError{Field: "run.batch_size", Reason: "must be at least 1"}
	}
	if c.Run.Rows < 0 {
		return &models.ConfigurationError{Field: "run.rows", Reason: "must not be negative"}
	}
	if c.Run.Duration < 0 {
		return &models.ConfigurationError{Field: "run.duration", Reason: "must not be negative"}
	}

	switch c.Sink.Type {
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			return &models.ConfigurationError{Field: "sink.postgres.dsn", Reason: "is required"}
		}
	case SinkMQTT:
		if c.Sink.MQTT.Broker == "" {
			return &models.ConfigurationError{Field: "sink.mqtt.broker", Reason: "is required"}
		}
		if c.Sink.MQTT.QOS < 0 || c.Sink.MQTT.QOS > 2 {
			return &models.ConfigurationError{Field: "sink.mqtt.qos", Reason: "must be 0, 1 or 2"}
		}
	case SinkNATS:
	case SinkFile:
		if c.Sink.File.Format != "csv" && c.Sink.File.Format != "line" {
			return &models.ConfigurationError{Field: "sink.file.format", Reason: fmt.Sprintf("unsupported format %q", c.Sink.File.Format)}
		}
	default:
		return &models.ConfigurationError{Field: "sink.type", Reason: fmt.Sprintf("unknown sink %q", c.Sink.Type)}
	}

	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return &models.ConfigurationError{Field: "logging.level", Reason: err.Error()}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return &models.ConfigurationError{Field: "logging.format", Reason: fmt.Sprintf("unsupported format %q", c.Logging.Format)}
	}

	if len(c.Sources) == 0 {
		return &models.ConfigurationError{Field: "sources", Reason: "at least one source is required"}
	}
	for i, src := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if src.ID == "" && src.Count <= 1 {
			return &models.ConfigurationError{Field: field + ".id", Reason: "is required"}
		}
		if src.Destination.Table == "" {
			return &models.ConfigurationError{Field: field + ".destination.table", Reason: "is required"}
		}
		if _, err := src.Destination.Layout(); err != nil {
			return err
		}
		if src.Cadence < 0 || src.TimeStep < 0 {
			return &models.ConfigurationError{Field: field + ".cadence", Reason: "must not be negative"}
		}
		if err := src.Generator.Validate(); err != nil {
			return &models.ConfigurationError{Field: field + ".generator", Reason: err.Error()}
		}
	}

	ids := make([]string, 0, len(c.Sources))
	for _, src := range c.ExpandSources() {
		ids = append(ids, src.ID)
	}
	if set := SliceToSet(ids); len(set) != len(ids) {
		return &models.ConfigurationError{Field: "sources", Reason: "source ids must be unique"}
	}

	tables := make(map[string]models.SchemaName)
	for _, src := range c.Sources {
		if schema, ok := tables[src.Destination.Table]; ok && schema != src.Destination.Schema {
			return &models.ConfigurationError{
				Field:  "sources.destination",
				Reason: fmt.Sprintf("table %q is used with schemas %s and %s", src.Destination.Table, schema, src.Destination.Schema),
			}
		}
		tables[src.Destination.Table] = src.Destination.Schema
	}
	return nil
}
