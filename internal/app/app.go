package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/telemetry-ingest/internal/generators"
	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/internal/observability"
	"github.com/benmeehan/telemetry-ingest/internal/services"
	"github.com/benmeehan/telemetry-ingest/internal/sinks"
	"github.com/benmeehan/telemetry-ingest/internal/utils"
	"github.com/benmeehan/telemetry-ingest/pkg/file"
	"github.com/benmeehan/telemetry-ingest/pkg/mqtt"
)

const metricsShutdownTimeout = 5 * time.Second

// NewLogger builds the process logger from the logging section.
func NewLogger(level, format string, out io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), &models.ConfigurationError{Field: "logging.level", Reason: err.Error()}
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// App wires a normalized configuration into a runnable pipeline.
type App struct {
	Config     *utils.Config
	FileClient file.FileOperations
	Generators *generators.Registry
	Metrics    *observability.PromMetrics
	Logger     zerolog.Logger
}

// New returns an App using the built-in generator policies.
func New(cfg *utils.Config, fileClient file.FileOperations, logger zerolog.Logger) *App {
	return &App{
		Config:     cfg,
		FileClient: fileClient,
		Generators: generators.NewRegistry(),
		Metrics:    observability.NewPromMetrics(),
		Logger:     logger,
	}
}

// Run opens the sink, runs the pipeline to completion and writes the report
// file when one is configured.
func (a *App) Run(ctx context.Context) (*models.RunReport, error) {
	sink, err := a.OpenSink(ctx)
	if err != nil {
		return nil, err
	}

	coordinator, err := a.NewCoordinator(sink)
	if err != nil {
		sink.Close()
		return nil, err
	}

	stopMetrics := a.serveMetrics()
	defer stopMetrics()

	report, err := coordinator.Run(ctx)
	if report != nil && a.Config.Run.ReportFile != "" {
		if werr := a.FileClient.WriteJsonFile(a.Config.Run.ReportFile, report); werr != nil {
			a.Logger.Error().Err(werr).Str("path", a.Config.Run.ReportFile).Msg("Failed to write run report")
		}
	}
	return report, err
}

// OpenSink connects the configured sink.
func (a *App) OpenSink(ctx context.Context) (sinks.Sink, error) {
	cfg := a.Config.Sink
	logger := a.Logger.With().Str("sink", cfg.Type).Logger()

	switch cfg.Type {
	case utils.SinkPostgres:
		pg, err := sinks.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		if !cfg.Postgres.Verify {
			// Hide Verify from the coordinator.
			return struct{ sinks.Sink }{pg}, nil
		}
		return pg, nil

	case utils.SinkMQTT:
		client := mqtt.NewMqttService(a.FileClient)
		err := client.Initialize(mqtt.Options{
			Broker:        cfg.MQTT.Broker,
			ClientID:      cfg.MQTT.ClientID,
			CACertificate: cfg.MQTT.CACertificate,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.MQTT.Broker, err)
		}
		logger.Info().Str("broker", cfg.MQTT.Broker).Msg("Connected to MQTT broker")
		return sinks.NewMQTTSink(cfg.MQTT.TopicPrefix, cfg.MQTT.QOS, cfg.MQTT.PublishTimeout, client, logger), nil

	case utils.SinkNATS:
		ns, err := sinks.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, cfg.NATS.SubjectPrefix, cfg.NATS.FlushTimeout, logger)
		if err != nil {
			return nil, err
		}
		return ns, nil

	case utils.SinkFile:
		fs, err := sinks.NewFileSink(cfg.File.Dir, cfg.File.Format, a.FileClient, logger)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	return nil, &models.ConfigurationError{Field: "sink.type", Reason: fmt.Sprintf("unknown sink %q", cfg.Type)}
}

// NewCoordinator builds a coordinator over sink with one simulator per
// expanded source.
func (a *App) NewCoordinator(sink sinks.Sink) (*services.Coordinator, error) {
	run := a.Config.Run
	coordinator := services.NewCoordinator(services.RunOptions{
		BatchSize:      run.BatchSize,
		Duration:       run.Duration,
		RowTarget:      run.Rows,
		FlushInterval:  run.FlushInterval,
		ReportInterval: run.ReportInterval,
		CommitTimeout:  run.CommitTimeout,
	}, sink, a.Metrics, nil, a.Logger)

	for _, src := range a.Config.ExpandSources() {
		gen, err := a.Generators.Build(src.Generator, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}

		source := services.Source{
			ID:          src.ID,
			Location:    src.Location,
			Destination: src.Destination,
			Cadence:     src.Cadence,
			TimeStep:    src.TimeStep,
			Generator:   gen,
		}
		if src.Firmware != "" {
			source.Device = &services.DeviceProfile{Firmware: src.Firmware}
		}
		if _, err := coordinator.AddSource(source); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
	}
	return coordinator, nil
}

// serveMetrics exposes the run's metrics when an address is configured and
// returns a function stopping the server.
func (a *App) serveMetrics() func() {
	addr := a.Config.Metrics.Addr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Logger.Info().Str("addr", addr).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// Summary renders the one-line result of a run.
func Summary(report *models.RunReport, destinations []models.Destination) string {
	tables := make([]string, 0, len(destinations))
	for _, d := range destinations {
		tables = append(tables, d.Table)
	}
	sort.Strings(tables)
	return fmt.Sprintf("Inserted %d rows into %s in %.2f s (%.2f rows/s)",
		report.RowsInserted, strings.Join(tables, ", "), report.Elapsed.Seconds(), report.Throughput())
}
