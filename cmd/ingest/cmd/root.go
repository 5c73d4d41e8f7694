package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/benmeehan/telemetry-ingest/internal/app"
	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/internal/utils"
	"github.com/benmeehan/telemetry-ingest/pkg/file"
)

const envPrefix = "INGEST"

// flagKeys maps command line flags onto configuration keys. Every key can
// also be set through the environment, e.g. INGEST_RUN_ROWS.
var flagKeys = map[string]string{
	"config":         "config",
	"profile":        "profile",
	"sink":           "sink.type",
	"dsn":            "sink.postgres.dsn",
	"verify":         "sink.postgres.verify",
	"broker":         "sink.mqtt.broker",
	"nats-url":       "sink.nats.url",
	"output-dir":     "sink.file.dir",
	"format":         "sink.file.format",
	"table":          "destination.table",
	"schema":         "destination.schema",
	"rows":           "run.rows",
	"batch":          "run.batch_size",
	"duration":       "run.duration",
	"flush-interval": "run.flush_interval",
	"report-file":    "run.report_file",
	"metrics-addr":   "metrics.addr",
	"log-level":      "logging.level",
	"log-format":     "logging.format",
}

// RootCmd returns the ingest command.
func RootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "ingest",
		SilenceUsage: true,
		Short:        "Simulate telemetry sources and ingest their readings in batches",
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, file.NewFileService())
			if err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to a YAML configuration file, overrides --profile")
	flags.String("profile", utils.ProfileStream, fmt.Sprintf("Built-in profile, one of %s", strings.Join(utils.Profiles(), ", ")))
	flags.String("sink", "", "Sink type: postgres, mqtt, nats or file")
	flags.String("dsn", "", "PostgreSQL connection string")
	flags.Bool("verify", false, "Check destination columns before the run")
	flags.String("broker", "", "MQTT broker address")
	flags.String("nats-url", "", "NATS server URL")
	flags.String("output-dir", "", "Directory of the file sink")
	flags.String("format", "", "File sink format: csv or line")
	flags.String("table", "", "Destination table of every source")
	flags.String("schema", "", "Destination schema of every source: narrow, compact, sensor or weather")
	flags.Int64("rows", 0, "Stop after this many readings")
	flags.Int("batch", 0, "Readings per batch")
	flags.Duration("duration", 0, "Stop after this long")
	flags.Duration("flush-interval", 0, "Flush partial batches this often")
	flags.String("report-file", "", "Write the run report as JSON to this file")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("log-level", "", "Log level")
	flags.String("log-format", "", "Log format: json or console")

	if err := bindFlags(v, flags, flagKeys); err != nil {
		panic(err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cmd.AddCommand(profilesCmd())
	return cmd
}

// bindFlags binds each named flag to its configuration key.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	var errs []error
	for name, key := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			errs = append(errs, fmt.Errorf("flag --%s bound to %s is not defined", name, key))
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			errs = append(errs, fmt.Errorf("failed to bind --%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func profilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range utils.Profiles() {
				cfg, err := utils.ProfileConfig(name)
				if err != nil {
					return err
				}
				var tables []string
				for _, d := range cfg.Destinations() {
					tables = append(tables, fmt.Sprintf("%s(%s)", d.Table, d.Schema))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %3d sources -> %s\n", name, len(cfg.ExpandSources()), strings.Join(tables, ", "))
			}
			return nil
		},
	}
}

// loadConfig reads the configuration file or profile, overlays flags and
// environment, then normalizes the result.
func loadConfig(v *viper.Viper, fileClient file.FileOperations) (*utils.Config, error) {
	var (
		cfg *utils.Config
		err error
	)
	if path := v.GetString("config"); path != "" {
		cfg, err = utils.ReadConfig(path, fileClient)
	} else {
		cfg, err = utils.ProfileConfig(v.GetString("profile"))
	}
	if err != nil {
		return nil, err
	}

	applyOverrides(v, cfg)
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(v *viper.Viper, cfg *utils.Config) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	setString("sink.type", &cfg.Sink.Type)
	setString("sink.postgres.dsn", &cfg.Sink.Postgres.DSN)
	setString("sink.mqtt.broker", &cfg.Sink.MQTT.Broker)
	setString("sink.nats.url", &cfg.Sink.NATS.URL)
	setString("sink.file.dir", &cfg.Sink.File.Dir)
	setString("sink.file.format", &cfg.Sink.File.Format)
	setString("run.report_file", &cfg.Run.ReportFile)
	setString("metrics.addr", &cfg.Metrics.Addr)
	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)

	if v.IsSet("sink.postgres.verify") {
		cfg.Sink.Postgres.Verify = v.GetBool("sink.postgres.verify")
	}
	if v.IsSet("run.rows") {
		cfg.Run.Rows = v.GetInt64("run.rows")
	}
	if v.IsSet("run.batch_size") {
		cfg.Run.BatchSize = v.GetInt("run.batch_size")
	}
	if v.IsSet("run.duration") {
		cfg.Run.Duration = v.GetDuration("run.duration")
	}
	if v.IsSet("run.flush_interval") {
		cfg.Run.FlushInterval = v.GetDuration("run.flush_interval")
	}

	for i := range cfg.Sources {
		setString("destination.table", &cfg.Sources[i].Destination.Table)
		if v.IsSet("destination.schema") {
			cfg.Sources[i].Destination.Schema = models.SchemaName(v.GetString("destination.schema"))
		}
	}
}

func run(cmd *cobra.Command, cfg *utils.Config) error {
	logger, err := app.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := app.New(cfg, file.NewFileService(), logger).Run(ctx)
	if report != nil {
		fmt.Fprintln(cmd.OutOrStdout(), app.Summary(report, cfg.Destinations()))
	}
	if err != nil {
		logger.Error().Err(err).Msg("Run failed")
	}
	return err
}
