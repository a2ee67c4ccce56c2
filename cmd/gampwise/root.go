package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"gampwise/internal/config"
	"gampwise/internal/logging"
	"gampwise/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

// app is the state shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	envFiles   []string

	cfg      config.Config
	shutdown telemetry.Shutdown
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "gampwise",
		Short: "GAMP 5 risk categorization and test-suite generation",
		Long: `gampwise assigns a GAMP 5 software category to a specification, consults a
reviewer when the classifier is not confident, dispatches the sub-agents that
gather regulatory context and assembles a validation test suite.

The evaluate command replays the workflow over a labeled corpus with k-fold
cross validation and reports success rates with confidence intervals.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: a.setup,
	}
	root.Version = version

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config")
	f.StringVar(&a.logFormat, "log-format", "", "Log format (text, json); overrides config")
	f.StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before the config")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newEvaluateCmd(a))
	root.AddCommand(newFoldsCmd(a))
	root.AddCommand(newServeCmd(a))
	return root
}

// setup loads the configuration, then configures logging and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(a.envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Log.Format, cmd.ErrOrStderr())

	shutdown, err := telemetry.Init(cmd.Context(), cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.shutdown = shutdown
	a.cfg = cfg
	return nil
}

// close flushes telemetry. It runs whether or not the command succeeded.
func (a *app) close(ctx context.Context) {
	if a.shutdown == nil {
		return
	}
	if err := a.shutdown(ctx); err != nil {
		logging.New("telemetry").Warn("telemetry shutdown failed", "error", err)
	}
}

// metrics creates the workflow instruments on the global meter. Without an
// OTLP endpoint they record into the no-op provider.
func (a *app) metrics() (*telemetry.Metrics, error) {
	return telemetry.NewMetrics(telemetry.Meter("gampwise"))
}
