package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"relpack/pkg/telemetry"
	"relpack/services/pipeline/internal/config"
)

const serviceName = "relpack"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	configPath string
	logFormat  string
	logLevel   string

	cfg    config.Config
	logger zerolog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "relpack",
		Short:         "Build, package and publish release binaries",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Project file (default relpack.yaml when present)")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json (env LOG_FORMAT)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (env LOG_LEVEL)")

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newBuildCommand(a))
	cmd.AddCommand(newPackageCommand(a))
	cmd.AddCommand(newVerifyCommand(a))
	cmd.AddCommand(newPublishCommand(a))
	cmd.AddCommand(newReleasesCommand(a))
	cmd.AddCommand(newHistoryCommand(a))
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(cmd.Context(), a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogFormat, cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) jsonOutput() bool {
	return a.cfg.LogFormat == "json"
}
