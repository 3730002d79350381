package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"relpack/pkg/telemetry"
	"relpack/services/artifacts"
	"relpack/services/packager"
	"relpack/services/pipeline"
	"relpack/services/pipeline/internal/config"
)

// triggerFlags override the trigger read from the CI environment.
type triggerFlags struct {
	event, ref, sha, baseRef string
}

func (f *triggerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.event, "event", "", "Trigger event: push or pull_request (env GITHUB_EVENT_NAME)")
	cmd.Flags().StringVar(&f.ref, "ref", "", "Git ref, e.g. refs/tags/v1.0.0 (env GITHUB_REF)")
	cmd.Flags().StringVar(&f.sha, "sha", "", "Commit SHA the ref points to (env GITHUB_SHA)")
	cmd.Flags().StringVar(&f.baseRef, "base-ref", "", "Pull request target branch (env GITHUB_BASE_REF)")
}

func (f *triggerFlags) trigger(cfg config.Config) (pipeline.Trigger, error) {
	event, ref, sha, base := cfg.Event, cfg.Ref, cfg.Commit, cfg.BaseRef
	if f.event != "" {
		event = f.event
	}
	if f.ref != "" {
		ref = f.ref
	}
	if f.sha != "" {
		sha = f.sha
	}
	if f.baseRef != "" {
		base = f.baseRef
	}
	return pipeline.ParseTrigger(event, ref, sha, base)
}

// buildFlags override the build and gate settings.
type buildFlags struct {
	sourceDir, command, binary, tagPattern, registry string
	strict                                           bool
	timeout                                          time.Duration
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.sourceDir, "source-dir", "", "Checkout to build in (env RELPACK_SOURCE_DIR)")
	cmd.Flags().StringVar(&f.command, "command", "", "Build command run with sh -c (env RELPACK_BUILD_COMMAND)")
	cmd.Flags().StringVar(&f.binary, "binary", "", "Built binary path relative to the source dir (env RELPACK_BINARY_PATH)")
	cmd.Flags().StringVar(&f.tagPattern, "tag-pattern", "", "Glob a tag must match to publish (env RELPACK_TAG_PATTERN)")
	cmd.Flags().StringVar(&f.registry, "registry", "", "Release registry: github, s3, postgres, sqlite, memory")
	cmd.Flags().BoolVar(&f.strict, "strict-semver", false, "Only publish tags that are valid semver")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Abort the run after this long (env RELPACK_TIMEOUT)")
}

func (f *buildFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if f.sourceDir != "" {
		cfg.SourceDir = f.sourceDir
	}
	if f.command != "" {
		cfg.BuildCommand = f.command
	}
	if f.binary != "" {
		cfg.BinaryPath = f.binary
	}
	if f.tagPattern != "" {
		cfg.TagPattern = f.tagPattern
	}
	if f.registry != "" {
		cfg.Registry = f.registry
	}
	if cmd.Flags().Changed("strict-semver") {
		cfg.StrictSemver = f.strict
	}
	if f.timeout > 0 {
		cfg.Timeout = f.timeout
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func newRunCommand(a *app) *cobra.Command {
	var (
		tf triggerFlags
		bf buildFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build, package and upload the binary; publish it when the ref is a release tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			bf.apply(cmd, &a.cfg)
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			trigger, err := tf.trigger(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := withTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()

			shutdown, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					a.logger.Warn().Err(err).Msg("shutdown tracing")
				}
			}()

			runner, d, metrics, err := a.newRunner(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			run, runErr := runner.Run(ctx, trigger)
			pushMetrics(metrics, cfg.PushgatewayURL, a.logger)
			if err := printRun(os.Stdout, run, a.jsonOutput()); err != nil {
				a.logger.Warn().Err(err).Msg("print summary")
			}
			return runErr
		},
	}

	tf.register(cmd)
	bf.register(cmd)
	return cmd
}

// newRunner wires a runner. sign hands the environment signer to the runner as well as
// the store; runs that build need it, publish-only runners do not.
func (a *app) newRunner(ctx context.Context, cfg config.Config, sign bool) (*pipeline.Runner, *deps, *pipeline.Metrics, error) {
	signer, err := packager.NewSignerFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}

	d := &deps{}
	if err := d.openStore(ctx, cfg, signer); err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	if err := d.openRegistry(ctx, cfg); err != nil {
		d.Close()
		return nil, nil, nil, err
	}

	metrics := pipeline.NewMetrics()
	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(metrics),
	}
	if sign {
		opts = append(opts, pipeline.WithSigner(signer))
	}
	opts = append(opts, d.sideChannels(ctx, cfg, a.logger)...)

	runner, err := pipeline.NewRunner(cfg.PipelineConfig(), d.store, d.registry, opts...)
	if err != nil {
		d.Close()
		return nil, nil, nil, err
	}
	return runner, d, metrics, nil
}

func newPublishCommand(a *app) *cobra.Command {
	var (
		tf    triggerFlags
		runID string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the artifact uploaded by an earlier run as the release for a tag",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := (artifacts.Key{RunID: runID, Name: cfg.ArtifactName}).Validate(); err != nil {
				return err
			}
			trigger, err := tf.trigger(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := withTimeout(cmd.Context(), cfg.Timeout)
			defer cancel()

			// Publishing only reads the artifact back, so AGE_PUBLIC_KEY alone is enough
			// to verify bundles signed by an earlier run.
			runner, d, _, err := a.newRunner(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			rel, err := runner.Publish(ctx, runID, trigger)
			if err != nil {
				return err
			}
			return printRelease(os.Stdout, rel, a.jsonOutput())
		},
	}

	tf.register(cmd)
	cmd.Flags().StringVar(&runID, "run-id", "", "Run whose artifact is published")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}
