// Package pipeline drives one release run: build, package, upload, and, when the
// gate allows, publish. Each run is sequential and isolated by its run ID.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relpack/pkg/render"
	"relpack/pkg/telemetry"
	"relpack/services/artifacts"
	"relpack/services/packager"
	"relpack/services/releases"
)

// ErrPublish marks failures of the publish stage.
var ErrPublish = errors.New("publish failed")

const (
	titleTemplate = "title.tmpl"
	notesTemplate = "notes.tmpl"
)

// Config holds the per-run settings.
type Config struct {
	Build packager.BuildConfig
	// ArtifactName is the logical name the bundle is stored under.
	ArtifactName string
	// StagingRoot holds one staging directory per run.
	StagingRoot string
	Gate        Gate
	// TitleTemplate and NotesTemplate override the embedded release templates.
	TitleTemplate string
	NotesTemplate string
}

// Runner executes runs against an artifact store and a release registry.
type Runner struct {
	cfg      Config
	store    artifacts.Store
	registry releases.Registry
	signer   *packager.Signer
	logger   zerolog.Logger
	metrics  *Metrics
	events   Publisher
	history  History
	render   *render.Engine
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() uuid.UUID
}

// Option customises a Runner.
type Option func(*Runner)

func WithLogger(l zerolog.Logger) Option { return func(r *Runner) { r.logger = l } }
func WithSigner(s *packager.Signer) Option { return func(r *Runner) { r.signer = s } }
func WithMetrics(m *Metrics) Option { return func(r *Runner) { r.metrics = m } }
func WithEvents(p Publisher) Option { return func(r *Runner) { r.events = p } }
func WithHistory(h History) Option { return func(r *Runner) { r.history = h } }
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }
func WithRunIDs(next func() uuid.UUID) Option { return func(r *Runner) { r.newID = next } }

// NewRunner validates cfg and wires the runner.
func NewRunner(cfg Config, store artifacts.Store, registry releases.Registry, opts ...Option) (*Runner, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if registry == nil {
		return nil, errors.New("release registry is required")
	}
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = "release"
	}
	if cfg.StagingRoot == "" {
		cfg.StagingRoot = filepath.Join(os.TempDir(), "relpack")
	}
	if cfg.Gate.TagPattern == "" {
		cfg.Gate = DefaultGate()
	}
	if err := cfg.Gate.Validate(); err != nil {
		return nil, err
	}
	if err := (artifacts.Key{RunID: "run", Name: cfg.ArtifactName}).Validate(); err != nil {
		return nil, err
	}

	engine, err := render.New()
	if err != nil {
		return nil, err
	}
	if cfg.TitleTemplate != "" {
		if err := engine.Override(titleTemplate, cfg.TitleTemplate); err != nil {
			return nil, err
		}
	}
	if cfg.NotesTemplate != "" {
		if err := engine.Override(notesTemplate, cfg.NotesTemplate); err != nil {
			return nil, err
		}
	}

	r := &Runner{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   zerolog.Nop(),
		render:   engine,
		tracer:   telemetry.Tracer("relpack/pipeline"),
		now:      time.Now,
		newID:    uuid.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	// The store verifies what the run uploads, so a run must sign with the same key.
	if r.signer != nil && !r.signer.CanSign() {
		return nil, errors.New("signer has only a public key: runs need AGE_SECRET_KEY to sign their bundles")
	}
	return r, nil
}

// Run executes one run for trigger. The returned run is never nil; the error is the
// cause of a failed run.
func (r *Runner) Run(ctx context.Context, trigger Trigger) (*Run, error) {
	run := NewRun(r.newID(), trigger, r.now())
	log := r.logger.With().
		Str("run_id", run.ID.String()).
		Str("event", string(trigger.Event)).
		Str("ref", trigger.Ref).
		Logger()

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("relpack.run_id", run.ID.String()),
		attribute.String("relpack.ref", trigger.Ref),
		attribute.String("relpack.commit", trigger.Commit),
	))
	defer span.End()
	defer r.metrics.observeRun(run)

	if r.history != nil {
		if err := r.history.RecordStart(ctx, run); err != nil {
			log.Warn().Err(err).Msg("record run start")
		}
	}
	log.Info().Str("commit", trigger.Commit).Msg("run started")

	if ok, reason := r.cfg.Gate.ShouldBuild(trigger); !ok {
		run.Reason = reason
		log.Info().Str("reason", reason).Msg("build skipped")
		return run, r.advance(ctx, run, StateSkipped, log)
	}

	if err := r.advance(ctx, run, StateBuilding, log); err != nil {
		return run, err
	}

	stagingDir := filepath.Join(r.cfg.StagingRoot, run.ID.String())
	defer os.RemoveAll(stagingDir)

	key := artifacts.Key{RunID: run.ID.String(), Name: r.cfg.ArtifactName}
	if err := r.stage(ctx, run, stagingDir, key, log); err != nil {
		return run, r.fail(ctx, span, run, err, log)
	}
	run.ArtifactKey = key.String()
	if err := r.advance(ctx, run, StateStaged, log); err != nil {
		return run, err
	}

	if ok, reason := r.cfg.Gate.ShouldPublish(trigger); !ok {
		run.Reason = reason
		log.Info().Str("reason", reason).Msg("publish gated")
		return run, r.advance(ctx, run, StateDone, log)
	}

	if err := r.advance(ctx, run, StatePublishing, log); err != nil {
		return run, err
	}
	rel, err := r.publish(ctx, run.ID.String(), trigger, key, log)
	if err != nil {
		return run, r.fail(ctx, span, run, fmt.Errorf("%w: %w", ErrPublish, err), log)
	}
	run.ReleaseTag = rel.Tag
	if err := r.advance(ctx, run, StatePublished, log); err != nil {
		return run, err
	}
	log.Info().Str("tag", rel.Tag).Int("assets", len(rel.Assets)).Msg("release published")
	return run, nil
}

// stage builds, packages and uploads the bundle. The checkout must hold the trigger
// commit, and for tags the tag must point at it; the manifest records the commit read
// from the checkout.
func (r *Runner) stage(ctx context.Context, run *Run, stagingDir string, key artifacts.Key, log zerolog.Logger) error {
	var (
		built  *packager.BuildResult
		commit string
	)
	err := r.step(ctx, "build", log, func(ctx context.Context) error {
		cfg := r.cfg.Build
		var tag string
		if run.Trigger.Kind() == RefTag {
			tag = run.Trigger.Name()
		}
		var err error
		commit, err = packager.VerifyCheckout(sourceDir(cfg), run.Trigger.Commit, tag)
		if err != nil {
			return fmt.Errorf("%w: %w", packager.ErrBuild, err)
		}

		out := newLineWriter(log, "stdout")
		errOut := newLineWriter(log, "stderr")
		defer out.Flush()
		defer errOut.Flush()
		if cfg.Stdout == nil {
			cfg.Stdout = out
		}
		if cfg.Stderr == nil {
			cfg.Stderr = errOut
		}
		built, err = packager.Build(ctx, cfg)
		return err
	})
	if err != nil {
		return err
	}

	var bundle *packager.Bundle
	err = r.step(ctx, "package", log, func(ctx context.Context) error {
		var err error
		bundle, err = packager.Package(ctx, packager.PackageConfig{
			BinaryPath: built.BinaryPath,
			StagingDir: stagingDir,
			Name:       r.cfg.ArtifactName,
			RunID:      run.ID.String(),
			Commit:     commit,
			Ref:        run.Trigger.Ref,
			Signer:     r.signer,
			Now:        r.now,
		})
		return err
	})
	if err != nil {
		return err
	}
	log.Info().Str("binary", bundle.BinaryName).Str("sha256", bundle.Digest).Msg("bundle staged")

	return r.step(ctx, "upload", log, func(ctx context.Context) error {
		if err := r.store.Upload(ctx, key, bundle); err != nil {
			return fmt.Errorf("%w: upload artifact %s: %w", packager.ErrPackage, key, err)
		}
		return nil
	})
}

// Publish promotes the artifact uploaded by run runID to the release named by the
// trigger's tag. The artifact must have been built from the trigger commit.
func (r *Runner) Publish(ctx context.Context, runID string, trigger Trigger) (*releases.Release, error) {
	if ok, reason := r.cfg.Gate.ShouldPublish(trigger); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPublish, reason)
	}
	key := artifacts.Key{RunID: runID, Name: r.cfg.ArtifactName}
	rel, err := r.publish(ctx, runID, trigger, key, r.logger.With().Str("run_id", runID).Logger())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return rel, nil
}

// publish re-reads the uploaded artifact, proves it matches the trigger commit and
// upserts the release.
func (r *Runner) publish(ctx context.Context, runID string, trigger Trigger, key artifacts.Key, log zerolog.Logger) (*releases.Release, error) {
	tag := trigger.Name()
	dir := filepath.Join(r.cfg.StagingRoot, runID+"-publish")
	defer os.RemoveAll(dir)

	var rel *releases.Release
	err := r.step(ctx, "publish", log, func(ctx context.Context) error {
		manifest, err := r.store.Download(ctx, key, dir)
		if err != nil {
			return fmt.Errorf("download artifact %s: %w", key, err)
		}
		if err := manifest.CheckCommit(trigger.Commit); err != nil {
			return err
		}
		bundle, err := packager.OpenBundle(dir, manifest)
		if err != nil {
			return err
		}

		title, body, err := r.describe(tag, trigger, manifest)
		if err != nil {
			return err
		}
		rel, err = r.registry.Upsert(ctx, releases.Release{
			Tag:    tag,
			Title:  title,
			Body:   body,
			Commit: manifest.Commit,
			RunID:  runID,
		}, releases.FilesFromBundle(bundle))
		return err
	})
	return rel, err
}

func sourceDir(cfg packager.BuildConfig) string {
	if cfg.SourceDir == "" {
		return "."
	}
	return cfg.SourceDir
}

type notesFile struct {
	Name   string
	SHA256 string
}

type notesData struct {
	Tag    string
	Commit string
	Ref    string
	Files  []notesFile
}

func (r *Runner) describe(tag string, trigger Trigger, manifest *packager.Manifest) (string, string, error) {
	data := notesData{Tag: tag, Commit: manifest.Commit, Ref: trigger.Ref}
	for _, f := range manifest.Files {
		data.Files = append(data.Files, notesFile{Name: f.Path, SHA256: f.SHA256})
	}
	title, err := r.render.Render(titleTemplate, data)
	if err != nil {
		return "", "", fmt.Errorf("render title: %w", err)
	}
	body, err := r.render.Render(notesTemplate, data)
	if err != nil {
		return "", "", fmt.Errorf("render notes: %w", err)
	}
	return strings.TrimSpace(title), body, nil
}

func (r *Runner) step(ctx context.Context, name string, log zerolog.Logger, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := r.now()
	err := fn(ctx)
	elapsed := r.now().Sub(start)
	r.metrics.observeStep(name, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Str("step", name).Dur("elapsed", elapsed).Msg("step failed")
		return err
	}
	log.Info().Str("step", name).Dur("elapsed", elapsed).Msg("step finished")
	return nil
}

func (r *Runner) advance(ctx context.Context, run *Run, to State, log zerolog.Logger) error {
	tr, err := run.Advance(to, r.now())
	if err != nil {
		return err
	}
	log.Debug().Str("from", string(tr.From)).Str("to", string(tr.To)).Msg("state changed")

	if r.history != nil {
		if err := r.history.RecordTransition(ctx, run, tr); err != nil {
			log.Warn().Err(err).Msg("record transition")
		}
	}
	if r.events != nil {
		if err := r.events.Publish(ctx, Subject(to), newRunEvent(run, tr)); err != nil {
			log.Warn().Err(err).Str("subject", Subject(to)).Msg("publish run event")
		}
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, span trace.Span, run *Run, cause error, log zerolog.Logger) error {
	run.Err = cause
	span.RecordError(cause)
	span.SetStatus(codes.Error, cause.Error())
	if err := r.advance(ctx, run, StateFailed, log); err != nil {
		return errors.Join(cause, err)
	}
	log.Error().Err(cause).Msg("run failed")
	return cause
}
