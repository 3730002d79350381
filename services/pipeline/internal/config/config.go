package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"relpack/services/packager"
	"relpack/services/pipeline"
	"relpack/services/releases"
)

// DefaultFile is the optional project file read from the working directory.
const DefaultFile = "relpack.yaml"

// Config holds the relpack settings. Precedence, lowest first: defaults, the
// project file, the environment (including .env), and command-line flags.
type Config struct {
	// CI trigger, as exported by the runner.
	Event   string `env:"GITHUB_EVENT_NAME"`
	Ref     string `env:"GITHUB_REF"`
	Commit  string `env:"GITHUB_SHA"`
	BaseRef string `env:"GITHUB_BASE_REF"`

	SourceDir      string            `env:"RELPACK_SOURCE_DIR,overwrite,default=." yaml:"source_dir"`
	BuildCommand   string            `env:"RELPACK_BUILD_COMMAND,overwrite,default=cargo build --release" yaml:"build_command"`
	BinaryName     string            `env:"RELPACK_BINARY_NAME,overwrite" yaml:"binary_name"`
	BinaryPath     string            `env:"RELPACK_BINARY_PATH,overwrite" yaml:"binary_path"`
	BuildEnv       map[string]string `env:"RELPACK_BUILD_ENV,overwrite" yaml:"build_env"`
	ArtifactName   string            `env:"RELPACK_ARTIFACT_NAME,overwrite,default=release" yaml:"artifact_name"`
	StagingDir     string            `env:"RELPACK_STAGING_DIR,overwrite" yaml:"staging_dir"`
	TagPattern     string            `env:"RELPACK_TAG_PATTERN,overwrite,default=v*" yaml:"tag_pattern"`
	StrictSemver   bool              `env:"RELPACK_STRICT_SEMVER,overwrite" yaml:"strict_semver"`
	TargetBranches []string          `env:"RELPACK_TARGET_BRANCHES,overwrite,default=main" yaml:"target_branches"`
	TitleTemplate  string            `env:"RELPACK_TITLE_TEMPLATE,overwrite" yaml:"title_template"`
	NotesTemplate  string            `env:"RELPACK_NOTES_TEMPLATE,overwrite" yaml:"notes_template"`

	// ArtifactStore is "fs" or "s3".
	ArtifactStore  string `env:"RELPACK_ARTIFACT_STORE,overwrite,default=fs" yaml:"artifact_store"`
	ArtifactDir    string `env:"RELPACK_ARTIFACT_DIR,overwrite,default=.relpack/artifacts" yaml:"artifact_dir"`
	ArtifactBucket string `env:"RELPACK_ARTIFACT_BUCKET,overwrite" yaml:"artifact_bucket"`
	ArtifactPrefix string `env:"RELPACK_ARTIFACT_PREFIX,overwrite,default=artifacts" yaml:"artifact_prefix"`

	// Registry is "github", "s3", "postgres", "sqlite" or "memory".
	Registry         string `env:"RELPACK_REGISTRY,overwrite,default=github" yaml:"registry"`
	GitHubRepository string `env:"GITHUB_REPOSITORY,overwrite" yaml:"github_repository"`
	GitHubToken      string `env:"GITHUB_TOKEN"`
	GitHubAPIURL     string `env:"GITHUB_API_URL,default=https://api.github.com"`
	GitHubUploadURL  string `env:"RELPACK_GITHUB_UPLOAD_URL"`
	ReleaseBucket    string `env:"RELPACK_RELEASE_BUCKET,overwrite" yaml:"release_bucket"`
	ReleasePrefix    string `env:"RELPACK_RELEASE_PREFIX,overwrite,default=releases" yaml:"release_prefix"`
	SQLitePath       string `env:"RELPACK_SQLITE_PATH,overwrite,default=.relpack/releases.db" yaml:"sqlite_path"`
	DatabaseURL      string `env:"DATABASE_URL"`

	NATSURL        string        `env:"NATS_URL"`
	PushgatewayURL string        `env:"PUSHGATEWAY_URL"`
	OTLPEndpoint   string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
	LogFormat      string        `env:"LOG_FORMAT,default=text"`
	Timeout        time.Duration `env:"RELPACK_TIMEOUT"`
}

// Load reads .env (when present), the project file at path, and the environment.
// A missing project file is not an error unless path was set explicitly.
func Load(ctx context.Context, path string) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment source and without .env handling.
func LoadWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	explicit := path != ""
	if path == "" {
		path = DefaultFile
	}
	if err := readFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		if err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings a run depends on.
func (c Config) Validate() error {
	if err := c.Gate().Validate(); err != nil {
		return err
	}
	switch c.ArtifactStore {
	case "fs":
	case "s3":
		if c.ArtifactBucket == "" {
			return errors.New("RELPACK_ARTIFACT_BUCKET is required for the s3 artifact store")
		}
	default:
		return fmt.Errorf("unknown artifact store %q", c.ArtifactStore)
	}
	switch c.Registry {
	case "memory", "sqlite":
	case "github":
		if _, _, err := c.GitHubOwnerRepo(); err != nil {
			return err
		}
	case "s3":
		if c.ReleaseBucket == "" {
			return errors.New("RELPACK_RELEASE_BUCKET is required for the s3 registry")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres registry")
		}
	default:
		return fmt.Errorf("unknown registry %q", c.Registry)
	}
	return nil
}

// Gate returns the publish gate settings.
func (c Config) Gate() pipeline.Gate {
	return pipeline.Gate{
		TagPattern:     c.TagPattern,
		StrictSemver:   c.StrictSemver,
		TargetBranches: c.TargetBranches,
	}
}

// ResolvedBinaryName is the binary name, defaulting to the source directory name.
func (c Config) ResolvedBinaryName() string {
	if c.BinaryName != "" {
		return c.BinaryName
	}
	if c.BinaryPath != "" {
		return path.Base(filepath.ToSlash(c.BinaryPath))
	}
	abs, err := filepath.Abs(c.SourceDir)
	if err != nil {
		return "app"
	}
	return filepath.Base(abs)
}

// ResolvedBinaryPath is the build output path relative to the source directory,
// defaulting to target/release/<binary>.
func (c Config) ResolvedBinaryPath() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return path.Join("target", "release", c.ResolvedBinaryName())
}

// BuildConfig returns the packager build settings.
func (c Config) BuildConfig() packager.BuildConfig {
	var env []string
	for _, k := range slices.Sorted(maps.Keys(c.BuildEnv)) {
		env = append(env, k+"="+c.BuildEnv[k])
	}
	return packager.BuildConfig{
		SourceDir:  c.SourceDir,
		Command:    c.BuildCommand,
		BinaryPath: c.ResolvedBinaryPath(),
		Env:        env,
	}
}

// PipelineConfig returns the runner settings.
func (c Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Build:         c.BuildConfig(),
		ArtifactName:  c.ArtifactName,
		StagingRoot:   c.StagingDir,
		Gate:          c.Gate(),
		TitleTemplate: c.TitleTemplate,
		NotesTemplate: c.NotesTemplate,
	}
}

// GitHubOwnerRepo splits GITHUB_REPOSITORY ("owner/repo").
func (c Config) GitHubOwnerRepo() (string, string, error) {
	owner, repo, ok := strings.Cut(c.GitHubRepository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("GITHUB_REPOSITORY must be owner/repo, got %q", c.GitHubRepository)
	}
	return owner, repo, nil
}

// RegistrySettings selects the release registry backend.
func (c Config) RegistrySettings() releases.Settings {
	return releases.Settings{
		Kind:             c.Registry,
		GitHubRepository: c.GitHubRepository,
		GitHubToken:      c.GitHubToken,
		GitHubAPIURL:     c.GitHubAPIURL,
		GitHubUploadURL:  c.GitHubUploadURL,
		Bucket:           c.ReleaseBucket,
		Prefix:           c.ReleasePrefix,
		SQLitePath:       c.SQLitePath,
		DatabaseURL:      c.DatabaseURL,
	}
}
