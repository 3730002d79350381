package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"relpack/services/releases"
)

// Config holds runtime configuration for the releases gateway.
type Config struct {
	Addr            string        `env:"ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS"`
	RateLimit       int           `env:"RATE_LIMIT_PER_MINUTE,default=100"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=json"`

	Registry         string `env:"RELPACK_REGISTRY,default=sqlite"`
	GitHubRepository string `env:"GITHUB_REPOSITORY"`
	GitHubToken      string `env:"GITHUB_TOKEN"`
	GitHubAPIURL     string `env:"GITHUB_API_URL,default=https://api.github.com"`
	ReleaseBucket    string `env:"RELPACK_RELEASE_BUCKET"`
	ReleasePrefix    string `env:"RELPACK_RELEASE_PREFIX,default=releases"`
	SQLitePath       string `env:"RELPACK_SQLITE_PATH,default=.relpack/releases.db"`
	DatabaseURL      string `env:"DATABASE_URL"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment source.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RegistrySettings selects the registry the gateway reads from.
func (c Config) RegistrySettings() releases.Settings {
	return releases.Settings{
		Kind:             c.Registry,
		GitHubRepository: c.GitHubRepository,
		GitHubToken:      c.GitHubToken,
		GitHubAPIURL:     c.GitHubAPIURL,
		Bucket:           c.ReleaseBucket,
		Prefix:           c.ReleasePrefix,
		SQLitePath:       c.SQLitePath,
		DatabaseURL:      c.DatabaseURL,
	}
}
