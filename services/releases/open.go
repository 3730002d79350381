package releases

import (
	"context"
	"fmt"
	"strings"

	"relpack/pkg/db"
	gos3 "relpack/pkg/s3"
)

// Settings selects and configures a registry backend.
type Settings struct {
	// Kind is "github", "s3", "postgres", "sqlite" or "memory".
	Kind string

	GitHubRepository string
	GitHubToken      string
	GitHubAPIURL     string
	GitHubUploadURL  string

	Bucket string
	Prefix string

	SQLitePath  string
	DatabaseURL string
}

// Open builds the configured registry. The returned func releases its resources.
func Open(ctx context.Context, s Settings) (Registry, func(), error) {
	noop := func() {}
	switch s.Kind {
	case "memory":
		return NewMemoryRegistry(), noop, nil
	case "sqlite":
		reg, err := OpenSQLite(s.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	case "s3":
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		reg, err := NewS3Registry(client, s.Bucket, s.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return reg, noop, nil
	case "postgres":
		pool, err := db.Open(ctx, s.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		orm, err := db.OpenGORM(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		reg, err := NewPostgresRegistry(orm)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return reg, pool.Close, nil
	case "github":
		owner, repo, ok := strings.Cut(s.GitHubRepository, "/")
		if !ok {
			return nil, nil, fmt.Errorf("github repository must be owner/repo, got %q", s.GitHubRepository)
		}
		reg, err := NewGitHubRegistry(GitHubOptions{
			Owner:     owner,
			Repo:      repo,
			Token:     s.GitHubToken,
			APIURL:    s.GitHubAPIURL,
			UploadURL: s.GitHubUploadURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return reg, noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry %q", s.Kind)
	}
}
