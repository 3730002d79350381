package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"relpack/pkg/bus"
	"relpack/pkg/db"
	gos3 "relpack/pkg/s3"
	"relpack/services/artifacts"
	"relpack/services/packager"
	"relpack/services/pipeline"
	"relpack/services/pipeline/internal/config"
	"relpack/services/releases"
)

// deps holds the opened backends of one command invocation.
type deps struct {
	store    artifacts.Store
	registry releases.Registry
	pool     *pgxpool.Pool
	closers  []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// openPool opens the Postgres pool once and applies migrations.
func (d *deps) openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if d.pool != nil {
		return d.pool, nil
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	d.closers = append(d.closers, pool.Close)
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	d.pool = pool
	return pool, nil
}

func (d *deps) openStore(ctx context.Context, cfg config.Config, signer *packager.Signer) error {
	switch cfg.ArtifactStore {
	case "s3":
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		store, err := artifacts.NewS3Store(client, cfg.ArtifactBucket, cfg.ArtifactPrefix, signer)
		if err != nil {
			return err
		}
		d.store = store
	default:
		store, err := artifacts.NewFSStore(cfg.ArtifactDir, signer)
		if err != nil {
			return err
		}
		d.store = store
	}
	return nil
}

func (d *deps) openRegistry(ctx context.Context, cfg config.Config) error {
	reg, closeFn, err := releases.Open(ctx, cfg.RegistrySettings())
	if err != nil {
		return err
	}
	d.closers = append(d.closers, closeFn)
	d.registry = reg
	return nil
}

// sideChannels returns runner options for the optional event bus and run history. A
// side channel that cannot be opened is logged and left out.
func (d *deps) sideChannels(ctx context.Context, cfg config.Config, logger zerolog.Logger) []pipeline.Option {
	var opts []pipeline.Option

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err == nil {
			err = b.EnsureStream(pipeline.StreamName, pipeline.SubjectWildcard)
			if err != nil {
				b.Close()
			}
		}
		if err != nil {
			logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("run events disabled")
		} else {
			d.closers = append(d.closers, b.Close)
			opts = append(opts, pipeline.WithEvents(b))
		}
	}

	if cfg.DatabaseURL != "" {
		pool, err := d.openPool(ctx, cfg)
		if err == nil {
			var history *pipeline.PGHistory
			if history, err = pipeline.NewPGHistory(pool); err == nil {
				opts = append(opts, pipeline.WithHistory(history))
			}
		}
		if err != nil {
			logger.Warn().Err(err).Msg("run history disabled")
		}
	}
	return opts
}

func pushMetrics(metrics *pipeline.Metrics, url string, logger zerolog.Logger) {
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metrics.Push(ctx, url, "relpack"); err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("push metrics")
	}
}
