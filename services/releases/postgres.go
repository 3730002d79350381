package releases

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relpack/pkg/db/migrations"
)

// PostgresRegistry stores releases and asset contents in Postgres through GORM. The
// schema comes from the relpack migrations.
type PostgresRegistry struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresRegistry(db *gorm.DB) (*PostgresRegistry, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	return &PostgresRegistry{db: db, now: time.Now}, nil
}

func (r *PostgresRegistry) Upsert(ctx context.Context, rel Release, files []File) (*Release, error) {
	rel, err := describe(rel, files)
	if err != nil {
		return nil, err
	}

	rows := make([]migrations.ReleaseAsset, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		asset, _ := rel.Asset(f.Name)
		rows = append(rows, migrations.ReleaseAsset{
			ReleaseTag: rel.Tag,
			Name:       asset.Name,
			Size:       asset.Size,
			SHA256:     asset.SHA256,
			Contents:   data,
		})
	}

	now := r.now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing migrations.Release
		err := tx.Select("tag", "created_at").Where("tag = ?", rel.Tag).Take(&existing).Error
		switch {
		case err == nil:
			rel.CreatedAt = existing.CreatedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		row := migrations.Release{
			Tag:       rel.Tag,
			Title:     rel.Title,
			Body:      rel.Body,
			Commit:    rel.Commit,
			Meta:      datatypes.JSONMap{"run_id": rel.RunID},
			CreatedAt: rel.CreatedAt,
			UpdatedAt: rel.UpdatedAt,
		}
		if err := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tag"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "body", "commit", "meta", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert release: %w", err)
		}

		if err := tx.Where("release_tag = ?", rel.Tag).Delete(&migrations.ReleaseAsset{}).Error; err != nil {
			return fmt.Errorf("clear assets: %w", err)
		}
		if err := tx.Omit(clause.Associations).Create(&rows).Error; err != nil {
			return fmt.Errorf("insert assets: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, tag string) (*Release, error) {
	var row migrations.Release
	err := r.withAssets(ctx).Where("tag = ?", tag).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rel := fromRow(row)
	return &rel, nil
}

func (r *PostgresRegistry) List(ctx context.Context) ([]Release, error) {
	var rows []migrations.Release
	if err := r.withAssets(ctx).Order("tag").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Release, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

func (r *PostgresRegistry) Open(ctx context.Context, tag, asset string) (io.ReadCloser, error) {
	var row migrations.ReleaseAsset
	err := r.db.WithContext(ctx).
		Select("contents").
		Where("release_tag = ? AND name = ?", tag, asset).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(row.Contents)), nil
}

// withAssets preloads asset metadata without the contents column.
func (r *PostgresRegistry) withAssets(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Assets", func(db *gorm.DB) *gorm.DB {
		return db.Select("release_tag", "name", "size", "sha256").Order("name")
	})
}

func fromRow(row migrations.Release) Release {
	rel := Release{
		Tag:       row.Tag,
		Title:     row.Title,
		Body:      row.Body,
		Commit:    row.Commit,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
		Assets:    make([]Asset, 0, len(row.Assets)),
	}
	if runID, ok := row.Meta["run_id"].(string); ok {
		rel.RunID = runID
	}
	for _, a := range row.Assets {
		rel.Assets = append(rel.Assets, Asset{Name: a.Name, Size: a.Size, SHA256: a.SHA256})
	}
	return rel
}
