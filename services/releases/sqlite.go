package releases

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteRegistry keeps releases in a local SQLite file. It suits single-host setups where
// the gateway and the pipeline share a disk.
type SQLiteRegistry struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the registry database at path.
func OpenSQLite(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRegistry{db: db, now: time.Now}, nil
}

func (r *SQLiteRegistry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRegistry) Upsert(ctx context.Context, rel Release, files []File) (*Release, error) {
	rel, err := describe(rel, files)
	if err != nil {
		return nil, err
	}
	contents := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		contents[f.Name] = data
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := r.now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	var created string
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM releases WHERE tag = ?`, rel.Tag).Scan(&created)
	switch {
	case err == nil:
		if rel.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("lookup release: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO releases (tag, title, body, commit_sha, run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			commit_sha = excluded.commit_sha,
			run_id = excluded.run_id,
			updated_at = excluded.updated_at`,
		rel.Tag, rel.Title, rel.Body, rel.Commit, rel.RunID,
		rel.CreatedAt.Format(time.RFC3339Nano), rel.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert release: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM release_assets WHERE release_tag = ?`, rel.Tag); err != nil {
		return nil, fmt.Errorf("clear assets: %w", err)
	}
	for _, a := range rel.Assets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO release_assets (release_tag, name, size, sha256, contents)
			VALUES (?, ?, ?, ?, ?)`,
			rel.Tag, a.Name, a.Size, a.SHA256, contents[a.Name])
		if err != nil {
			return nil, fmt.Errorf("insert asset %s: %w", a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &rel, nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, tag string) (*Release, error) {
	rel, err := scanRelease(r.db.QueryRowContext(ctx, `
		SELECT tag, title, body, commit_sha, run_id, created_at, updated_at
		FROM releases WHERE tag = ?`, tag))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if rel.Assets, err = r.assets(ctx, tag); err != nil {
		return nil, err
	}
	return rel, nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]Release, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tag, title, body, commit_sha, run_id, created_at, updated_at
		FROM releases ORDER BY tag`)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	var out []Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *rel)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Single connection: assets are loaded after the release cursor is closed.
	for i := range out {
		if out[i].Assets, err = r.assets(ctx, out[i].Tag); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SQLiteRegistry) Open(ctx context.Context, tag, asset string) (io.ReadCloser, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT contents FROM release_assets WHERE release_tag = ? AND name = ?`, tag, asset).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *SQLiteRegistry) assets(ctx context.Context, tag string) ([]Asset, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, size, sha256 FROM release_assets WHERE release_tag = ? ORDER BY name`, tag)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	assets := []Asset{}
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.Name, &a.Size, &a.SHA256); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(row rowScanner) (*Release, error) {
	var (
		rel              Release
		created, updated string
	)
	if err := row.Scan(&rel.Tag, &rel.Title, &rel.Body, &rel.Commit, &rel.RunID, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if rel.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rel.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rel, nil
}
