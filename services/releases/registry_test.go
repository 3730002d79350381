package releases

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relpack/pkg/db"
)

const testDatabaseEnv = "RELPACK_TEST_DATABASE_URL"

func registries(t *testing.T) map[string]Registry {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "releases.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	s3, err := NewS3Registry(newFakeObjects(), "bucket", "")
	require.NoError(t, err)

	_, srv := newFakeGitHub(t)
	gh, err := NewGitHubRegistry(GitHubOptions{
		Owner:     "acme",
		Repo:      "statusbar",
		Token:     "test-token",
		APIURL:    srv.URL,
		UploadURL: srv.URL,
	})
	require.NoError(t, err)

	out := map[string]Registry{
		"memory": NewMemoryRegistry(),
		"sqlite": sqlite,
		"s3":     s3,
		"github": gh,
	}
	if pg := postgresRegistry(t); pg != nil {
		out["postgres"] = pg
	}
	return out
}

func postgresRegistry(t *testing.T) Registry {
	t.Helper()
	dsn := os.Getenv(testDatabaseEnv)
	if dsn == "" {
		return nil
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool))
	_, err = db.Exec(ctx, pool, `DELETE FROM releases`)
	require.NoError(t, err)

	gormDB, err := db.OpenGORM(pool)
	require.NoError(t, err)
	reg, err := NewPostgresRegistry(gormDB)
	require.NoError(t, err)
	return reg
}

func writeFiles(t *testing.T, files map[string]string) []File {
	t.Helper()
	dir := t.TempDir()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []File
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(files[name]), 0o644))
		out = append(out, File{Name: name, Path: path})
	}
	return out
}

func readAsset(t *testing.T, reg Registry, tag, name string) string {
	t.Helper()
	rc, err := reg.Open(context.Background(), tag, name)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func assetNames(rel *Release) []string {
	var names []string
	for _, a := range rel.Assets {
		names = append(names, a.Name)
	}
	return names
}

func TestRegistryUpsertCreates(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			files := writeFiles(t, map[string]string{"statusbar": "B", "statusbar.sha256": "sums"})

			out, err := reg.Upsert(ctx, Release{Tag: "v1.0.0", Body: "notes", Commit: "abc123"}, files)
			require.NoError(t, err)
			assert.Equal(t, "Release v1.0.0", out.Title)

			got, err := reg.Get(ctx, "v1.0.0")
			require.NoError(t, err)
			assert.Equal(t, "v1.0.0", got.Tag)
			assert.Equal(t, "notes", got.Body)
			assert.Equal(t, "abc123", got.Commit)
			assert.Equal(t, []string{"statusbar", "statusbar.sha256"}, assetNames(got))

			asset, ok := got.Asset("statusbar")
			require.True(t, ok)
			assert.Equal(t, int64(1), asset.Size)
			assert.Equal(t, "df7e70e5021544f4834bbee64a9e3789febc4be81470df629cad6ddb03320a5c", asset.SHA256)

			assert.Equal(t, "B", readAsset(t, reg, "v1.0.0", "statusbar"))
		})
	}
}

func TestRegistryUpsertOverwrites(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := reg.Upsert(ctx, Release{Tag: "v1.0.0", Title: "first"},
				writeFiles(t, map[string]string{"statusbar": "binary-v1", "old.txt": "stale"}))
			require.NoError(t, err)
			first, err := reg.Get(ctx, "v1.0.0")
			require.NoError(t, err)

			_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0", Title: "second"},
				writeFiles(t, map[string]string{"statusbar": "binary-v2", "statusbar.sha256": "sums"}))
			require.NoError(t, err)

			got, err := reg.Get(ctx, "v1.0.0")
			require.NoError(t, err)
			assert.Equal(t, "second", got.Title)
			assert.Equal(t, []string{"statusbar", "statusbar.sha256"}, assetNames(got))
			assert.True(t, got.CreatedAt.Equal(first.CreatedAt), "created_at preserved across overwrite")
			assert.Equal(t, "binary-v2", readAsset(t, reg, "v1.0.0", "statusbar"))

			_, err = reg.Open(ctx, "v1.0.0", "old.txt")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err := reg.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestRegistryUpsertIdempotent(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			files := writeFiles(t, map[string]string{"statusbar": "binary-v1"})

			_, err := reg.Upsert(ctx, Release{Tag: "v2.0.0"}, files)
			require.NoError(t, err)
			first, err := reg.Get(ctx, "v2.0.0")
			require.NoError(t, err)

			_, err = reg.Upsert(ctx, Release{Tag: "v2.0.0"}, files)
			require.NoError(t, err)
			second, err := reg.Get(ctx, "v2.0.0")
			require.NoError(t, err)

			assert.Equal(t, first.Assets, second.Assets)
			assert.Equal(t, first.Title, second.Title)
		})
	}
}

func TestRegistryList(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, tag := range []string{"v1.1.0", "v1.0.0"} {
				_, err := reg.Upsert(ctx, Release{Tag: tag}, writeFiles(t, map[string]string{"statusbar": tag}))
				require.NoError(t, err)
			}

			all, err := reg.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "v1.0.0", all[0].Tag)
			assert.Equal(t, "v1.1.0", all[1].Tag)
			assert.Equal(t, []string{"statusbar"}, assetNames(&all[1]))
		})
	}
}

func TestRegistryNotFound(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := reg.Get(ctx, "v9.9.9")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = reg.Open(ctx, "v9.9.9", "statusbar")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0"}, writeFiles(t, map[string]string{"statusbar": "B"}))
			require.NoError(t, err)
			_, err = reg.Open(ctx, "v1.0.0", "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRegistryRejectsInvalidInput(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			files := writeFiles(t, map[string]string{"statusbar": "B"})

			_, err := reg.Upsert(ctx, Release{Tag: "../v1"}, files)
			assert.Error(t, err)

			_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0"}, nil)
			assert.Error(t, err)

			dup := append(files, files[0])
			_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0"}, dup)
			assert.Error(t, err)

			_, err = reg.Get(ctx, "v1.0.0")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestValidateTag(t *testing.T) {
	for _, tag := range []string{"v1.0.0", "v1.0.0-rc.1", "v1.0.0+build.5", "nightly"} {
		assert.NoError(t, ValidateTag(tag), tag)
	}
	for _, tag := range []string{"", "a/b", "../x", ".hidden", "v 1"} {
		assert.Error(t, ValidateTag(tag), tag)
	}
}

func TestGitHubRegistryReplacesAssetsInOrder(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	reg, err := NewGitHubRegistry(GitHubOptions{
		Owner: "acme", Repo: "statusbar", Token: "test-token",
		APIURL: srv.URL, UploadURL: srv.URL,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0"}, writeFiles(t, map[string]string{"statusbar": "a", "old.txt": "b"}))
	require.NoError(t, err)
	fake.requests = nil

	_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0"}, writeFiles(t, map[string]string{"statusbar": "c"}))
	require.NoError(t, err)

	// Colliding asset deleted before upload, stale asset deleted after.
	assert.Equal(t, []string{
		"GET /api/v3/repos/acme/statusbar/releases/tags/v1.0.0",
		"PATCH /api/v3/repos/acme/statusbar/releases/1",
		"DELETE /api/v3/repos/acme/statusbar/releases/assets/3",
		"POST /api/uploads/repos/acme/statusbar/releases/1/assets",
		"DELETE /api/v3/repos/acme/statusbar/releases/assets/2",
	}, fake.requests)
}

func TestGitHubRegistryUnauthorized(t *testing.T) {
	_, srv := newFakeGitHub(t)
	reg, err := NewGitHubRegistry(GitHubOptions{Owner: "acme", Repo: "statusbar", APIURL: srv.URL})
	require.NoError(t, err)

	_, err = reg.Get(context.Background(), "v1.0.0")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "401")
}

func TestS3RegistryPresignAsset(t *testing.T) {
	ctx := context.Background()
	reg, err := NewS3Registry(presigningObjects{newFakeObjects()}, "bucket", "rel")
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, Release{Tag: "v1.0.0"}, writeFiles(t, map[string]string{"statusbar": "B"}))
	require.NoError(t, err)

	url, err := reg.PresignAsset(ctx, "v1.0.0", "statusbar", 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://bucket.example.test/rel/v1.0.0/assets/statusbar?ttl=300", url)

	_, err = reg.PresignAsset(ctx, "v1.0.0", "missing", time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)

	plain, err := NewS3Registry(newFakeObjects(), "bucket", "")
	require.NoError(t, err)
	_, err = plain.PresignAsset(ctx, "v1.0.0", "statusbar", time.Minute)
	assert.Error(t, err)
}

func TestOpenSettings(t *testing.T) {
	ctx := context.Background()

	reg, closeFn, err := Open(ctx, Settings{Kind: "memory"})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &MemoryRegistry{}, reg)

	reg, closeFn, err = Open(ctx, Settings{Kind: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "r.db")})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &SQLiteRegistry{}, reg)

	reg, closeFn, err = Open(ctx, Settings{Kind: "github", GitHubRepository: "acme/statusbar"})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &GitHubRegistry{}, reg)

	_, _, err = Open(ctx, Settings{Kind: "github", GitHubRepository: "acme"})
	assert.Error(t, err)
	_, _, err = Open(ctx, Settings{Kind: "gitlab"})
	assert.Error(t, err)
}

func TestGitHubRegistryEndpoints(t *testing.T) {
	for name, tc := range map[string]struct {
		opts       GitHubOptions
		wantAPI    string
		wantUpload string
	}{
		"public": {
			wantAPI:    "https://api.github.com/",
			wantUpload: "https://uploads.github.com/",
		},
		"enterprise derives uploads from api host": {
			opts:       GitHubOptions{APIURL: "https://ghe.example.test/api/v3"},
			wantAPI:    "https://ghe.example.test/api/v3/",
			wantUpload: "https://ghe.example.test/api/uploads/",
		},
		"explicit upload url": {
			opts:       GitHubOptions{APIURL: "https://ghe.example.test/api/v3/", UploadURL: "https://uploads.ghe.example.test/api/uploads/"},
			wantAPI:    "https://ghe.example.test/api/v3/",
			wantUpload: "https://uploads.ghe.example.test/api/uploads/",
		},
	} {
		t.Run(name, func(t *testing.T) {
			tc.opts.Owner, tc.opts.Repo = "acme", "statusbar"
			reg, err := NewGitHubRegistry(tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.wantAPI, reg.client.BaseURL.String())
			assert.Equal(t, tc.wantUpload, reg.client.UploadURL.String())
		})
	}

	_, err := NewGitHubRegistry(GitHubOptions{Owner: "acme", Repo: "statusbar", APIURL: "ghe.example.test"})
	assert.Error(t, err)
}

func TestGitHubRegistryUploadsToDerivedEndpoint(t *testing.T) {
	fake, srv := newFakeGitHub(t)
	reg, err := NewGitHubRegistry(GitHubOptions{Owner: "acme", Repo: "statusbar", Token: "test-token", APIURL: srv.URL})
	require.NoError(t, err)

	_, err = reg.Upsert(context.Background(), Release{Tag: "v1.0.0"}, writeFiles(t, map[string]string{"statusbar": "B"}))
	require.NoError(t, err)
	assert.Contains(t, fake.requests, "POST /api/uploads/repos/acme/statusbar/releases/1/assets")
}

func TestGitHubBodyDigests(t *testing.T) {
	assets := []Asset{{Name: "statusbar", SHA256: "aa"}, {Name: "statusbar.sha256", SHA256: "bb"}}
	for _, body := range []string{"", "notes", "notes\n\n"} {
		got, digests := splitDigests(embedDigests(body, assets))
		assert.Equal(t, body, got)
		assert.Equal(t, map[string]string{"statusbar": "aa", "statusbar.sha256": "bb"}, digests)
	}

	got, digests := splitDigests("written by hand")
	assert.Equal(t, "written by hand", got)
	assert.Nil(t, digests)
}
