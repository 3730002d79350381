package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gos3 "relpack/pkg/s3"
	"relpack/services/packager"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, digest string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(data), size)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return fmt.Errorf("digest mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = data
	return nil
}

func (f *fakeObjects) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, gos3.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func stage(t *testing.T, content string) *packager.Bundle {
	t.Helper()
	binary := filepath.Join(t.TempDir(), "statusbar")
	require.NoError(t, os.WriteFile(binary, []byte(content), 0o755))

	bundle, err := packager.Package(context.Background(), packager.PackageConfig{
		BinaryPath: binary,
		StagingDir: t.TempDir(),
		Commit:     "abc123",
	})
	require.NoError(t, err)
	return bundle
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	s3Store, err := NewS3Store(newFakeObjects(), "bucket", "", nil)
	require.NoError(t, err)
	return map[string]Store{"fs": fsStore, "s3": s3Store}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bundle := stage(t, "B")
			key := Key{RunID: "run-1", Name: "release"}

			require.NoError(t, store.Upload(ctx, key, bundle))

			dest := t.TempDir()
			manifest, err := store.Download(ctx, key, dest)
			require.NoError(t, err)
			assert.Equal(t, "abc123", manifest.Commit)

			data, err := os.ReadFile(filepath.Join(dest, "statusbar"))
			require.NoError(t, err)
			assert.Equal(t, "B", string(data))
			require.NoError(t, packager.Verify(dest))
		})
	}
}

func TestStoreUploadSupersedes(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := Key{RunID: "run-1", Name: "release"}

			require.NoError(t, store.Upload(ctx, key, stage(t, "binary-v1")))
			require.NoError(t, store.Upload(ctx, key, stage(t, "binary-v2")))

			dest := t.TempDir()
			_, err := store.Download(ctx, key, dest)
			require.NoError(t, err)
			data, err := os.ReadFile(filepath.Join(dest, "statusbar"))
			require.NoError(t, err)
			assert.Equal(t, "binary-v2", string(data))
		})
	}
}

func TestStoreIsolatesRuns(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Upload(ctx, Key{RunID: "run-a", Name: "release"}, stage(t, "binary-v1")))
			require.NoError(t, store.Upload(ctx, Key{RunID: "run-b", Name: "release"}, stage(t, "binary-v2")))

			dest := t.TempDir()
			_, err := store.Download(ctx, Key{RunID: "run-a", Name: "release"}, dest)
			require.NoError(t, err)
			data, err := os.ReadFile(filepath.Join(dest, "statusbar"))
			require.NoError(t, err)
			assert.Equal(t, "binary-v1", string(data))
		})
	}
}

func TestStoreDownloadMissing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Download(context.Background(), Key{RunID: "run-1", Name: "release"}, t.TempDir())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestKeyValidate(t *testing.T) {
	assert.NoError(t, Key{RunID: "3f2c", Name: "release"}.Validate())
	assert.Error(t, Key{RunID: "", Name: "release"}.Validate())
	assert.Error(t, Key{RunID: "../x", Name: "release"}.Validate())
	assert.Error(t, Key{RunID: "run", Name: "a/b"}.Validate())
	assert.Equal(t, "run/release.tar.zst", Key{RunID: "run", Name: "release"}.ObjectName())
}

func TestNewS3StoreValidates(t *testing.T) {
	_, err := NewS3Store(nil, "bucket", "", nil)
	assert.Error(t, err)
	_, err = NewS3Store(newFakeObjects(), " ", "", nil)
	assert.Error(t, err)

	store, err := NewS3Store(newFakeObjects(), "bucket", "/ci/artifacts/", nil)
	require.NoError(t, err)
	assert.Equal(t, "ci/artifacts/run/release.tar.zst", store.objectKey(Key{RunID: "run", Name: "release"}))
}
