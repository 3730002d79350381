package packager

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageBundle(t *testing.T, content string, signer *Signer) *Bundle {
	t.Helper()
	bundle, err := Package(context.Background(), PackageConfig{
		BinaryPath: writeBinary(t, content),
		StagingDir: t.TempDir(),
		Commit:     "abc123",
		Signer:     signer,
		Now:        fixedNow,
	})
	require.NoError(t, err)
	return bundle
}

func TestArchiveRoundTrip(t *testing.T) {
	bundle := stageBundle(t, "B", nil)

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, bundle.Dir, bundle.Manifest))

	dest := filepath.Join(t.TempDir(), "out")
	manifest, err := ReadArchive(bytes.NewReader(buf.Bytes()), dest, nil)
	require.NoError(t, err)
	assert.Equal(t, bundle.Manifest.Files, manifest.Files)
	assert.Equal(t, "abc123", manifest.Commit)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"statusbar", "statusbar.sha256"}, names, "manifest is not extracted")

	data, err := os.ReadFile(filepath.Join(dest, "statusbar"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
	require.NoError(t, Verify(dest))
}

func TestArchiveVerifiesSignature(t *testing.T) {
	signer := newTestSigner(t)
	bundle := stageBundle(t, "B", signer)

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, bundle.Dir, bundle.Manifest))

	_, err := ReadArchive(bytes.NewReader(buf.Bytes()), t.TempDir(), signer)
	require.NoError(t, err)

	other := newTestSigner(t)
	_, err = ReadArchive(bytes.NewReader(buf.Bytes()), t.TempDir(), other)
	assert.Error(t, err)
}

func TestReadArchiveDetectsTampering(t *testing.T) {
	bundle := stageBundle(t, "B", nil)
	bundle.Manifest.Files[0].SHA256 = digestHello

	var buf bytes.Buffer
	require.NoError(t, WriteArchive(&buf, bundle.Dir, bundle.Manifest))

	_, err := ReadArchive(bytes.NewReader(buf.Bytes()), t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func rawArchive(t *testing.T, manifest []byte, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)

	write := func(name, body string) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	if manifest != nil {
		write(manifestFileName, string(manifest))
	}
	for name, body := range entries {
		write(name, body)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestReadArchiveRejectsUnsafeEntries(t *testing.T) {
	manifest := []byte("version: \"1\"\nfiles:\n  - path: statusbar\n    size: 1\n    sha256: " + digestB + "\n")

	tests := []struct {
		name     string
		manifest []byte
		entries  map[string]string
	}{
		{name: "no manifest", entries: map[string]string{"files/statusbar": "B"}},
		{name: "traversal", manifest: manifest, entries: map[string]string{"files/../../evil": "B"}},
		{name: "unlisted file", manifest: manifest, entries: map[string]string{"files/statusbar": "B", "files/extra": "x"}},
		{name: "missing file", manifest: manifest, entries: map[string]string{}},
		{name: "outside prefix", manifest: manifest, entries: map[string]string{"statusbar": "B"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := rawArchive(t, tt.manifest, tt.entries)
			_, err := ReadArchive(bytes.NewReader(data), t.TempDir(), nil)
			assert.Error(t, err)
		})
	}
}
