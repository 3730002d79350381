package packager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPackage marks failures of the packaging step.
var ErrPackage = errors.New("package failed")

// Bundle is a staged build artifact: a directory holding the binary and its checksum file.
type Bundle struct {
	Dir          string
	BinaryName   string
	ChecksumName string
	Digest       string
	Manifest     *Manifest
}

// Files returns the absolute paths of the staged files in a stable order.
func (b *Bundle) Files() []string {
	return []string{
		filepath.Join(b.Dir, b.BinaryName),
		filepath.Join(b.Dir, b.ChecksumName),
	}
}

// Package copies the binary into the staging directory and writes a checksum file computed
// from the staged copy. On failure nothing is left behind in the staging directory.
func Package(ctx context.Context, cfg PackageConfig) (bundle *Bundle, err error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("%w: binary path is required", ErrPackage)
	}
	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("%w: staging dir is required", ErrPackage)
	}
	if cfg.Name == "" {
		cfg.Name = "release"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: binary: %w", ErrPackage, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrPackage, cfg.BinaryPath)
	}

	if err := prepareStagingDir(cfg.StagingDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPackage, err)
	}
	defer func() {
		if err != nil {
			cleanStagingDir(cfg.StagingDir)
		}
	}()

	binaryName := filepath.Base(cfg.BinaryPath)
	checksumName := binaryName + ChecksumSuffix
	staged := filepath.Join(cfg.StagingDir, binaryName)

	if err := copyFile(cfg.BinaryPath, staged, info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPackage, err)
	}

	digest, size, err := HashFile(staged)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPackage, err)
	}

	sums := FormatChecksums([]ChecksumEntry{{Digest: digest, Name: binaryName}})
	sumPath := filepath.Join(cfg.StagingDir, checksumName)
	if err := writeFileAtomic(sumPath, sums, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPackage, err)
	}
	sumDigest, sumSize, err := HashFile(sumPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPackage, err)
	}

	manifest := &Manifest{
		Version:   ManifestVersion,
		Name:      cfg.Name,
		RunID:     cfg.RunID,
		Commit:    cfg.Commit,
		Ref:       cfg.Ref,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Files: []ManifestFile{
			{Path: binaryName, Size: size, SHA256: digest},
			{Path: checksumName, Size: sumSize, SHA256: sumDigest},
		},
	}
	if cfg.Signer.CanSign() {
		if err := cfg.Signer.SignManifest(manifest); err != nil {
			return nil, fmt.Errorf("%w: sign manifest: %w", ErrPackage, err)
		}
	}

	return &Bundle{
		Dir:          cfg.StagingDir,
		BinaryName:   binaryName,
		ChecksumName: checksumName,
		Digest:       digest,
		Manifest:     manifest,
	}, nil
}

// OpenBundle reconstructs a Bundle from a directory previously written by Package or
// extracted from an archive. The checksum files must verify.
func OpenBundle(dir string, manifest *Manifest) (*Bundle, error) {
	if manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if err := Verify(dir); err != nil {
		return nil, err
	}

	bundle := &Bundle{Dir: dir, Manifest: manifest}
	for _, f := range manifest.Files {
		if strings.HasSuffix(f.Path, ChecksumSuffix) {
			bundle.ChecksumName = f.Path
			continue
		}
		bundle.BinaryName = f.Path
		bundle.Digest = f.SHA256
	}
	if bundle.BinaryName == "" || bundle.ChecksumName == "" {
		return nil, errors.New("bundle must contain a binary and its checksum file")
	}
	return bundle, nil
}

func prepareStagingDir(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return os.MkdirAll(dir, 0o755)
	case err != nil:
		return fmt.Errorf("read staging dir: %w", err)
	case len(entries) > 0:
		return fmt.Errorf("staging dir %s is not empty", dir)
	}
	return nil
}

func cleanStagingDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %q: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stage-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
