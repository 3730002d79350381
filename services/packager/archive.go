package packager

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	manifestFileName = "manifest.yaml"
	filesTarPrefix   = "files"
)

// WriteArchive streams the bundle in dir to w as a tar.zst archive. The manifest is the
// first entry; the files it lists follow under files/.
func WriteArchive(w io.Writer, dir string, manifest *Manifest) error {
	data, err := MarshalManifest(manifest)
	if err != nil {
		return err
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := writeArchiveEntries(tw, dir, data, manifest); err != nil {
		tw.Close()
		encoder.Close()
		return err
	}
	if err := tw.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeArchiveEntries(tw *tar.Writer, dir string, manifestBytes []byte, manifest *Manifest) error {
	header := &tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifestBytes)),
		ModTime:  archiveTime(manifest.CreatedAt),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifestBytes); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range manifest.Files {
		if err := writeArchiveFile(tw, dir, entry); err != nil {
			return err
		}
	}
	return nil
}

func writeArchiveFile(tw *tar.Writer, dir string, entry ManifestFile) error {
	fullPath := filepath.Join(dir, filepath.FromSlash(entry.Path))
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	if info.Size() != entry.Size {
		return fmt.Errorf("size of %q changed since staging", entry.Path)
	}

	header := &tar.Header{
		Name:     path.Join(filesTarPrefix, entry.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

// ReadArchive extracts an archive written by WriteArchive into dest and returns its
// manifest. Every extracted file is checked against the manifest digest; unknown entries
// and entries escaping dest are rejected. When signer is non-nil the manifest signature
// must verify.
func ReadArchive(r io.Reader, dest string, signer *Signer) (*Manifest, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("create %q: %w", dest, err)
	}

	tr := tar.NewReader(decoder)
	header, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("read manifest entry: %w", err)
	}
	if header.Name != manifestFileName {
		return nil, fmt.Errorf("archive must start with %s, found %q", manifestFileName, header.Name)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	manifest, err := UnmarshalManifest(data)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		if err := signer.VerifyManifest(manifest); err != nil {
			return nil, fmt.Errorf("verify manifest signature: %w", err)
		}
	}

	seen := make(map[string]bool, len(manifest.Files))
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		rel, ok := strings.CutPrefix(path.Clean(header.Name), filesTarPrefix+"/")
		if !ok || rel == "" || strings.HasPrefix(rel, "../") {
			return nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		expected, ok := manifest.File(rel)
		if !ok {
			return nil, fmt.Errorf("entry %q not listed in manifest", rel)
		}
		if err := extractFile(tr, dest, rel, header.FileInfo().Mode().Perm(), expected); err != nil {
			return nil, err
		}
		seen[rel] = true
	}

	for _, f := range manifest.Files {
		if !seen[f.Path] {
			return nil, fmt.Errorf("file %q missing from archive", f.Path)
		}
	}
	return manifest, nil
}

func extractFile(r io.Reader, dest, rel string, mode os.FileMode, expected ManifestFile) error {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid entry path %q", rel)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", filepath.Dir(target), err)
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create %q: %w", rel, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(file, hash), r)
	if err != nil {
		return fmt.Errorf("write %q: %w", rel, err)
	}
	if size != expected.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", rel, expected.Size, size)
	}
	if !strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), expected.SHA256) {
		return fmt.Errorf("%s: %w", rel, ErrChecksumMismatch)
	}
	return nil
}

// archiveTime is the fallback modification time for manifests created without a clock.
func archiveTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0).UTC()
	}
	return t
}
