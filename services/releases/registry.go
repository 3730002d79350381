// Package releases publishes staged bundles as tag-keyed releases. Every backend
// implements Upsert with overwrite semantics: after a successful call the release for the
// tag carries exactly the supplied files, whatever it held before.
package releases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"relpack/services/packager"
)

// ErrNotFound is returned when a release or asset does not exist.
var ErrNotFound = errors.New("release not found")

var (
	tagPattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
	assetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)
)

// Asset is a file attached to a release.
type Asset struct {
	Name   string `json:"name" yaml:"name"`
	Size   int64  `json:"size" yaml:"size"`
	SHA256 string `json:"sha256" yaml:"sha256"`
}

// Release is a tag-keyed publication with attached assets.
type Release struct {
	Tag       string    `json:"tag" yaml:"tag"`
	Title     string    `json:"title" yaml:"title"`
	Body      string    `json:"body,omitempty" yaml:"body,omitempty"`
	Commit    string    `json:"commit,omitempty" yaml:"commit,omitempty"`
	RunID     string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Assets    []Asset   `json:"assets" yaml:"assets"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Asset returns the named asset.
func (r *Release) Asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// File is a local file to attach to a release under Name.
type File struct {
	Name string
	Path string
}

// FilesFromBundle lists the staged bundle files for upload.
func FilesFromBundle(b *packager.Bundle) []File {
	var files []File
	for _, p := range b.Files() {
		files = append(files, File{Name: filepath.Base(p), Path: p})
	}
	return files
}

// Registry stores releases keyed by tag.
type Registry interface {
	// Upsert creates the release for rel.Tag or fully replaces it, assets included.
	Upsert(ctx context.Context, rel Release, files []File) (*Release, error)
	Get(ctx context.Context, tag string) (*Release, error)
	List(ctx context.Context) ([]Release, error)
	// Open streams an asset's contents. The caller closes the reader.
	Open(ctx context.Context, tag, asset string) (io.ReadCloser, error)
}

// ValidateTag rejects tags that cannot be used as keys by every backend.
func ValidateTag(tag string) error {
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("invalid release tag %q", tag)
	}
	return nil
}

// describe validates the release and computes asset metadata from the files on disk.
func describe(rel Release, files []File) (Release, error) {
	if err := ValidateTag(rel.Tag); err != nil {
		return Release{}, err
	}
	if rel.Title == "" {
		rel.Title = "Release " + rel.Tag
	}
	if len(files) == 0 {
		return Release{}, errors.New("release needs at least one file")
	}

	seen := make(map[string]bool, len(files))
	rel.Assets = make([]Asset, 0, len(files))
	for _, f := range files {
		if !assetNamePattern.MatchString(f.Name) {
			return Release{}, fmt.Errorf("invalid asset name %q", f.Name)
		}
		if seen[f.Name] {
			return Release{}, fmt.Errorf("duplicate asset %q", f.Name)
		}
		seen[f.Name] = true

		digest, size, err := packager.HashFile(f.Path)
		if err != nil {
			return Release{}, err
		}
		rel.Assets = append(rel.Assets, Asset{Name: f.Name, Size: size, SHA256: digest})
	}
	sort.Slice(rel.Assets, func(i, j int) bool { return rel.Assets[i].Name < rel.Assets[j].Name })
	return rel, nil
}
