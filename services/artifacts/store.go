// Package artifacts stores staged bundles between the build and publish stages of a run.
// Bundles are kept as tar.zst archives keyed by run and artifact name; uploading the same
// key again replaces the previous archive.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"relpack/services/packager"
)

// ErrNotFound is returned when no archive exists for a key.
var ErrNotFound = errors.New("artifact not found")

var keyPart = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Key identifies one artifact of one run.
type Key struct {
	RunID string
	Name  string
}

// Validate rejects keys that could escape the store layout.
func (k Key) Validate() error {
	if !keyPart.MatchString(k.RunID) {
		return fmt.Errorf("invalid run id %q", k.RunID)
	}
	if !keyPart.MatchString(k.Name) {
		return fmt.Errorf("invalid artifact name %q", k.Name)
	}
	return nil
}

// ObjectName is the store-relative archive name for the key.
func (k Key) ObjectName() string {
	return k.RunID + "/" + k.Name + ".tar.zst"
}

func (k Key) String() string {
	return k.RunID + "/" + k.Name
}

// Store uploads and downloads staged bundles.
type Store interface {
	// Upload archives the bundle directory under key.
	Upload(ctx context.Context, key Key, bundle *packager.Bundle) error
	// Download extracts the archive for key into dest and returns its manifest.
	Download(ctx context.Context, key Key, dest string) (*packager.Manifest, error)
}
