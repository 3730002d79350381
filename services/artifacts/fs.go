package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"relpack/services/packager"
)

// FSStore keeps archives on the local filesystem under Root.
type FSStore struct {
	root   string
	signer *packager.Signer
}

// NewFSStore returns a store rooted at root. signer, when non-nil, is used to verify
// manifests on download.
func NewFSStore(root string, signer *packager.Signer) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("artifact store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store root: %w", err)
	}
	return &FSStore{root: root, signer: signer}, nil
}

func (s *FSStore) path(key Key) string {
	return filepath.Join(s.root, filepath.FromSlash(key.ObjectName()))
}

// Upload writes the archive atomically so readers never observe a partial file.
func (s *FSStore) Upload(ctx context.Context, key Key, bundle *packager.Bundle) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if bundle == nil || bundle.Manifest == nil {
		return errors.New("bundle with manifest is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(target), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := packager.WriteArchive(tmp, bundle.Dir, bundle.Manifest); err != nil {
		tmp.Close()
		return fmt.Errorf("archive %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

// Download extracts the archive for key into dest.
func (s *FSStore) Download(ctx context.Context, key Key, dest string) (*packager.Manifest, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer file.Close()

	return packager.ReadArchive(file, dest, s.signer)
}
