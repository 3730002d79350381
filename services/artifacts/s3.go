package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	gos3 "relpack/pkg/s3"
	"relpack/services/packager"
)

// ObjectStore is the subset of the S3 client used by S3Store.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// S3Store keeps archives in an S3 bucket under Prefix.
type S3Store struct {
	client ObjectStore
	bucket string
	prefix string
	signer *packager.Signer
}

// NewS3Store returns a store writing to bucket/prefix. The prefix defaults to "artifacts".
func NewS3Store(client ObjectStore, bucket, prefix string, signer *packager.Signer) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "artifacts"
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix, signer: signer}, nil
}

func (s *S3Store) objectKey(key Key) string {
	return path.Join(s.prefix, key.ObjectName())
}

// Upload spools the archive to a temporary file so its size and digest are known before
// the PUT, then uploads it with checksum metadata.
func (s *S3Store) Upload(ctx context.Context, key Key, bundle *packager.Bundle) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if bundle == nil || bundle.Manifest == nil {
		return errors.New("bundle with manifest is required")
	}

	tmp, err := os.CreateTemp("", "relpack-archive-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hash)}
	if err := packager.WriteArchive(counter, bundle.Dir, bundle.Manifest); err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), tmp, counter.n, digest); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Download streams the archive for key and extracts it into dest.
func (s *S3Store) Download(ctx context.Context, key Key, dest string) (*packager.Manifest, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	body, err := s.client.GetObject(ctx, s.bucket, s.objectKey(key))
	if errors.Is(err, gos3.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer body.Close()

	return packager.ReadArchive(body, dest, s.signer)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
