package releases

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	gos3 "relpack/pkg/s3"
)

const releaseDocument = "release.yaml"

// Objects is the subset of the S3 client the registry needs.
type Objects interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	ListKeys(ctx context.Context, bucket, prefix string) ([]string, error)
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
}

// S3Registry lays releases out in a bucket as
//
//	<prefix>/<tag>/release.yaml
//	<prefix>/<tag>/assets/<name>
//
// Assets are written before the release document, and stale assets are removed after it,
// so readers going through the document never see a missing asset.
type S3Registry struct {
	client Objects
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Registry returns a registry rooted at prefix (default "releases").
func NewS3Registry(client Objects, bucket, prefix string) (*S3Registry, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "releases"
	}
	return &S3Registry{client: client, bucket: bucket, prefix: prefix, now: time.Now}, nil
}

func (r *S3Registry) releaseKey(tag string) string {
	return path.Join(r.prefix, tag, releaseDocument)
}

func (r *S3Registry) assetPrefix(tag string) string {
	return path.Join(r.prefix, tag, "assets") + "/"
}

func (r *S3Registry) Upsert(ctx context.Context, rel Release, files []File) (*Release, error) {
	rel, err := describe(rel, files)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	rel.CreatedAt = now
	existing, err := r.Get(ctx, rel.Tag)
	switch {
	case err == nil:
		rel.CreatedAt = existing.CreatedAt
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	rel.UpdatedAt = now

	for _, f := range files {
		asset, _ := rel.Asset(f.Name)
		if err := r.putFile(ctx, r.assetPrefix(rel.Tag)+f.Name, f.Path, asset); err != nil {
			return nil, err
		}
	}

	doc, err := yaml.Marshal(rel)
	if err != nil {
		return nil, fmt.Errorf("marshal release: %w", err)
	}
	sum := sha256.Sum256(doc)
	if err := r.client.PutObject(ctx, r.bucket, r.releaseKey(rel.Tag), bytes.NewReader(doc), int64(len(doc)), hex.EncodeToString(sum[:])); err != nil {
		return nil, fmt.Errorf("put release document: %w", err)
	}

	if err := r.pruneAssets(ctx, rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *S3Registry) putFile(ctx context.Context, key, filePath string, asset Asset) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", asset.Name, err)
	}
	defer f.Close()

	if err := r.client.PutObject(ctx, r.bucket, key, f, asset.Size, asset.SHA256); err != nil {
		return fmt.Errorf("put asset %s: %w", asset.Name, err)
	}
	return nil
}

func (r *S3Registry) pruneAssets(ctx context.Context, rel Release) error {
	prefix := r.assetPrefix(rel.Tag)
	keys, err := r.client.ListKeys(ctx, r.bucket, prefix)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	var stale []string
	for _, key := range keys {
		if _, ok := rel.Asset(strings.TrimPrefix(key, prefix)); !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := r.client.DeleteObjects(ctx, r.bucket, stale); err != nil {
		return fmt.Errorf("delete stale assets: %w", err)
	}
	return nil
}

func (r *S3Registry) Get(ctx context.Context, tag string) (*Release, error) {
	if err := ValidateTag(tag); err != nil {
		return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
	}
	body, err := r.client.GetObject(ctx, r.bucket, r.releaseKey(tag))
	if errors.Is(err, gos3.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get release %s: %w", tag, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read release %s: %w", tag, err)
	}
	var rel Release
	if err := yaml.Unmarshal(data, &rel); err != nil {
		return nil, fmt.Errorf("decode release %s: %w", tag, err)
	}
	return &rel, nil
}

func (r *S3Registry) List(ctx context.Context) ([]Release, error) {
	keys, err := r.client.ListKeys(ctx, r.bucket, r.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}

	var out []Release
	for _, key := range keys {
		rest := strings.TrimPrefix(key, r.prefix+"/")
		tag, name, ok := strings.Cut(rest, "/")
		if !ok || name != releaseDocument {
			continue
		}
		rel, err := r.Get(ctx, tag)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (r *S3Registry) Open(ctx context.Context, tag, asset string) (io.ReadCloser, error) {
	rel, err := r.Get(ctx, tag)
	if err != nil {
		return nil, err
	}
	if _, ok := rel.Asset(asset); !ok {
		return nil, fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}
	body, err := r.client.GetObject(ctx, r.bucket, r.assetPrefix(tag)+asset)
	if errors.Is(err, gos3.ErrNotFound) {
		return nil, fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s/%s: %w", tag, asset, err)
	}
	return body, nil
}

type presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// PresignAsset returns a time-limited download URL for an asset. It needs a client that
// can presign, such as *s3.Client.
func (r *S3Registry) PresignAsset(ctx context.Context, tag, asset string, ttl time.Duration) (string, error) {
	p, ok := r.client.(presigner)
	if !ok {
		return "", errors.New("s3 client cannot presign")
	}
	rel, err := r.Get(ctx, tag)
	if err != nil {
		return "", err
	}
	if _, ok := rel.Asset(asset); !ok {
		return "", fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}
	return p.PresignGet(ctx, r.bucket, r.assetPrefix(tag)+asset, ttl)
}
