package releases

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-github/v66/github"

	gos3 "relpack/pkg/s3"
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
		return fmt.Errorf("size mismatch for %s", key)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return fmt.Errorf("checksum mismatch for %s", key)
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
		return nil, fmt.Errorf("%s: %w", key, gos3.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjects) ListKeys(ctx context.Context, bucket, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		key := strings.TrimPrefix(k, bucket+"/")
		if strings.HasPrefix(k, bucket+"/") && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeObjects) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.objects, bucket+"/"+k)
	}
	return nil
}

// fakeGitHub serves the subset of the Releases API the registry uses, under the
// GitHub Enterprise path layout.
type fakeGitHub struct {
	mu       sync.Mutex
	nextID   int64
	releases map[int64]*github.RepositoryRelease
	contents map[int64][]byte
	requests []string
}

func newFakeGitHub(t *testing.T) (*fakeGitHub, *httptest.Server) {
	t.Helper()
	f := &fakeGitHub{nextID: 1, releases: map[int64]*github.RepositoryRelease{}, contents: map[int64][]byte{}}

	mux := http.NewServeMux()
	base := "/api/v3/repos/acme/statusbar/releases"
	mux.HandleFunc("GET "+base, f.list)
	mux.HandleFunc("POST "+base, f.create)
	mux.HandleFunc("GET "+base+"/tags/{tag}", f.byTag)
	mux.HandleFunc("PATCH "+base+"/{id}", f.update)
	mux.HandleFunc("POST /api/uploads/repos/acme/statusbar/releases/{id}/assets", f.upload)
	mux.HandleFunc("GET "+base+"/assets/{id}", f.download)
	mux.HandleFunc("DELETE "+base+"/assets/{id}", f.deleteAsset)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeGitHub) id() int64 {
	id := f.nextID
	f.nextID++
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGitHub) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*github.RepositoryRelease{}
	for _, rel := range f.releases {
		out = append(out, rel)
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeGitHub) create(w http.ResponseWriter, r *http.Request) {
	var req github.RepositoryRelease
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rel := range f.releases {
		if rel.GetTagName() == req.GetTagName() {
			http.Error(w, "already_exists", http.StatusUnprocessableEntity)
			return
		}
	}
	rel := &github.RepositoryRelease{
		ID:              github.Int64(f.id()),
		TagName:         req.TagName,
		Name:            req.Name,
		Body:            req.Body,
		TargetCommitish: req.TargetCommitish,
		CreatedAt:       &github.Timestamp{Time: time.Now().UTC()},
	}
	f.releases[rel.GetID()] = rel
	writeJSON(w, http.StatusCreated, rel)
}

func (f *fakeGitHub) byTag(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rel := range f.releases {
		if rel.GetTagName() == r.PathValue("tag") {
			writeJSON(w, http.StatusOK, rel)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func (f *fakeGitHub) release(w http.ResponseWriter, r *http.Request) *github.RepositoryRelease {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	rel, ok := f.releases[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return nil
	}
	return rel
}

func (f *fakeGitHub) update(w http.ResponseWriter, r *http.Request) {
	var req github.RepositoryRelease
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.release(w, r)
	if rel == nil {
		return
	}
	rel.Name, rel.Body, rel.TargetCommitish = req.Name, req.Body, req.TargetCommitish
	writeJSON(w, http.StatusOK, rel)
}

func (f *fakeGitHub) upload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")

	f.mu.Lock()
	defer f.mu.Unlock()
	rel := f.release(w, r)
	if rel == nil {
		return
	}
	for _, a := range rel.Assets {
		if a.GetName() == name {
			http.Error(w, "already_exists", http.StatusUnprocessableEntity)
			return
		}
	}
	asset := &github.ReleaseAsset{ID: github.Int64(f.id()), Name: github.String(name), Size: github.Int(len(data))}
	rel.Assets = append(rel.Assets, asset)
	f.contents[asset.GetID()] = data
	writeJSON(w, http.StatusCreated, asset)
}

func (f *fakeGitHub) download(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.contents[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (f *fakeGitHub) deleteAsset(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rel := range f.releases {
		for i, a := range rel.Assets {
			if a.GetID() == id {
				rel.Assets = append(rel.Assets[:i], rel.Assets[i+1:]...)
				delete(f.contents, id)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

type presigningObjects struct {
	*fakeObjects
}

func (presigningObjects) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.example.test/%s?ttl=%d", bucket, key, int(ttl.Seconds())), nil
}
