package releases

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps releases in process memory. It backs dry runs and tests.
type MemoryRegistry struct {
	mu       sync.RWMutex
	now      func() time.Time
	releases map[string]*memoryRelease
}

type memoryRelease struct {
	release  Release
	contents map[string][]byte
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{now: time.Now, releases: map[string]*memoryRelease{}}
}

func (m *MemoryRegistry) Upsert(ctx context.Context, rel Release, files []File) (*Release, error) {
	rel, err := describe(rel, files)
	if err != nil {
		return nil, err
	}

	contents := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		contents[f.Name] = data
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rel.CreatedAt = now
	if existing, ok := m.releases[rel.Tag]; ok {
		rel.CreatedAt = existing.release.CreatedAt
	}
	rel.UpdatedAt = now
	m.releases[rel.Tag] = &memoryRelease{release: rel, contents: contents}

	out := cloneRelease(rel)
	return &out, nil
}

func (m *MemoryRegistry) Get(ctx context.Context, tag string) (*Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.releases[tag]
	if !ok {
		return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
	}
	out := cloneRelease(entry.release)
	return &out, nil
}

func (m *MemoryRegistry) List(ctx context.Context) ([]Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Release, 0, len(m.releases))
	for _, entry := range m.releases {
		out = append(out, cloneRelease(entry.release))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func (m *MemoryRegistry) Open(ctx context.Context, tag, asset string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.releases[tag]
	if !ok {
		return nil, fmt.Errorf("%s: %w", tag, ErrNotFound)
	}
	data, ok := entry.contents[asset]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", tag, asset, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func cloneRelease(r Release) Release {
	r.Assets = append([]Asset(nil), r.Assets...)
	return r
}
