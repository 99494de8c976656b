package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

type fileItem struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (it fileItem) expired(now time.Time) bool {
	return !it.ExpiresAt.IsZero() && now.After(it.ExpiresAt)
}

// File is a Storage persisted as one JSON document. Every mutation rewrites
// the file through a temp-and-rename, so a crash mid-write leaves the
// previous version intact. Suited to the small metadata this service keeps,
// not to high-churn keys.
type File struct {
	mu    sync.Mutex
	path  string
	items map[string]fileItem
}

func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f := &File{path: path, items: make(map[string]fileItem)}
	f.load()
	return f, nil
}

// load tolerates a missing or corrupted file; persistence starts fresh.
func (f *File) load() {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	var items map[string]fileItem
	if err := json.Unmarshal(data, &items); err != nil {
		logger.Component("storage").Warn("metadata file corrupted, starting empty", "path", f.path, "error", err)
		return
	}
	now := time.Now()
	for k, it := range items {
		if !it.expired(now) {
			f.items[k] = it
		}
	}
}

func (f *File) persist() error {
	data, err := json.MarshalIndent(f.items, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[key]
	if !ok || it.expired(time.Now()) {
		return nil, ports.ErrNotFound
	}
	return append([]byte(nil), it.Value...), nil
}

func (f *File) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := fileItem{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.ExpiresAt = time.Now().Add(ttl)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[key] = it
	return f.persist()
}

func (f *File) Query(_ context.Context, prefix string) (map[string][]byte, error) {
	now := time.Now()
	out := make(map[string][]byte)
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, it := range f.items {
		if it.expired(now) || !strings.HasPrefix(k, prefix) {
			continue
		}
		out[k] = append([]byte(nil), it.Value...)
	}
	return out, nil
}

func (f *File) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return nil
	}
	delete(f.items, key)
	return f.persist()
}

func (f *File) TTL(_ context.Context, key string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[key]
	now := time.Now()
	if !ok || it.expired(now) {
		return 0, ports.ErrNotFound
	}
	if it.ExpiresAt.IsZero() {
		return 0, nil
	}
	return it.ExpiresAt.Sub(now), nil
}

func (f *File) Close() error {
	return nil
}
