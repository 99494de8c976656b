package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

type stubArchiver struct {
	mu      sync.Mutex
	commits []domain.EncodedSnapshot
	removed []string
	scanned []domain.ArchiveFile

	encodeErr error
	commitErr error

	// When set, Encode signals encodeBusy and then blocks on encodeGate so
	// tests can hold a rotation mid-flight.
	encodeBusy chan struct{}
	encodeGate chan struct{}
}

func (a *stubArchiver) Encode(snap domain.Snapshot) (domain.EncodedSnapshot, error) {
	if a.encodeBusy != nil {
		a.encodeBusy <- struct{}{}
	}
	if a.encodeGate != nil {
		<-a.encodeGate
	}
	if a.encodeErr != nil {
		return domain.EncodedSnapshot{}, a.encodeErr
	}
	raw, err := json.Marshal(snap.Entries)
	if err != nil {
		return domain.EncodedSnapshot{}, err
	}
	return domain.EncodedSnapshot{Raw: raw, TakenAt: snap.TakenAt, EntryCount: len(snap.Entries)}, nil
}

func (a *stubArchiver) Commit(enc domain.EncodedSnapshot) (domain.ArchiveFile, error) {
	if a.commitErr != nil {
		return domain.ArchiveFile{}, a.commitErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, enc)
	return domain.ArchiveFile{
		Filename:   fmt.Sprintf("logs-%03d.json", len(a.commits)),
		CreatedAt:  enc.TakenAt,
		EntryCount: enc.EntryCount,
		SizeBytes:  int64(len(enc.Raw)),
	}, nil
}

func (a *stubArchiver) Scan() ([]domain.ArchiveFile, error) {
	return append([]domain.ArchiveFile(nil), a.scanned...), nil
}

func (a *stubArchiver) Remove(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, filename)
	return nil
}

func (a *stubArchiver) Probe() error { return nil }

func (a *stubArchiver) commitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.commits)
}

type stubCatalog struct {
	mu      sync.Mutex
	files   []domain.ArchiveFile
	listErr error
}

func (c *stubCatalog) Save(ctx context.Context, file domain.ArchiveFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.files {
		if f.Filename == file.Filename {
			c.files[i] = file
			return nil
		}
	}
	c.files = append(c.files, file)
	return nil
}

func (c *stubCatalog) List(ctx context.Context) ([]domain.ArchiveFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]domain.ArchiveFile(nil), c.files...), nil
}

func (c *stubCatalog) Remove(ctx context.Context, filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.files {
		if f.Filename == filename {
			c.files = append(c.files[:i], c.files[i+1:]...)
			return nil
		}
	}
	return nil
}

func (c *stubCatalog) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.files))
	for i, f := range c.files {
		out[i] = f.Filename
	}
	return out
}

type kvMap struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newKVMap() *kvMap {
	return &kvMap{data: make(map[string][]byte)}
}

func (k *kvMap) Get(ctx context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.data[key]
	if !ok {
		return nil, ports.ErrNotFound
	}
	return v, nil
}

func (k *kvMap) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.data[key] = append([]byte(nil), value...)
	return nil
}

func (k *kvMap) Query(ctx context.Context, prefix string) (map[string][]byte, error) {
	return nil, nil
}

func (k *kvMap) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.data, key)
	return nil
}

func (k *kvMap) TTL(ctx context.Context, key string) (time.Duration, error) { return 0, nil }
func (k *kvMap) Close() error                                              { return nil }

var _ ports.Archiver = (*stubArchiver)(nil)
var _ ports.ArchiveCatalog = (*stubCatalog)(nil)
var _ ports.Storage = (*kvMap)(nil)

func seedEntries(store *fakeStore, n int) {
	for i := 0; i < n; i++ {
		store.Append(&domain.LogEntry{Message: fmt.Sprintf("line %d", i)})
	}
}

func TestRotateArchivesAndClears(t *testing.T) {
	store := &fakeStore{}
	seedEntries(store, 3)
	archiver := &stubArchiver{}
	catalog := &stubCatalog{}
	bus := &captureBus{}
	svc := NewRotationService(store, archiver, catalog, newKVMap(), bus, time.Hour, 0)

	meta, err := svc.Rotate(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if meta.EntryCount != 3 {
		t.Errorf("EntryCount = %d, want 3", meta.EntryCount)
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries after rotation, want 0", store.Len())
	}
	if archiver.commitCount() != 1 {
		t.Fatalf("commits = %d, want 1", archiver.commitCount())
	}
	if got := catalog.names(); len(got) != 1 || got[0] != meta.Filename {
		t.Errorf("catalog = %v, want [%s]", got, meta.Filename)
	}
	if svc.State() != RotationIdle {
		t.Errorf("State = %q, want idle", svc.State())
	}
	if _, ok := svc.LastRotation(context.Background()); !ok {
		t.Error("LastRotation not recorded")
	}

	frames := bus.byType(domain.EventLogsCleared)
	if len(frames) != 1 {
		t.Fatalf("logs_cleared frames = %d, want 1", len(frames))
	}
	var payload domain.ClearedPayload
	if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ClearedCount != 3 || payload.ArchiveFile != meta.Filename || payload.Reason != "manual" {
		t.Errorf("payload = %+v, want count 3, file %s, reason manual", payload, meta.Filename)
	}
}

func TestRotateEmptyWindow(t *testing.T) {
	store := &fakeStore{}
	archiver := &stubArchiver{}
	svc := NewRotationService(store, archiver, &stubCatalog{}, newKVMap(), &captureBus{}, time.Hour, 0)

	meta, err := svc.Rotate(context.Background(), "scheduled")
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	if meta.Filename != "" {
		t.Errorf("Filename = %q, want empty", meta.Filename)
	}
	if archiver.commitCount() != 0 {
		t.Errorf("commits = %d, want 0", archiver.commitCount())
	}
	if _, ok := svc.LastRotation(context.Background()); !ok {
		t.Error("empty rotation should still mark the schedule")
	}
}

func TestRotateConflict(t *testing.T) {
	store := &fakeStore{}
	seedEntries(store, 1)
	archiver := &stubArchiver{
		encodeBusy: make(chan struct{}),
		encodeGate: make(chan struct{}),
	}
	svc := NewRotationService(store, archiver, &stubCatalog{}, newKVMap(), &captureBus{}, time.Hour, 0)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Rotate(context.Background(), "first")
		done <- err
	}()
	<-archiver.encodeBusy

	if _, err := svc.Rotate(context.Background(), "second"); !errors.Is(err, ports.ErrRotationInProgress) {
		t.Errorf("second Rotate error = %v, want ErrRotationInProgress", err)
	}
	if got := svc.State(); got != RotationCompressing {
		t.Errorf("State = %q, want compressing", got)
	}

	close(archiver.encodeGate)
	if err := <-done; err != nil {
		t.Fatalf("first Rotate returned error: %v", err)
	}
	if svc.State() != RotationIdle {
		t.Errorf("State = %q after completion, want idle", svc.State())
	}
}

func TestRotateEncodeFailure(t *testing.T) {
	store := &fakeStore{}
	seedEntries(store, 2)
	archiver := &stubArchiver{encodeErr: errors.New("zstd exploded")}
	catalog := &stubCatalog{}
	svc := NewRotationService(store, archiver, catalog, newKVMap(), &captureBus{}, time.Hour, 0)

	if _, err := svc.Rotate(context.Background(), "manual"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if archiver.commitCount() != 0 {
		t.Errorf("commits = %d, want 0", archiver.commitCount())
	}
	if got := catalog.names(); len(got) != 0 {
		t.Errorf("catalog = %v, want empty", got)
	}
	if svc.State() != RotationIdle {
		t.Errorf("State = %q, want idle", svc.State())
	}
}

func TestRotatePrunesOldest(t *testing.T) {
	store := &fakeStore{}
	seedEntries(store, 1)
	archiver := &stubArchiver{}
	catalog := &stubCatalog{}
	catalog.Save(context.Background(), domain.ArchiveFile{Filename: "logs-old-a.json"})
	catalog.Save(context.Background(), domain.ArchiveFile{Filename: "logs-old-b.json"})
	svc := NewRotationService(store, archiver, catalog, newKVMap(), &captureBus{}, time.Hour, 2)

	meta, err := svc.Rotate(context.Background(), "manual")
	if err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	got := catalog.names()
	if len(got) != 2 {
		t.Fatalf("catalog = %v, want 2 files", got)
	}
	if got[0] != "logs-old-b.json" || got[1] != meta.Filename {
		t.Errorf("catalog = %v, want oldest pruned", got)
	}
	archiver.mu.Lock()
	removed := append([]string(nil), archiver.removed...)
	archiver.mu.Unlock()
	if len(removed) != 1 || removed[0] != "logs-old-a.json" {
		t.Errorf("removed = %v, want [logs-old-a.json]", removed)
	}
}

func TestClearDropsWithoutArchiving(t *testing.T) {
	store := &fakeStore{}
	seedEntries(store, 4)
	archiver := &stubArchiver{}
	bus := &captureBus{}
	svc := NewRotationService(store, archiver, &stubCatalog{}, newKVMap(), bus, time.Hour, 0)

	if n := svc.Clear(context.Background(), "api"); n != 4 {
		t.Errorf("Clear = %d, want 4", n)
	}
	if archiver.commitCount() != 0 {
		t.Errorf("commits = %d, want 0", archiver.commitCount())
	}
	frames := bus.byType(domain.EventLogsCleared)
	if len(frames) != 1 {
		t.Fatalf("logs_cleared frames = %d, want 1", len(frames))
	}
	var payload domain.ClearedPayload
	if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ArchiveFile != "" {
		t.Errorf("ArchiveFile = %q, want empty", payload.ArchiveFile)
	}
}

func TestRestoreCatalog(t *testing.T) {
	archiver := &stubArchiver{scanned: []domain.ArchiveFile{
		{Filename: "logs-on-disk.json"},
		{Filename: "logs-both.json"},
	}}
	catalog := &stubCatalog{}
	catalog.Save(context.Background(), domain.ArchiveFile{Filename: "logs-both.json", EntryCount: 12})
	catalog.Save(context.Background(), domain.ArchiveFile{Filename: "logs-gone.json"})
	svc := NewRotationService(&fakeStore{}, archiver, catalog, newKVMap(), &captureBus{}, time.Hour, 0)

	if err := svc.RestoreCatalog(context.Background()); err != nil {
		t.Fatalf("RestoreCatalog returned error: %v", err)
	}
	got := catalog.names()
	want := map[string]bool{"logs-both.json": true, "logs-on-disk.json": true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Errorf("catalog = %v, want both.json and on-disk.json", got)
	}
	for _, f := range got {
		if f == "logs-gone.json" {
			t.Error("stale catalog row survived reconciliation")
		}
	}
	catalog.mu.Lock()
	for _, f := range catalog.files {
		if f.Filename == "logs-both.json" && f.EntryCount != 12 {
			t.Errorf("EntryCount = %d, reconciliation should not rewrite known rows", f.EntryCount)
		}
	}
	catalog.mu.Unlock()
}

func TestLastRotationSurvivesRestart(t *testing.T) {
	kv := newKVMap()
	stamp := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw, err := stamp.MarshalText()
	if err != nil {
		t.Fatalf("marshal stamp: %v", err)
	}
	kv.Put(context.Background(), "rotation:last", raw, 0)

	svc := NewRotationService(&fakeStore{}, &stubArchiver{}, &stubCatalog{}, kv, &captureBus{}, time.Hour, 0)
	last, ok := svc.LastRotation(context.Background())
	if !ok {
		t.Fatal("LastRotation = not found, want kv value")
	}
	if !last.Equal(stamp) {
		t.Errorf("LastRotation = %v, want %v", last, stamp)
	}
}

func TestLastRotationIgnoresGarbage(t *testing.T) {
	kv := newKVMap()
	kv.Put(context.Background(), "rotation:last", []byte("not a time"), 0)

	svc := NewRotationService(&fakeStore{}, &stubArchiver{}, &stubCatalog{}, kv, &captureBus{}, time.Hour, 0)
	if _, ok := svc.LastRotation(context.Background()); ok {
		t.Error("LastRotation = found, want unreadable value ignored")
	}
}
