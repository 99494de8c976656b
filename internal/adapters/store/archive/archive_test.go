package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

func testSnapshot(n int) domain.Snapshot {
	entries := make([]*domain.LogEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, &domain.LogEntry{
			ID:      string(rune('a' + i)),
			Message: "archived message",
			Level:   domain.LevelInfo,
			Quality: domain.QualityValid,
		})
	}
	return domain.Snapshot{
		Entries: entries,
		TakenAt: time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestWriteAndReadCompressed(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, true)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	meta, err := w.WriteSnapshot(testSnapshot(3))
	if err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if !strings.HasSuffix(meta.Filename, ".json.zst") {
		t.Errorf("filename = %q, want .json.zst suffix", meta.Filename)
	}
	if !meta.Compressed {
		t.Error("meta.Compressed = false, want true")
	}
	if meta.EntryCount != 3 {
		t.Errorf("meta.EntryCount = %d, want 3", meta.EntryCount)
	}
	if meta.SizeBytes <= 0 {
		t.Errorf("meta.SizeBytes = %d, want > 0", meta.SizeBytes)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	plain, err := r.Read(meta.Filename)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		t.Fatalf("decompressed content not valid JSON: %v", err)
	}
	if len(snap.Entries) != 3 {
		t.Errorf("round-tripped %d entries, want 3", len(snap.Entries))
	}
	if snap.Entries[0].Message != "archived message" {
		t.Errorf("entry message = %q, want original", snap.Entries[0].Message)
	}
}

func TestWritePlainWhenCompressionDisabled(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := w.WriteSnapshot(testSnapshot(2))
	if err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if meta.Compressed {
		t.Error("meta.Compressed = true, want false")
	}
	if !strings.HasSuffix(meta.Filename, ".json") || strings.HasSuffix(meta.Filename, ".zst") {
		t.Errorf("filename = %q, want plain .json", meta.Filename)
	}

	raw, err := os.ReadFile(filepath.Join(dir, meta.Filename))
	if err != nil {
		t.Fatal(err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Errorf("plain archive not valid JSON: %v", err)
	}
}

func TestFallbackWhenEncoderMissing(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	w.enc = nil

	meta, err := w.WriteSnapshot(testSnapshot(1))
	if err != nil {
		t.Fatalf("WriteSnapshot() error = %v, want fallback to plain", err)
	}
	if meta.Compressed {
		t.Error("fallback archive marked compressed")
	}
	if meta.EntryCount != 1 {
		t.Errorf("fallback lost entries: count = %d, want 1", meta.EntryCount)
	}
}

func TestUniqueNamesSameSecond(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	first, err := w.WriteSnapshot(testSnapshot(1))
	if err != nil {
		t.Fatal(err)
	}
	second, err := w.WriteSnapshot(testSnapshot(1))
	if err != nil {
		t.Fatal(err)
	}
	if first.Filename == second.Filename {
		t.Errorf("two rotations in the same second produced one filename %q", first.Filename)
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteSnapshot(testSnapshot(2)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatal(err)
	}
	files, err := r.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("Scan() found %d archives, want 1 (stray file ignored)", len(files))
	}
	f := files[0]
	if !f.Compressed {
		t.Error("scanned file not marked compressed")
	}
	if f.SizeBytes <= 0 {
		t.Error("scanned file has no size")
	}
	want := time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
	if !f.CreatedAt.Equal(want) {
		t.Errorf("scanned CreatedAt = %v, want %v from filename", f.CreatedAt, want)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := w.WriteSnapshot(testSnapshot(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Remove(meta.Filename); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, meta.Filename)); !os.IsNotExist(err) {
		t.Error("archive still present after Remove()")
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"logs-20240601T093000.json.zst", true},
		{"logs-20240601T093000.json", true},
		{"logs-20240601T093000-2.json.zst", true},
		{"../../../etc/passwd", false},
		{"logs-20240601T093000.json.zst/../../x", false},
		{"notes.txt", false},
		{"logs-.json", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if tt.ok && err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", tt.name)
		}
	}
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Probe(); err != nil {
		t.Errorf("Probe() on writable dir = %v, want nil", err)
	}

	w.dir = filepath.Join(dir, "missing", "deeper")
	if err := w.Probe(); err == nil {
		t.Error("Probe() on missing dir = nil, want error")
	}
}
