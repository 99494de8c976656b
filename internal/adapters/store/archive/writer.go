// Package archive persists rotation snapshots as compressed JSON files and
// reads them back. Compression is best-effort: any failure on the compressed
// path degrades to a plain JSON file so a rotation never loses data.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
)

const nameLayout = "20060102T150405"

var nameRe = regexp.MustCompile(`^logs-\d{8}T\d{6}(-\d+)?\.json(\.zst)?$`)

// ValidateName rejects anything that is not a bare archive filename, which
// also rules out path traversal in download and delete handlers.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid archive filename %q", name)
	}
	return nil
}

type Writer struct {
	dir      string
	compress bool
	enc      *zstd.Encoder
}

// NewWriter prepares the archive directory. When the encoder cannot be
// constructed the writer silently degrades to plain JSON output.
func NewWriter(dir string, compress bool) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	w := &Writer{dir: dir, compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			logger.Component("archive").Warn("zstd encoder unavailable, archives will be plain JSON", "error", err)
		} else {
			w.enc = enc
		}
	}
	return w, nil
}

// Encode marshals the snapshot and attempts compression. A missing or
// disabled encoder leaves the result plain; Commit decides the final form.
func (w *Writer) Encode(snap domain.Snapshot) (domain.EncodedSnapshot, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return domain.EncodedSnapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	enc := domain.EncodedSnapshot{
		Raw:        raw,
		TakenAt:    snap.TakenAt,
		EntryCount: len(snap.Entries),
	}
	if w.compress && w.enc != nil {
		enc.Compressed = w.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	}
	return enc, nil
}

// Commit writes the encoded snapshot and returns its metadata. A failed
// write of the compressed form degrades to plain JSON; only the plain
// write can fail the commit. The entry count in the metadata is the
// snapshot length, independent of anything appended to the live store
// since the swap.
func (w *Writer) Commit(enc domain.EncodedSnapshot) (domain.ArchiveFile, error) {
	base := "logs-" + enc.TakenAt.UTC().Format(nameLayout)
	meta := domain.ArchiveFile{
		CreatedAt:  enc.TakenAt,
		EntryCount: enc.EntryCount,
	}

	if enc.Compressed != nil {
		name := w.uniqueName(base, ".json.zst")
		err := os.WriteFile(filepath.Join(w.dir, name), enc.Compressed, 0o644)
		if err == nil {
			meta.Filename = name
			meta.SizeBytes = int64(len(enc.Compressed))
			meta.Compressed = true
			return meta, nil
		}
		logger.Component("archive").Warn("compressed write failed, falling back to plain JSON", "file", name, "error", err)
	}

	name := w.uniqueName(base, ".json")
	if err := os.WriteFile(filepath.Join(w.dir, name), enc.Raw, 0o644); err != nil {
		return domain.ArchiveFile{}, fmt.Errorf("write archive: %w", err)
	}
	meta.Filename = name
	meta.SizeBytes = int64(len(enc.Raw))
	return meta, nil
}

// WriteSnapshot persists one snapshot in a single step.
func (w *Writer) WriteSnapshot(snap domain.Snapshot) (domain.ArchiveFile, error) {
	enc, err := w.Encode(snap)
	if err != nil {
		return domain.ArchiveFile{}, err
	}
	return w.Commit(enc)
}

// uniqueName disambiguates rotations landing in the same second.
func (w *Writer) uniqueName(base, ext string) string {
	name := base + ext
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(w.dir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

// Remove deletes one archive file.
func (w *Writer) Remove(filename string) error {
	if err := ValidateName(filename); err != nil {
		return err
	}
	return os.Remove(filepath.Join(w.dir, filename))
}

// Scan lists the archive files currently on disk.
func (w *Writer) Scan() ([]domain.ArchiveFile, error) {
	return scanDir(w.dir)
}

// Probe verifies the archive directory is writable.
func (w *Writer) Probe() error {
	probe := filepath.Join(w.dir, ".allogi-probe")
	if err := os.WriteFile(probe, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

func (w *Writer) Dir() string {
	return w.dir
}
