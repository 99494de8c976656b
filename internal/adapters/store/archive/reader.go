package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

type Reader struct {
	dir string
	dec *zstd.Decoder
}

func NewReader(dir string) (*Reader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Reader{dir: dir, dec: dec}, nil
}

// Read returns the archive content as plain JSON, decompressing on the fly
// for .zst files.
func (r *Reader) Read(filename string) ([]byte, error) {
	if err := ValidateName(filename); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(r.dir, filename))
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(filename, ".zst") {
		return r.dec.DecodeAll(raw, nil)
	}
	return raw, nil
}

// ReadRaw returns the stored bytes without decompression.
func (r *Reader) ReadRaw(filename string) ([]byte, error) {
	if err := ValidateName(filename); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(r.dir, filename))
}

// Scan rebuilds archive metadata from the directory listing, for catalogs
// that did not survive a restart. Entry counts are not recorded in the
// filesystem; scanned metadata reports zero until a catalog entry exists.
func (r *Reader) Scan() ([]domain.ArchiveFile, error) {
	return scanDir(r.dir)
}

func scanDir(dir string) ([]domain.ArchiveFile, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]domain.ArchiveFile, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() || !nameRe.MatchString(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		created, ok := parseName(de.Name())
		if !ok {
			created = info.ModTime().UTC()
		}
		files = append(files, domain.ArchiveFile{
			Filename:   de.Name(),
			CreatedAt:  created,
			SizeBytes:  info.Size(),
			Compressed: strings.HasSuffix(de.Name(), ".zst"),
		})
	}
	return files, nil
}

func parseName(name string) (time.Time, bool) {
	trimmed := strings.TrimPrefix(name, "logs-")
	if len(trimmed) < len(nameLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(nameLayout, trimmed[:len(nameLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
