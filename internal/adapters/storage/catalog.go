package storage

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

const catalogPrefix = "archive:"

// KVCatalog keeps archive metadata in whatever Storage backend is
// configured, one key per archive file.
type KVCatalog struct {
	kv ports.Storage
}

func NewKVCatalog(kv ports.Storage) *KVCatalog {
	return &KVCatalog{kv: kv}
}

func (c *KVCatalog) Save(ctx context.Context, file domain.ArchiveFile) error {
	raw, err := json.Marshal(file)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, catalogPrefix+file.Filename, raw, 0)
}

// List returns all known archives, oldest first.
func (c *KVCatalog) List(ctx context.Context) ([]domain.ArchiveFile, error) {
	raw, err := c.kv.Query(ctx, catalogPrefix)
	if err != nil {
		return nil, err
	}
	files := make([]domain.ArchiveFile, 0, len(raw))
	for _, v := range raw {
		var f domain.ArchiveFile
		if err := json.Unmarshal(v, &f); err != nil {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].Filename < files[j].Filename
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
	return files, nil
}

func (c *KVCatalog) Remove(ctx context.Context, filename string) error {
	return c.kv.Delete(ctx, catalogPrefix+filename)
}
