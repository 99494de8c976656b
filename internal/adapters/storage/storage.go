// Package storage provides the swappable key-value backend used for
// rotation bookkeeping and archive metadata. The backend is chosen by
// configuration: in-memory for throwaway state, a JSON file for single-node
// persistence, redis when state must survive the process.
package storage

import (
	"fmt"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/config"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

func New(cfg config.StorageConfig, redisURL string) (ports.Storage, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(time.Minute), nil
	case "file":
		return NewFile(cfg.FilePath)
	case "redis":
		return NewRedis(redisURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
