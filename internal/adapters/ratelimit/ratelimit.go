// Package ratelimit provides per-source token-bucket limiters behind
// ports.RateLimiter. Every key owns a bucket with the configured capacity
// and refill rate; the memory backend shards buckets across locks, the
// redis backend shares one counter space across server instances.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/adamPlusPlus/allogi-sub000/internal/config"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

// New builds the limiter named by cfg. A disabled config yields a limiter
// that admits everything.
func New(cfg config.RateLimitConfig, redisURL string) (ports.RateLimiter, error) {
	if !cfg.Enabled {
		return Unlimited{}, nil
	}
	switch cfg.Backend {
	case "redis":
		return NewRedis(redisURL, cfg.Capacity, cfg.RefillPerSecond)
	case "", "memory":
		return NewMemory(cfg.Capacity, cfg.RefillPerSecond), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}

// Unlimited admits every request.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
