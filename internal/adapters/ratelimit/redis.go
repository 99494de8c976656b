package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
)

const redisKeyPrefix = "allogi:rate:"

// Redis approximates the token bucket with a shared counter that expires
// after a full-refill window, so a fleet of servers enforces one budget
// per source. The window is sized so the sustained rate matches the
// configured refill.
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
	log    *slog.Logger
}

func NewRedis(rawURL string, capacity int, refillPerSecond float64) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	window := time.Minute
	if refillPerSecond > 0 {
		window = time.Duration(float64(capacity) / refillPerSecond * float64(time.Second))
	}
	return &Redis{
		client: redis.NewClient(opts),
		limit:  int64(capacity),
		window: window,
		log:    logger.Component("ratelimit"),
	}, nil
}

// Allow fails open: when redis is unreachable the request is admitted and
// the failure logged rather than returned.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := redisKeyPrefix + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		r.log.Warn("redis limiter unavailable, admitting request", "key", key, "error", err)
		return true, nil
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			r.log.Warn("redis limiter expire failed", "key", key, "error", err)
		}
	}
	return count <= r.limit, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
