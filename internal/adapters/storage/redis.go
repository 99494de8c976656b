package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

const redisKeyPrefix = "allogi:kv:"

// Redis is a Storage backed by a redis instance, namespaced under
// allogi:kv: so it can share a database with the rate limiter.
type Redis struct {
	client *redis.Client
}

func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ports.ErrNotFound
	}
	return val, err
}

func (s *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

func (s *Redis) Query(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		val, err := s.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(full, redisKeyPrefix)] = val
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		// -2 means the key does not exist, -1 means no expiry.
		if d == time.Duration(-2) {
			return 0, ports.ErrNotFound
		}
		return 0, nil
	}
	return d, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}
