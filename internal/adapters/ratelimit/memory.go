package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount    = 32
	sweepInterval = 5 * time.Minute
)

type bucket struct {
	tokens float64
	last   time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Memory is an in-process token-bucket limiter. Keys hash to one of
// shardCount shards so unrelated sources never contend on the same lock.
type Memory struct {
	capacity float64
	refill   float64
	now      func() time.Time

	shards [shardCount]*shard
	stop   chan struct{}
	once   sync.Once
}

func NewMemory(capacity int, refillPerSecond float64) *Memory {
	return newMemory(capacity, refillPerSecond, time.Now)
}

func newMemory(capacity int, refillPerSecond float64, now func() time.Time) *Memory {
	m := &Memory{
		capacity: float64(capacity),
		refill:   refillPerSecond,
		now:      now,
		stop:     make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go m.sweepLoop()
	return m
}

// Allow takes one token from key's bucket. A new key starts with a full
// bucket, giving every source the configured burst headroom.
func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: m.capacity, last: now}
		s.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.last).Seconds() * m.refill
		if b.tokens > m.capacity {
			b.tokens = m.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cleanup(m.now())
		case <-m.stop:
			return
		}
	}
}

// cleanup drops buckets idle long enough to have refilled to capacity.
func (m *Memory) cleanup(now time.Time) {
	if m.refill <= 0 {
		return
	}
	full := time.Duration(m.capacity / m.refill * float64(time.Second))
	for _, s := range m.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.last) >= full {
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}
}

func (m *Memory) Close() {
	m.once.Do(func() { close(m.stop) })
}
