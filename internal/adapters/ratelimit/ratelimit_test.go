package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(capacity int, refill float64) (*Memory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newMemory(capacity, refill, clock.Now)
	return m, clock
}

func TestMemoryBurstThenRefill(t *testing.T) {
	m, clock := newTestLimiter(3, 1)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "script-a")
		if err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
		if !ok {
			t.Fatalf("burst request %d denied, want allowed", i)
		}
	}
	if ok, _ := m.Allow(ctx, "script-a"); ok {
		t.Fatal("request past capacity allowed, want denied")
	}

	clock.Advance(time.Second)
	if ok, _ := m.Allow(ctx, "script-a"); !ok {
		t.Fatal("request after refill denied, want allowed")
	}
	if ok, _ := m.Allow(ctx, "script-a"); ok {
		t.Fatal("second request after one-token refill allowed, want denied")
	}
}

func TestMemoryKeysIndependent(t *testing.T) {
	m, _ := newTestLimiter(2, 0)
	defer m.Close()
	ctx := context.Background()

	m.Allow(ctx, "script-a")
	m.Allow(ctx, "script-a")
	if ok, _ := m.Allow(ctx, "script-a"); ok {
		t.Fatal("exhausted key allowed, want denied")
	}
	if ok, _ := m.Allow(ctx, "script-b"); !ok {
		t.Fatal("fresh key denied, want allowed")
	}
}

func TestMemoryRefillCapsAtCapacity(t *testing.T) {
	m, clock := newTestLimiter(2, 10)
	defer m.Close()
	ctx := context.Background()

	m.Allow(ctx, "script-a")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := m.Allow(ctx, "script-a"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed after long idle = %d, want capacity 2", allowed)
	}
}

func TestMemoryCleanup(t *testing.T) {
	m, clock := newTestLimiter(5, 1)
	defer m.Close()
	ctx := context.Background()

	m.Allow(ctx, "script-a")
	m.Allow(ctx, "script-b")
	if got := bucketCount(m); got != 2 {
		t.Fatalf("bucket count = %d, want 2", got)
	}

	m.cleanup(clock.Now())
	if got := bucketCount(m); got != 2 {
		t.Fatalf("bucket count after early cleanup = %d, want 2", got)
	}

	clock.Advance(10 * time.Second)
	m.cleanup(clock.Now())
	if got := bucketCount(m); got != 0 {
		t.Fatalf("bucket count after idle cleanup = %d, want 0", got)
	}
}

func TestMemoryConcurrentKeys(t *testing.T) {
	m := NewMemory(100, 0)
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	keys := []string{"a", "b", "c", "d"}
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			for i := 0; i < 150; i++ {
				m.Allow(ctx, key)
			}
		}(key)
	}
	wg.Wait()

	for _, key := range keys {
		if ok, _ := m.Allow(ctx, key); ok {
			t.Fatalf("key %q allowed after exhausting capacity, want denied", key)
		}
	}
}

func bucketCount(m *Memory) int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func TestUnlimited(t *testing.T) {
	ok, err := Unlimited{}.Allow(context.Background(), "anything")
	if err != nil || !ok {
		t.Fatalf("Unlimited.Allow() = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestFactory(t *testing.T) {
	rl, err := New(config.RateLimitConfig{Enabled: false}, "")
	if err != nil {
		t.Fatalf("New(disabled) error = %v", err)
	}
	if _, ok := rl.(Unlimited); !ok {
		t.Fatalf("New(disabled) = %T, want Unlimited", rl)
	}

	rl, err = New(config.RateLimitConfig{Enabled: true, Backend: "memory", Capacity: 10, RefillPerSecond: 1}, "")
	if err != nil {
		t.Fatalf("New(memory) error = %v", err)
	}
	mem, ok := rl.(*Memory)
	if !ok {
		t.Fatalf("New(memory) = %T, want *Memory", rl)
	}
	mem.Close()

	if _, err := New(config.RateLimitConfig{Enabled: true, Backend: "carrier-pigeon"}, ""); err == nil {
		t.Fatal("New(unknown backend) error = nil, want error")
	}
}
