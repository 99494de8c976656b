package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// Memory is a process-local Storage with TTL support. Expired keys are
// dropped lazily on access and by a background sweep.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem

	stop chan struct{}
	once sync.Once
}

func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &Memory{
		items: make(map[string]memoryItem),
		stop:  make(chan struct{}),
	}
	go m.sweep(sweepInterval)
	return m
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, it := range m.items {
				if it.expired(now) {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || it.expired(time.Now()) {
		return nil, ports.ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(_ context.Context, prefix string) (map[string][]byte, error) {
	now := time.Now()
	out := make(map[string][]byte)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, it := range m.items {
		if it.expired(now) || !strings.HasPrefix(k, prefix) {
			continue
		}
		out[k] = append([]byte(nil), it.value...)
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// TTL returns the remaining lifetime: zero for keys without expiry,
// ErrNotFound for missing or expired keys.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()

	now := time.Now()
	if !ok || it.expired(now) {
		return 0, ports.ErrNotFound
	}
	if it.expiresAt.IsZero() {
		return 0, nil
	}
	return it.expiresAt.Sub(now), nil
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
