package services

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

const (
	reservoirSize  = 256
	sampleInterval = 15 * time.Second
)

// LatencyPercentiles are milliseconds at fixed quantiles over the
// endpoint's reservoir window.
type LatencyPercentiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// EndpointMetrics summarizes one route.
type EndpointMetrics struct {
	Count     uint64             `json:"count"`
	ByStatus  map[string]uint64  `json:"byStatus"`
	LatencyMS LatencyPercentiles `json:"latencyMs"`
}

// SystemMetrics are process-level gauges refreshed by the sampler loop.
type SystemMetrics struct {
	Goroutines     int     `json:"goroutines"`
	HeapAllocBytes uint64  `json:"heapAllocBytes"`
	HeapSysBytes   uint64  `json:"heapSysBytes"`
	NumGC          uint32  `json:"numGC"`
	GCPauseTotalMS float64 `json:"gcPauseTotalMs"`
}

// HubMetrics mirrors the broadcast hub gauges.
type HubMetrics struct {
	Clients       int    `json:"clients"`
	DroppedFrames uint64 `json:"droppedFrames"`
}

// RotationMetrics mirrors the rotation service gauges.
type RotationMetrics struct {
	State        string     `json:"state"`
	LastRotation *time.Time `json:"lastRotation,omitempty"`
}

// PersistMetrics mirrors the durable sink gauges.
type PersistMetrics struct {
	DroppedEntries uint64 `json:"droppedEntries"`
	BreakerState   string `json:"breakerState"`
}

// MetricsSnapshot is the GET /metrics body.
type MetricsSnapshot struct {
	Timestamp     time.Time                  `json:"timestamp"`
	UptimeSeconds float64                    `json:"uptimeSeconds"`
	Endpoints     map[string]EndpointMetrics `json:"endpoints"`
	Errors        ErrorStats                 `json:"errors"`
	System        SystemMetrics              `json:"system"`
	Store         domain.StoreStats          `json:"store"`
	Hub           *HubMetrics                `json:"hub,omitempty"`
	Rotation      *RotationMetrics           `json:"rotation,omitempty"`
	Persist       *PersistMetrics            `json:"persist,omitempty"`
}

// ErrorStats is the GET /metrics/errors body, fed by every envelope the
// server writes.
type ErrorStats struct {
	Total      uint64            `json:"total"`
	Retryable  uint64            `json:"retryable"`
	ByCategory map[string]uint64 `json:"byCategory"`
}

type endpointWindow struct {
	count    uint64
	byStatus map[string]uint64
	samples  []time.Duration
}

// observe keeps a uniform reservoir over the endpoint's full history.
func (w *endpointWindow) observe(d time.Duration) {
	w.count++
	if len(w.samples) < reservoirSize {
		w.samples = append(w.samples, d)
		return
	}
	if j := rand.Intn(int(w.count)); j < reservoirSize {
		w.samples[j] = d
	}
}

// MetricsService aggregates request latencies, error taxonomy counts and
// process gauges for the JSON metrics endpoints. Recording is cheap and
// lock-bounded; percentile math happens only on snapshot reads.
type MetricsService struct {
	store   ports.EntryStore
	started time.Time
	now     func() time.Time

	mu        sync.Mutex
	endpoints map[string]*endpointWindow
	errors    map[string]uint64
	system    SystemMetrics
	sampled   bool

	hubStats     func() (clients int, dropped uint64)
	rotationInfo func() (state string, last time.Time)
	persistStats func() (dropped uint64, breaker string)
}

func NewMetricsService(store ports.EntryStore) *MetricsService {
	return &MetricsService{
		store:     store,
		started:   time.Now(),
		now:       time.Now,
		endpoints: make(map[string]*endpointWindow),
		errors:    make(map[string]uint64),
	}
}

// SetHubStats wires the broadcast hub gauges into snapshots.
func (m *MetricsService) SetHubStats(fn func() (clients int, dropped uint64)) {
	m.mu.Lock()
	m.hubStats = fn
	m.mu.Unlock()
}

// SetRotationInfo wires the rotation gauges into snapshots.
func (m *MetricsService) SetRotationInfo(fn func() (state string, last time.Time)) {
	m.mu.Lock()
	m.rotationInfo = fn
	m.mu.Unlock()
}

// SetPersistStats wires the durable sink gauges into snapshots.
func (m *MetricsService) SetPersistStats(fn func() (dropped uint64, breaker string)) {
	m.mu.Lock()
	m.persistStats = fn
	m.mu.Unlock()
}

// RecordRequest feeds one handled request into the per-endpoint window.
func (m *MetricsService) RecordRequest(endpoint string, status int, d time.Duration) {
	class := fmt.Sprintf("%dxx", status/100)
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.endpoints[endpoint]
	if !ok {
		w = &endpointWindow{byStatus: make(map[string]uint64)}
		m.endpoints[endpoint] = w
	}
	w.byStatus[class]++
	w.observe(d)
}

// RecordError counts one classified envelope.
func (m *MetricsService) RecordError(category errclass.Category) {
	m.mu.Lock()
	m.errors[string(category)]++
	m.mu.Unlock()
}

// ErrorStats reports the error taxonomy counters.
func (m *MetricsService) ErrorStats() ErrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorStatsLocked()
}

func (m *MetricsService) errorStatsLocked() ErrorStats {
	stats := ErrorStats{ByCategory: make(map[string]uint64, len(m.errors))}
	for cat, n := range m.errors {
		stats.ByCategory[cat] = n
		stats.Total += n
		if errclass.Category(cat).Retryable() {
			stats.Retryable += n
		}
	}
	return stats
}

// Snapshot assembles the full metrics view.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	endpoints := make(map[string]EndpointMetrics, len(m.endpoints))
	for name, w := range m.endpoints {
		em := EndpointMetrics{
			Count:     w.count,
			ByStatus:  make(map[string]uint64, len(w.byStatus)),
			LatencyMS: percentiles(w.samples),
		}
		for class, n := range w.byStatus {
			em.ByStatus[class] = n
		}
		endpoints[name] = em
	}
	errors := m.errorStatsLocked()
	system := m.system
	sampled := m.sampled
	hubStats := m.hubStats
	rotationInfo := m.rotationInfo
	persistStats := m.persistStats
	m.mu.Unlock()

	if !sampled {
		system = readSystem()
	}

	snap := MetricsSnapshot{
		Timestamp:     m.now(),
		UptimeSeconds: m.now().Sub(m.started).Seconds(),
		Endpoints:     endpoints,
		Errors:        errors,
		System:        system,
		Store:         m.store.Stats(),
	}
	if hubStats != nil {
		clients, dropped := hubStats()
		snap.Hub = &HubMetrics{Clients: clients, DroppedFrames: dropped}
	}
	if rotationInfo != nil {
		state, last := rotationInfo()
		snap.Rotation = &RotationMetrics{State: state}
		if !last.IsZero() {
			snap.Rotation.LastRotation = &last
		}
	}
	if persistStats != nil {
		dropped, breaker := persistStats()
		snap.Persist = &PersistMetrics{DroppedEntries: dropped, BreakerState: breaker}
	}
	return snap
}

// Run refreshes the system gauges on a timer so snapshot reads never pay
// for a stop-the-world memstats read.
func (m *MetricsService) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MetricsService) sample() {
	system := readSystem()
	m.mu.Lock()
	m.system = system
	m.sampled = true
	m.mu.Unlock()
}

func readSystem() SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return SystemMetrics{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		NumGC:          ms.NumGC,
		GCPauseTotalMS: float64(ms.PauseTotalNs) / float64(time.Millisecond),
	}
}

// percentiles computes nearest-rank quantiles over a copy of the samples.
func percentiles(samples []time.Duration) LatencyPercentiles {
	if len(samples) == 0 {
		return LatencyPercentiles{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) float64 {
		idx := int(q * float64(len(sorted)-1))
		return float64(sorted[idx]) / float64(time.Millisecond)
	}
	return LatencyPercentiles{
		P50: at(0.50),
		P90: at(0.90),
		P95: at(0.95),
		P99: at(0.99),
	}
}
