package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthError    HealthStatus = "error"
)

func (s HealthStatus) severity() int {
	switch s {
	case HealthHealthy:
		return 0
	case HealthWarning:
		return 1
	case HealthCritical:
		return 2
	default:
		return 3
	}
}

// Degraded reports whether the status should fail a load balancer probe.
func (s HealthStatus) Degraded() bool {
	return s == HealthCritical || s == HealthError
}

// HealthCheckResult is one component's verdict. Results are recomputed
// wholesale each cycle, never patched in place.
type HealthCheckResult struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthReport aggregates all components; Status is the worst of them.
type HealthReport struct {
	Status     HealthStatus                 `json:"status"`
	CheckedAt  time.Time                    `json:"checkedAt"`
	Components map[string]HealthCheckResult `json:"components"`
}

// CheckFunc probes one component and answers with a status and a short
// diagnostic message.
type CheckFunc func(ctx context.Context) (HealthStatus, string)

const checkTimeout = 5 * time.Second

// HealthService runs registered component checks on a timer and on
// demand. A check that panics or hangs degrades to status=error without
// taking the monitor down.
type HealthService struct {
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	order  []string
	checks map[string]CheckFunc
	last   *HealthReport
}

func NewHealthService(interval time.Duration) *HealthService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthService{
		interval: interval,
		log:      logger.Component("health"),
		now:      time.Now,
		checks:   make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named component check. Registration order is the
// report order.
func (s *HealthService) RegisterCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checks[name]; !exists {
		s.order = append(s.order, name)
	}
	s.checks[name] = fn
}

// CheckAll recomputes every component and returns the aggregate report.
func (s *HealthService) CheckAll(ctx context.Context) HealthReport {
	s.mu.RLock()
	names := append([]string(nil), s.order...)
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.RUnlock()

	report := HealthReport{
		Status:     HealthHealthy,
		CheckedAt:  s.now(),
		Components: make(map[string]HealthCheckResult, len(names)),
	}
	for _, name := range names {
		res := s.runCheck(ctx, name, checks[name])
		report.Components[name] = res
		if res.Status.severity() > report.Status.severity() {
			report.Status = res.Status
		}
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report
}

// Component runs a single named check on demand.
func (s *HealthService) Component(ctx context.Context, name string) (HealthCheckResult, bool) {
	s.mu.RLock()
	fn, ok := s.checks[name]
	s.mu.RUnlock()
	if !ok {
		return HealthCheckResult{}, false
	}
	return s.runCheck(ctx, name, fn), true
}

// Last returns the most recent wholesale report, computing one when none
// has run yet.
func (s *HealthService) Last(ctx context.Context) HealthReport {
	s.mu.RLock()
	last := s.last
	s.mu.RUnlock()
	if last != nil {
		return *last
	}
	return s.CheckAll(ctx)
}

// Run recomputes the report on the configured interval.
func (s *HealthService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.CheckAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := s.CheckAll(ctx)
			if report.Status != HealthHealthy {
				s.log.Warn("health degraded", "status", string(report.Status))
			}
		}
	}
}

func (s *HealthService) runCheck(ctx context.Context, name string, fn CheckFunc) (res HealthCheckResult) {
	defer func() {
		if r := recover(); r != nil {
			res = HealthCheckResult{
				Component: name,
				Status:    HealthError,
				Message:   fmt.Sprintf("health check panicked: %v", r),
				Timestamp: s.now(),
			}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	status, msg := fn(ctx)
	return HealthCheckResult{
		Component: name,
		Status:    status,
		Message:   msg,
		Timestamp: s.now(),
	}
}

// StoreCheck reports live window occupancy. A window past its configured
// bound means eviction has stopped keeping up.
func StoreCheck(store ports.EntryStore, maxCount int) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		stats := store.Stats()
		if maxCount > 0 && stats.EntryCount > maxCount {
			return HealthWarning, fmt.Sprintf("%d entries exceed the %d bound", stats.EntryCount, maxCount)
		}
		return HealthHealthy, fmt.Sprintf("%d entries, %d sources", stats.EntryCount, stats.SourceCount)
	}
}

// FilesystemCheck probes archive directory writability.
func FilesystemCheck(probe func() error) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		if err := probe(); err != nil {
			return HealthCritical, fmt.Sprintf("archive directory not writable: %v", err)
		}
		return HealthHealthy, "archive directory writable"
	}
}

// HubCheck reports broadcast reach and cumulative backpressure drops.
func HubCheck(stats func() (clients int, dropped uint64)) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		clients, dropped := stats()
		return HealthHealthy, fmt.Sprintf("%d clients connected, %d frames dropped", clients, dropped)
	}
}

// RateLimiterCheck verifies the limiter still answers.
func RateLimiterCheck(rl ports.RateLimiter) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		if _, err := rl.Allow(ctx, "healthcheck"); err != nil {
			return HealthError, fmt.Sprintf("limiter probe failed: %v", err)
		}
		return HealthHealthy, "limiter answering"
	}
}

// RotationCheck flags a schedule that has fallen more than half a period
// behind.
func RotationCheck(rot *RotationService) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		if state := rot.State(); state != RotationIdle {
			return HealthHealthy, fmt.Sprintf("rotation in progress (%s)", state)
		}
		period := rot.Period()
		if period <= 0 {
			return HealthHealthy, "scheduled rotation disabled"
		}
		last, ok := rot.LastRotation(ctx)
		if !ok {
			return HealthHealthy, "no rotation recorded yet"
		}
		age := time.Since(last)
		if age > period+period/2 {
			return HealthWarning, fmt.Sprintf("last rotation %s ago exceeds the %s schedule", age.Round(time.Second), period)
		}
		return HealthHealthy, fmt.Sprintf("last rotation %s ago", age.Round(time.Second))
	}
}

// CatalogCheck verifies archive metadata is readable.
func CatalogCheck(catalog ports.ArchiveCatalog) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		files, err := catalog.List(ctx)
		if err != nil {
			return HealthError, fmt.Sprintf("catalog unavailable: %v", err)
		}
		return HealthHealthy, fmt.Sprintf("%d archives cataloged", len(files))
	}
}

// DatabaseCheck pings the durable sink backend and watches its breaker.
func DatabaseCheck(ping func(ctx context.Context) error, breakerState func() string) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		if state := breakerState(); state == "open" {
			return HealthCritical, "sink circuit breaker open"
		}
		if err := ping(ctx); err != nil {
			return HealthCritical, fmt.Sprintf("database ping failed: %v", err)
		}
		return HealthHealthy, "database reachable"
	}
}

// RedisCheck pings redis when a redis backend is selected.
func RedisCheck(ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		if err := ping(ctx); err != nil {
			return HealthCritical, fmt.Sprintf("redis ping failed: %v", err)
		}
		return HealthHealthy, "redis reachable"
	}
}
