package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

func staticCheck(status HealthStatus, msg string) CheckFunc {
	return func(ctx context.Context) (HealthStatus, string) {
		return status, msg
	}
}

func TestCheckAllAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		want     HealthStatus
	}{
		{
			name:     "all healthy",
			statuses: []HealthStatus{HealthHealthy, HealthHealthy},
			want:     HealthHealthy,
		},
		{
			name:     "warning beats healthy",
			statuses: []HealthStatus{HealthHealthy, HealthWarning, HealthHealthy},
			want:     HealthWarning,
		},
		{
			name:     "critical beats warning",
			statuses: []HealthStatus{HealthWarning, HealthCritical},
			want:     HealthCritical,
		},
		{
			name:     "error beats critical",
			statuses: []HealthStatus{HealthCritical, HealthError, HealthWarning},
			want:     HealthError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewHealthService(time.Minute)
			for i, status := range tt.statuses {
				svc.RegisterCheck(string(rune('a'+i)), staticCheck(status, ""))
			}
			report := svc.CheckAll(context.Background())
			if report.Status != tt.want {
				t.Errorf("Status = %q, want %q", report.Status, tt.want)
			}
			if len(report.Components) != len(tt.statuses) {
				t.Errorf("components = %d, want %d", len(report.Components), len(tt.statuses))
			}
		})
	}
}

func TestCheckPanicBecomesError(t *testing.T) {
	svc := NewHealthService(time.Minute)
	svc.RegisterCheck("flaky", func(ctx context.Context) (HealthStatus, string) {
		panic("probe exploded")
	})
	svc.RegisterCheck("steady", staticCheck(HealthHealthy, "ok"))

	report := svc.CheckAll(context.Background())
	if report.Status != HealthError {
		t.Errorf("Status = %q, want %q", report.Status, HealthError)
	}
	flaky := report.Components["flaky"]
	if flaky.Status != HealthError {
		t.Errorf("flaky Status = %q, want %q", flaky.Status, HealthError)
	}
	if !strings.Contains(flaky.Message, "panicked") {
		t.Errorf("flaky Message = %q, want panic note", flaky.Message)
	}
	if report.Components["steady"].Status != HealthHealthy {
		t.Error("panic in one check degraded another")
	}
}

func TestComponentOnDemand(t *testing.T) {
	svc := NewHealthService(time.Minute)
	svc.RegisterCheck("store", staticCheck(HealthWarning, "window over bound"))

	res, ok := svc.Component(context.Background(), "store")
	if !ok {
		t.Fatal("Component = not found, want registered check")
	}
	if res.Status != HealthWarning || res.Component != "store" {
		t.Errorf("result = %+v, want store warning", res)
	}
	if _, ok := svc.Component(context.Background(), "ghost"); ok {
		t.Error("Component returned a result for an unregistered name")
	}
}

func TestLastReturnsCachedReport(t *testing.T) {
	var status atomic.Value
	status.Store(HealthHealthy)
	svc := NewHealthService(time.Minute)
	svc.RegisterCheck("db", func(ctx context.Context) (HealthStatus, string) {
		return status.Load().(HealthStatus), ""
	})

	first := svc.CheckAll(context.Background())
	if first.Status != HealthHealthy {
		t.Fatalf("Status = %q, want healthy", first.Status)
	}

	status.Store(HealthCritical)
	if got := svc.Last(context.Background()); got.Status != HealthHealthy {
		t.Errorf("Last = %q, want cached healthy report", got.Status)
	}
	if got := svc.CheckAll(context.Background()); got.Status != HealthCritical {
		t.Errorf("CheckAll = %q, want critical after flip", got.Status)
	}
}

func TestLastComputesWhenNeverRun(t *testing.T) {
	svc := NewHealthService(time.Minute)
	svc.RegisterCheck("db", staticCheck(HealthHealthy, "ok"))

	report := svc.Last(context.Background())
	if len(report.Components) != 1 {
		t.Errorf("components = %d, want 1", len(report.Components))
	}
}

func TestDegraded(t *testing.T) {
	tests := []struct {
		status HealthStatus
		want   bool
	}{
		{HealthHealthy, false},
		{HealthWarning, false},
		{HealthCritical, true},
		{HealthError, true},
	}
	for _, tt := range tests {
		if got := tt.status.Degraded(); got != tt.want {
			t.Errorf("%s.Degraded() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStoreCheck(t *testing.T) {
	store := &fakeStore{stats: domain.StoreStats{EntryCount: 900, SourceCount: 3}}
	check := StoreCheck(store, 1000)
	if status, _ := check(context.Background()); status != HealthHealthy {
		t.Errorf("status = %q, want healthy under bound", status)
	}

	store.stats.EntryCount = 1500
	status, msg := check(context.Background())
	if status != HealthWarning {
		t.Errorf("status = %q, want warning over bound", status)
	}
	if !strings.Contains(msg, "1500") {
		t.Errorf("message = %q, want entry count", msg)
	}
}

func TestFilesystemCheck(t *testing.T) {
	check := FilesystemCheck(func() error { return nil })
	if status, _ := check(context.Background()); status != HealthHealthy {
		t.Errorf("status = %q, want healthy", status)
	}

	check = FilesystemCheck(func() error { return errors.New("read-only filesystem") })
	status, msg := check(context.Background())
	if status != HealthCritical {
		t.Errorf("status = %q, want critical", status)
	}
	if !strings.Contains(msg, "read-only filesystem") {
		t.Errorf("message = %q, want probe error", msg)
	}
}

func TestRotationCheckStaleSchedule(t *testing.T) {
	svc := NewRotationService(&fakeStore{}, &stubArchiver{}, &stubCatalog{}, newKVMap(), &captureBus{}, time.Hour, 0)
	check := RotationCheck(svc)

	if status, msg := check(context.Background()); status != HealthHealthy {
		t.Errorf("status = %q (%s), want healthy before first rotation", status, msg)
	}

	svc.mu.Lock()
	svc.lastRun = time.Now().Add(-2 * time.Hour)
	svc.mu.Unlock()
	if status, _ := check(context.Background()); status != HealthWarning {
		t.Errorf("status = %q, want warning when 2h past a 1h schedule", status)
	}

	svc.mu.Lock()
	svc.lastRun = time.Now().Add(-30 * time.Minute)
	svc.mu.Unlock()
	if status, _ := check(context.Background()); status != HealthHealthy {
		t.Errorf("status = %q, want healthy within schedule", status)
	}
}

func TestDatabaseCheckBreakerShortCircuits(t *testing.T) {
	pinged := false
	check := DatabaseCheck(
		func(ctx context.Context) error { pinged = true; return nil },
		func() string { return "open" },
	)
	status, msg := check(context.Background())
	if status != HealthCritical {
		t.Errorf("status = %q, want critical while breaker open", status)
	}
	if !strings.Contains(msg, "breaker") {
		t.Errorf("message = %q, want breaker note", msg)
	}
	if pinged {
		t.Error("ping ran while the breaker was open")
	}
}

func TestDatabaseCheckPingFailure(t *testing.T) {
	check := DatabaseCheck(
		func(ctx context.Context) error { return errors.New("connection refused") },
		func() string { return "closed" },
	)
	if status, _ := check(context.Background()); status != HealthCritical {
		t.Errorf("status = %q, want critical on ping failure", status)
	}
}
