package logger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

func TestMirrorHandlerEnqueue(t *testing.T) {
	ch := make(chan *domain.LogEntry, 4)
	h := &mirrorHandler{next: slog.NewTextHandler(io.Discard, nil), ch: ch}
	log := slog.New(h).With("component", "rotation")

	log.Warn("compression failed, writing plain snapshot", "archive", "logs-1.json")

	select {
	case entry := <-ch:
		if !entry.Recursive {
			t.Error("mirrored entry not marked recursive")
		}
		if entry.Level != domain.LevelWarn {
			t.Errorf("mirrored level = %v, want %v", entry.Level, domain.LevelWarn)
		}
		if entry.ScriptID != "rotation" {
			t.Errorf("mirrored scriptId = %q, want component attr", entry.ScriptID)
		}
		if entry.SourceID != "server" {
			t.Errorf("mirrored sourceId = %q, want server", entry.SourceID)
		}
		if entry.Data == nil {
			t.Error("mirrored entry lost its attrs")
		}
	default:
		t.Fatal("no entry mirrored")
	}
}

func TestMirrorHandlerDropsWhenFull(t *testing.T) {
	ch := make(chan *domain.LogEntry, 2)
	h := &mirrorHandler{next: slog.NewTextHandler(io.Discard, nil), ch: ch}
	log := slog.New(h)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			log.Info("burst")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a full mirror channel")
	}
	if len(ch) != 2 {
		t.Errorf("mirror channel holds %d entries, want capacity 2", len(ch))
	}
}

func TestMapLevel(t *testing.T) {
	tests := []struct {
		in       slog.Level
		expected domain.Level
	}{
		{slog.LevelDebug, domain.LevelDebug},
		{slog.LevelInfo, domain.LevelInfo},
		{slog.LevelWarn, domain.LevelWarn},
		{slog.LevelError, domain.LevelError},
		{slog.LevelError + 4, domain.LevelError},
	}
	for _, tt := range tests {
		if got := mapLevel(tt.in); got != tt.expected {
			t.Errorf("mapLevel(%v) = %v, want %v", tt.in, got, tt.expected)
		}
	}
}

type syncRecorder struct {
	got chan *domain.LogEntry
}

func (r *syncRecorder) Record(entry *domain.LogEntry) {
	r.got <- entry
}

func TestDrainDeliversAndFlushes(t *testing.T) {
	rec := &syncRecorder{got: make(chan *domain.LogEntry, 8)}
	ch := make(chan *domain.LogEntry, 8)
	stop := make(chan struct{})
	done := make(chan struct{})
	go drain(rec, ch, stop, done)

	ch <- &domain.LogEntry{Message: "one"}
	select {
	case entry := <-rec.got:
		if entry.Message != "one" {
			t.Errorf("drained message = %q, want %q", entry.Message, "one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not deliver")
	}

	ch <- &domain.LogEntry{Message: "queued"}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not stop")
	}
	select {
	case entry := <-rec.got:
		if entry.Message != "queued" {
			t.Errorf("flushed message = %q, want %q", entry.Message, "queued")
		}
	default:
		t.Error("queued entry not flushed on stop")
	}
}

type panickyRecorder struct{}

func (panickyRecorder) Record(*domain.LogEntry) {
	panic("store unavailable")
}

func TestDrainSurvivesRecorderPanic(t *testing.T) {
	ch := make(chan *domain.LogEntry, 2)
	stop := make(chan struct{})
	done := make(chan struct{})
	go drain(panickyRecorder{}, ch, stop, done)

	ch <- &domain.LogEntry{Message: "boom"}
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain died on recorder panic")
	}
}

func TestHandlerInterfaceCompliance(t *testing.T) {
	var _ slog.Handler = (*mirrorHandler)(nil)
	h := &mirrorHandler{next: slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}), ch: make(chan *domain.LogEntry, 1)}
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled() ignored the delegate's level")
	}
}
