package logger

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/safedata"
)

// Recorder receives the server's own log records as recursive entries.
type Recorder interface {
	Record(entry *domain.LogEntry)
}

const mirrorBuffer = 1024

var (
	mirrorMu   sync.Mutex
	mirrorCh   chan *domain.LogEntry
	mirrorStop chan struct{}
	mirrorDone chan struct{}
)

// AttachStore tees every record the logger emits into rec as a
// recursive:true entry. The tee is asynchronous over a bounded channel:
// when the channel is full records are dropped from the mirror, never
// delayed on their way to stdout. Calling it twice is a no-op.
func AttachStore(rec Recorder) {
	mirrorMu.Lock()
	defer mirrorMu.Unlock()
	if mirrorCh != nil {
		return
	}
	mirrorCh = make(chan *domain.LogEntry, mirrorBuffer)
	mirrorStop = make(chan struct{})
	mirrorDone = make(chan struct{})
	go drain(rec, mirrorCh, mirrorStop, mirrorDone)

	defaultLogger = slog.New(&mirrorHandler{next: Get().Handler(), ch: mirrorCh})
	slog.SetDefault(defaultLogger)
}

// DetachStore stops the mirror, flushing whatever is already queued.
func DetachStore() {
	mirrorMu.Lock()
	defer mirrorMu.Unlock()
	if mirrorCh == nil {
		return
	}
	close(mirrorStop)
	<-mirrorDone
	if mh, ok := defaultLogger.Handler().(*mirrorHandler); ok {
		defaultLogger = slog.New(mh.next)
		slog.SetDefault(defaultLogger)
	}
	mirrorCh = nil
	mirrorStop = nil
	mirrorDone = nil
}

func drain(rec Recorder, ch <-chan *domain.LogEntry, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	record := func(entry *domain.LogEntry) {
		defer func() {
			_ = recover()
		}()
		rec.Record(entry)
	}
	for {
		select {
		case entry := <-ch:
			record(entry)
		case <-stop:
			for {
				select {
				case entry := <-ch:
					record(entry)
				default:
					return
				}
			}
		}
	}
}

// mirrorHandler wraps the real handler, copying each record into the
// mirror channel before delegating. The store itself never logs through
// this path, so a record about the store cannot trigger another record.
type mirrorHandler struct {
	next  slog.Handler
	attrs []slog.Attr
	ch    chan<- *domain.LogEntry
}

func (h *mirrorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *mirrorHandler) Handle(ctx context.Context, r slog.Record) error {
	h.enqueue(r)
	return h.next.Handle(ctx, r)
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &mirrorHandler{
		next:  h.next.WithAttrs(attrs),
		attrs: append(slices.Clip(h.attrs), attrs...),
		ch:    h.ch,
	}
}

func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	// Groups stay flat in the mirrored entry; the stdout handler keeps them.
	return &mirrorHandler{next: h.next.WithGroup(name), attrs: h.attrs, ch: h.ch}
}

func (h *mirrorHandler) enqueue(r slog.Record) {
	fields := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	component := "server"
	if c, ok := fields["component"].(string); ok {
		component = c
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	entry := &domain.LogEntry{
		Message:    r.Message,
		Level:      mapLevel(r.Level),
		Timestamp:  ts.UTC(),
		ScriptID:   component,
		SourceID:   "server",
		SourceType: "server",
		Quality:    domain.QualityValid,
		Recursive:  true,
	}
	if len(fields) > 0 {
		entry.Data = safedata.Capture(fields)
	}

	select {
	case h.ch <- entry:
	default:
	}
}

func mapLevel(l slog.Level) domain.Level {
	switch {
	case l >= slog.LevelError:
		return domain.LevelError
	case l >= slog.LevelWarn:
		return domain.LevelWarn
	case l >= slog.LevelInfo:
		return domain.LevelInfo
	default:
		return domain.LevelDebug
	}
}
