package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/circuitbreaker"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

const persistQueueSize = 4096

// Persister copies accepted entries to the durable sink in batches. The
// live window never waits on it: entries are offered without blocking and
// dropped when the queue is full or the breaker refuses the backend.
type Persister struct {
	sink       ports.EntrySink
	breaker    *circuitbreaker.CircuitBreaker
	in         chan domain.LogEntry
	batchSize  int
	flushEvery time.Duration
	log        *slog.Logger
	dropped    atomic.Uint64
}

func NewPersister(sink ports.EntrySink, batchSize int, flushEvery time.Duration) *Persister {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	return &Persister{
		sink:       sink,
		breaker:    circuitbreaker.New("durable-sink"),
		in:         make(chan domain.LogEntry, persistQueueSize),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		log:        logger.Component("persist"),
	}
}

// Offer enqueues one entry without blocking.
func (p *Persister) Offer(e domain.LogEntry) {
	select {
	case p.in <- e:
	default:
		p.dropped.Add(1)
	}
}

// Run drains the queue until ctx is canceled, then flushes what is left.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	batch := make([]domain.LogEntry, 0, p.batchSize)
	for {
		select {
		case e := <-p.in:
			batch = append(batch, e)
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			p.finalFlush(batch)
			return
		}
	}
}

// finalFlush empties the queue into one last write with its own deadline,
// since the run context is already canceled at this point.
func (p *Persister) finalFlush(batch []domain.LogEntry) {
	for {
		select {
		case e := <-p.in:
			batch = append(batch, e)
		default:
			if len(batch) > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(ctx, batch)
				cancel()
			}
			return
		}
	}
}

func (p *Persister) flush(ctx context.Context, batch []domain.LogEntry) {
	err := p.breaker.Execute(ctx, func() error {
		return p.sink.Write(ctx, batch)
	})
	if err != nil {
		p.log.Warn("durable sink write failed, batch dropped", "entries", len(batch), "error", err)
		p.dropped.Add(uint64(len(batch)))
	}
}

// Dropped reports entries lost to backpressure or sink failures.
func (p *Persister) Dropped() uint64 {
	return p.dropped.Load()
}

// BreakerState reports the sink breaker position for health checks.
func (p *Persister) BreakerState() string {
	return p.breaker.State().String()
}
