// Package circuitbreaker wraps gobreaker for the durable persistence path.
// When Postgres misbehaves the breaker opens and entry batches are dropped
// instead of queueing behind a dead backend.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a breaker that trips after 60% failures across at least
// three calls, probes again after 30 seconds.
func New(name string) *CircuitBreaker {
	log := logger.Component("breaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	}

	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn under the breaker. An open breaker returns ErrCircuitOpen
// without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the breaker position for health checks.
func (cb *CircuitBreaker) State() gobreaker.State {
	return cb.cb.State()
}
