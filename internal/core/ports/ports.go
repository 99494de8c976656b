package ports

import (
	"context"
	"errors"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrRotationInProgress = errors.New("rotation already in progress")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrStoreClosed        = errors.New("store is shutting down")
)

// EntryStore is the live bounded window. Append assigns id, sequence number
// and server-received timestamp on the way in. All operations are safe for
// concurrent use; none of them block on I/O.
type EntryStore interface {
	Append(entry *domain.LogEntry)
	AppendMonitoring(datum *domain.MonitoringDatum)
	Query(filter domain.EntryFilter) domain.EntryPage
	ClearAll() domain.Snapshot
	Evict() int
	Len() int
	Stats() domain.StoreStats
	Sources() []domain.Source
	Monitoring() domain.MonitoringSummary
}

// EventBus pushes one event to every connected subscriber.
type EventBus interface {
	Broadcast(event domain.Event)
}

// EventSource lets background bridges observe the broadcast stream without
// registering as a websocket client. The returned cancel func releases the
// tap; a tap that falls behind loses oldest frames first.
type EventSource interface {
	Tap(buffer int) (<-chan domain.Event, func())
}

// RateLimiter answers whether one more request from a source fits its
// token bucket.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Storage is the swappable key-value backend used for rotation bookkeeping
// and archive metadata. Backends: in-memory, file, redis.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Query(ctx context.Context, prefix string) (map[string][]byte, error)
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// ArchiveCatalog tracks rotation artifacts.
type ArchiveCatalog interface {
	Save(ctx context.Context, file domain.ArchiveFile) error
	List(ctx context.Context) ([]domain.ArchiveFile, error)
	Remove(ctx context.Context, filename string) error
}

// Archiver encodes snapshots and manages the archive files on disk.
// Encode and Commit are split so the rotation state machine can report
// progress between the compression and write phases.
type Archiver interface {
	Encode(snap domain.Snapshot) (domain.EncodedSnapshot, error)
	Commit(enc domain.EncodedSnapshot) (domain.ArchiveFile, error)
	Scan() ([]domain.ArchiveFile, error)
	Remove(filename string) error
	Probe() error
}

// EntrySink mirrors accepted entries into durable storage. Writes are
// batched by the caller and must tolerate the backend being down.
type EntrySink interface {
	Write(ctx context.Context, entries []domain.LogEntry) error
	Close() error
}
