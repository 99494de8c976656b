package services

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/tracing"
)

// RotationState names the phase a rotation is in. Only one rotation runs
// at a time; a second trigger while off idle is a conflict.
type RotationState string

const (
	RotationIdle         RotationState = "idle"
	RotationSnapshotting RotationState = "snapshotting"
	RotationCompressing  RotationState = "compressing"
	RotationWriting      RotationState = "writing"
	RotationPruning      RotationState = "pruning"
)

const lastRotationKey = "rotation:last"

// RotationService swaps the live window out, archives it and prunes old
// archives. The swap is the only step that touches the store, so writers
// are never blocked while compression or disk I/O runs.
type RotationService struct {
	store    ports.EntryStore
	archiver ports.Archiver
	catalog  ports.ArchiveCatalog
	kv       ports.Storage
	bus      ports.EventBus
	period   time.Duration
	maxFiles int
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   RotationState
	lastRun time.Time
}

func NewRotationService(
	store ports.EntryStore,
	archiver ports.Archiver,
	catalog ports.ArchiveCatalog,
	kv ports.Storage,
	bus ports.EventBus,
	period time.Duration,
	maxFiles int,
) *RotationService {
	return &RotationService{
		store:    store,
		archiver: archiver,
		catalog:  catalog,
		kv:       kv,
		bus:      bus,
		period:   period,
		maxFiles: maxFiles,
		state:    RotationIdle,
		log:      logger.Component("rotation"),
		now:      time.Now,
	}
}

// Rotate archives the live window and clears it. A rotation already in
// flight yields ports.ErrRotationInProgress; an empty window is a
// successful no-op that writes no file.
func (s *RotationService) Rotate(ctx context.Context, reason string) (domain.ArchiveFile, error) {
	if err := s.tryBegin(); err != nil {
		return domain.ArchiveFile{}, err
	}
	defer s.setState(RotationIdle)

	ctx, span := tracing.StartSpan(ctx, "rotation")
	defer span.End()

	snap := s.store.ClearAll()
	if len(snap.Entries) == 0 {
		s.log.Info("rotation skipped, live window empty", "reason", reason)
		s.markRotated(ctx)
		return domain.ArchiveFile{}, nil
	}

	s.setState(RotationCompressing)
	enc, err := s.archiver.Encode(snap)
	if err != nil {
		s.log.Error("snapshot encode failed, entries lost", "entries", len(snap.Entries), "error", err)
		return domain.ArchiveFile{}, err
	}

	s.setState(RotationWriting)
	meta, err := s.archiver.Commit(enc)
	if err != nil {
		s.log.Error("archive write failed, entries lost", "entries", len(snap.Entries), "error", err)
		return domain.ArchiveFile{}, err
	}
	if err := s.catalog.Save(ctx, meta); err != nil {
		s.log.Warn("archive catalog save failed", "file", meta.Filename, "error", err)
	}

	s.setState(RotationPruning)
	s.prune(ctx)

	s.markRotated(ctx)
	s.broadcastCleared(reason, meta.EntryCount, meta.Filename)
	s.log.Info("rotation complete",
		"file", meta.Filename, "entries", meta.EntryCount,
		"compressed", meta.Compressed, "reason", reason)
	return meta, nil
}

// Clear drops the live window without archiving it and reports how many
// entries were dropped.
func (s *RotationService) Clear(ctx context.Context, reason string) int {
	snap := s.store.ClearAll()
	s.broadcastCleared(reason, len(snap.Entries), "")
	s.log.Info("live window cleared", "entries", len(snap.Entries), "reason", reason)
	return len(snap.Entries)
}

// Archives lists rotation artifacts, oldest first.
func (s *RotationService) Archives(ctx context.Context) ([]domain.ArchiveFile, error) {
	return s.catalog.List(ctx)
}

// State reports the current rotation phase.
func (s *RotationService) State() RotationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRotation reports when a rotation last completed, consulting the KV
// backend when the in-process value is empty after a restart.
func (s *RotationService) LastRotation(ctx context.Context) (time.Time, bool) {
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()
	if !last.IsZero() {
		return last, true
	}
	raw, err := s.kv.Get(ctx, lastRotationKey)
	if err != nil {
		return time.Time{}, false
	}
	var t time.Time
	if err := t.UnmarshalText(raw); err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Period returns the configured rotation interval.
func (s *RotationService) Period() time.Duration {
	return s.period
}

// RestoreCatalog reconciles the catalog with the files on disk: files
// missing from the catalog are added from the directory scan (without
// entry counts), catalog rows whose files are gone are dropped.
func (s *RotationService) RestoreCatalog(ctx context.Context) error {
	known, err := s.catalog.List(ctx)
	if err != nil {
		return err
	}
	scanned, err := s.archiver.Scan()
	if err != nil {
		return err
	}

	onDisk := make(map[string]bool, len(scanned))
	for _, f := range scanned {
		onDisk[f.Filename] = true
	}
	inCatalog := make(map[string]bool, len(known))
	for _, f := range known {
		inCatalog[f.Filename] = true
	}

	restored, dropped := 0, 0
	for _, f := range scanned {
		if inCatalog[f.Filename] {
			continue
		}
		if err := s.catalog.Save(ctx, f); err != nil {
			return err
		}
		restored++
	}
	for _, f := range known {
		if onDisk[f.Filename] {
			continue
		}
		if err := s.catalog.Remove(ctx, f.Filename); err != nil {
			return err
		}
		dropped++
	}
	if restored > 0 || dropped > 0 {
		s.log.Info("archive catalog reconciled", "restored", restored, "dropped", dropped)
	}
	return nil
}

// Run triggers rotations on the configured period. The first firing is
// aligned against the last recorded rotation so a restart does not reset
// the schedule.
func (s *RotationService) Run(ctx context.Context) {
	if s.period <= 0 {
		return
	}
	first := s.period
	if last, ok := s.LastRotation(ctx); ok {
		if due := s.period - s.now().Sub(last); due > 0 {
			first = due
		} else {
			first = time.Second
		}
	}
	timer := time.NewTimer(first)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.Rotate(ctx, "scheduled"); err != nil && !errors.Is(err, ports.ErrRotationInProgress) {
				s.log.Error("scheduled rotation failed", "error", err)
			}
			timer.Reset(s.period)
		}
	}
}

func (s *RotationService) tryBegin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != RotationIdle {
		return ports.ErrRotationInProgress
	}
	s.state = RotationSnapshotting
	return nil
}

func (s *RotationService) setState(st RotationState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *RotationService) markRotated(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()

	raw, err := now.UTC().MarshalText()
	if err != nil {
		return
	}
	if err := s.kv.Put(ctx, lastRotationKey, raw, 0); err != nil {
		s.log.Warn("last rotation timestamp not persisted", "error", err)
	}
}

func (s *RotationService) broadcastCleared(reason string, count int, archiveFile string) {
	payload := domain.ClearedPayload{
		Reason:       reason,
		ClearedCount: count,
		ArchiveFile:  archiveFile,
	}
	if evt, err := domain.NewEvent(domain.EventLogsCleared, payload); err == nil {
		s.bus.Broadcast(evt)
	}
}

func (s *RotationService) prune(ctx context.Context) {
	if s.maxFiles <= 0 {
		return
	}
	files, err := s.catalog.List(ctx)
	if err != nil {
		s.log.Warn("archive catalog list failed, pruning skipped", "error", err)
		return
	}
	for len(files) > s.maxFiles {
		oldest := files[0]
		if err := s.archiver.Remove(oldest.Filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("archive prune failed", "file", oldest.Filename, "error", err)
			return
		}
		if err := s.catalog.Remove(ctx, oldest.Filename); err != nil {
			s.log.Warn("archive catalog remove failed", "file", oldest.Filename, "error", err)
			return
		}
		files = files[1:]
	}
}
