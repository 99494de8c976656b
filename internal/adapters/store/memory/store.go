// Package memory implements the live bounded log window: an insertion-order
// slice plus secondary indices by script, source and level, so filtered
// queries never scan the whole window. Eviction trims oldest-first by age
// and count; rotation detaches the whole window in O(1) via buffer swap.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	compactThreshold = 1024
)

type Options struct {
	MaxCount int
	MaxAge   time.Duration
	Now      func() time.Time
}

type Store struct {
	mu sync.RWMutex

	entries   []*domain.LogEntry
	byScript  map[string][]*domain.LogEntry
	bySource  map[string][]*domain.LogEntry
	byLevel   map[domain.Level][]*domain.LogEntry
	recursive []*domain.LogEntry

	monitoring map[domain.MonitoringKey]*domain.MonitoringDatum
	sources    map[string]*domain.Source

	seq           uint64
	totalAppended uint64
	totalEvicted  uint64

	maxCount int
	maxAge   time.Duration
	now      func() time.Time
}

func New(opts Options) *Store {
	if opts.MaxCount <= 0 {
		opts.MaxCount = 10000
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		byScript:   make(map[string][]*domain.LogEntry),
		bySource:   make(map[string][]*domain.LogEntry),
		byLevel:    make(map[domain.Level][]*domain.LogEntry),
		monitoring: make(map[domain.MonitoringKey]*domain.MonitoringDatum),
		sources:    make(map[string]*domain.Source),
		maxCount:   opts.MaxCount,
		maxAge:     opts.MaxAge,
		now:        opts.Now,
	}
}

// Append stores one entry, assigning id, sequence number and server
// timestamp. Entries are immutable once appended. An eviction pass runs
// inline so the window can never exceed its bounds between timer ticks.
func (s *Store) Append(e *domain.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.seq++
	e.ID = uuid.NewString()
	e.SequenceNumber = s.seq
	e.ServerReceivedAt = now
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Level == "" {
		e.Level = domain.LevelInfo
	}
	if e.Quality == "" {
		e.Quality = domain.QualityValid
	}

	s.entries = append(s.entries, e)
	s.byLevel[e.Level] = append(s.byLevel[e.Level], e)
	if e.ScriptID != "" {
		s.byScript[e.ScriptID] = append(s.byScript[e.ScriptID], e)
	}
	if e.SourceID != "" {
		s.bySource[e.SourceID] = append(s.bySource[e.SourceID], e)
		s.touchSource(e, now)
	}
	if e.Recursive {
		s.recursive = append(s.recursive, e)
	}
	s.totalAppended++

	s.evictLocked(now)
}

// Record satisfies the recorder interfaces of the logger mirror and the
// error classifier.
func (s *Store) Record(e *domain.LogEntry) {
	s.Append(e)
}

func (s *Store) touchSource(e *domain.LogEntry, now time.Time) {
	src, ok := s.sources[e.SourceID]
	if !ok {
		src = &domain.Source{
			SourceID:   e.SourceID,
			SourceType: e.SourceType,
			FirstSeen:  now,
			ByLevel:    make(map[domain.Level]uint64),
		}
		s.sources[e.SourceID] = src
	}
	if src.SourceType == "" {
		src.SourceType = e.SourceType
	}
	src.LastSeen = now
	src.EntryCount++
	src.ByLevel[e.Level]++
}

// AppendMonitoring upserts a datum under its module/script/type/name key,
// preserving the superseded value as PreviousValue.
func (s *Store) AppendMonitoring(d *domain.MonitoringDatum) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Timestamp.IsZero() {
		d.Timestamp = s.now().UTC()
	}
	key := d.Key()
	if prev, ok := s.monitoring[key]; ok && len(d.PreviousValue) == 0 {
		d.PreviousValue = prev.Value
	}
	s.monitoring[key] = d
}

// Query returns one page, newest first. The narrowest matching index is
// scanned; remaining filters are applied per entry. Recursive entries are
// excluded unless the filter selects them.
func (s *Store) Query(f domain.EntryFilter) domain.EntryPage {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.entries
	switch {
	case f.RecursiveOnly:
		candidates = s.recursive
	case f.ScriptID != "":
		candidates = s.byScript[f.ScriptID]
	case f.SourceID != "":
		candidates = s.bySource[f.SourceID]
	case f.Level != "":
		candidates = s.byLevel[f.Level]
	}

	search := strings.ToLower(f.Search)
	matched := 0
	page := make([]*domain.LogEntry, 0, limit)
	for i := len(candidates) - 1; i >= 0; i-- {
		e := candidates[i]
		if !matches(e, f, search) {
			continue
		}
		if matched >= offset && len(page) < limit {
			page = append(page, e)
		}
		matched++
	}

	return domain.EntryPage{
		Entries: page,
		Total:   matched,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(page) < matched,
	}
}

func matches(e *domain.LogEntry, f domain.EntryFilter, search string) bool {
	if e.Recursive != f.RecursiveOnly {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.ScriptID != "" && e.ScriptID != f.ScriptID {
		return false
	}
	if f.SourceID != "" && e.SourceID != f.SourceID {
		return false
	}
	if !f.Start.IsZero() && e.ServerReceivedAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.ServerReceivedAt.After(f.End) {
		return false
	}
	if search != "" && !strings.Contains(strings.ToLower(e.Message), search) {
		return false
	}
	return true
}

// ClearAll swaps the live window for a fresh one and hands the detached
// buffer back as a snapshot. Entries appended concurrently land in the new
// buffer. Monitoring data, source registry and the sequence counter survive
// the swap.
func (s *Store) ClearAll() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.Snapshot{Entries: s.entries, TakenAt: s.now().UTC()}
	s.entries = nil
	s.byScript = make(map[string][]*domain.LogEntry)
	s.bySource = make(map[string][]*domain.LogEntry)
	s.byLevel = make(map[domain.Level][]*domain.LogEntry)
	s.recursive = nil
	return snap
}

// Evict runs one eviction pass and reports how many entries were removed.
func (s *Store) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(s.now().UTC())
}

func (s *Store) evictLocked(now time.Time) int {
	evicted := 0
	cutoff := now.Add(-s.maxAge)
	for len(s.entries) > 0 && s.entries[0].ServerReceivedAt.Before(cutoff) {
		s.popOldest()
		evicted++
	}
	for len(s.entries) > s.maxCount {
		s.popOldest()
		evicted++
	}
	s.totalEvicted += uint64(evicted)
	s.compact()
	return evicted
}

// popOldest removes the head entry. Index slices are insertion-ordered
// subsets of the window, so the head entry can only sit at their heads.
func (s *Store) popOldest() {
	e := s.entries[0]
	s.entries[0] = nil
	s.entries = s.entries[1:]

	if lst := s.byLevel[e.Level]; len(lst) > 0 && lst[0] == e {
		s.byLevel[e.Level] = trimHead(lst)
		if len(s.byLevel[e.Level]) == 0 {
			delete(s.byLevel, e.Level)
		}
	}
	if e.ScriptID != "" {
		if lst := s.byScript[e.ScriptID]; len(lst) > 0 && lst[0] == e {
			s.byScript[e.ScriptID] = trimHead(lst)
			if len(s.byScript[e.ScriptID]) == 0 {
				delete(s.byScript, e.ScriptID)
			}
		}
	}
	if e.SourceID != "" {
		if lst := s.bySource[e.SourceID]; len(lst) > 0 && lst[0] == e {
			s.bySource[e.SourceID] = trimHead(lst)
			if len(s.bySource[e.SourceID]) == 0 {
				delete(s.bySource, e.SourceID)
			}
		}
	}
	if e.Recursive && len(s.recursive) > 0 && s.recursive[0] == e {
		s.recursive = trimHead(s.recursive)
	}
}

func trimHead(lst []*domain.LogEntry) []*domain.LogEntry {
	lst[0] = nil
	return lst[1:]
}

// compact reallocates the window when repeated head-trimming has left the
// backing array mostly unused.
func (s *Store) compact() {
	if cap(s.entries) > compactThreshold && len(s.entries) < cap(s.entries)/2 {
		fresh := make([]*domain.LogEntry, len(s.entries))
		copy(fresh, s.entries)
		s.entries = fresh
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) Stats() domain.StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := domain.StoreStats{
		EntryCount:      len(s.entries),
		MonitoringCount: len(s.monitoring),
		SourceCount:     len(s.sources),
		TotalAppended:   s.totalAppended,
		TotalEvicted:    s.totalEvicted,
	}
	if len(s.entries) > 0 {
		st.OldestEntry = s.entries[0].ServerReceivedAt
		st.NewestEntry = s.entries[len(s.entries)-1].ServerReceivedAt
	}
	return st
}

// Sources lists every producer seen since process start, ordered by id.
// Counts are lifetime counts; they survive eviction and rotation.
func (s *Store) Sources() []domain.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Source, 0, len(s.sources))
	for _, src := range s.sources {
		cp := *src
		cp.ByLevel = make(map[domain.Level]uint64, len(src.ByLevel))
		for k, v := range src.ByLevel {
			cp.ByLevel[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Monitoring assembles the current monitoring tree with aggregate counts.
func (s *Store) Monitoring() domain.MonitoringSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := domain.MonitoringSummary{
		Data:     make([]domain.MonitoringDatum, 0, len(s.monitoring)),
		ByType:   make(map[domain.MonitoringType]int),
		ByModule: make(map[string]int),
	}
	for _, d := range s.monitoring {
		sum.Data = append(sum.Data, *d)
		sum.ByType[d.Type]++
		sum.ByModule[d.ModuleID]++
		if d.Timestamp.After(sum.UpdatedAt) {
			sum.UpdatedAt = d.Timestamp
		}
	}
	sort.Slice(sum.Data, func(i, j int) bool {
		a, b := sum.Data[i], sum.Data[j]
		if a.ModuleID != b.ModuleID {
			return a.ModuleID < b.ModuleID
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Type < b.Type
	})
	sum.TotalCount = len(sum.Data)
	return sum
}
