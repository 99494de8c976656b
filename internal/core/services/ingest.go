package services

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/valyala/fastjson"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/safedata"
)

// ingestMaxMessage bounds the message text lifted from raw or malformed
// bodies so a runaway producer cannot bloat the window.
const ingestMaxMessage = 16 << 10

var ingestParsers fastjson.ParserPool

// SourceInfo identifies the producer behind a request. ID comes from the
// X-Source-ID header when present; Fallback is the remote address used
// when neither header nor body name a source.
type SourceInfo struct {
	ID       string
	Type     string
	Fallback string
}

// ItemResult reports the fate of one ingested item.
type ItemResult struct {
	Index    int            `json:"index"`
	Accepted bool           `json:"accepted"`
	ID       string         `json:"id,omitempty"`
	Quality  domain.Quality `json:"quality,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// IngestResult summarizes one ingest call; batch calls carry one item per
// array element.
type IngestResult struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Items    []ItemResult `json:"items"`
}

// IngestService normalizes producer payloads into log entries. Nothing is
// dropped for being unparseable: payloads that fail the structured schema
// are stored with a quality tag instead of an error.
type IngestService struct {
	store   ports.EntryStore
	bus     ports.EventBus
	persist *Persister
	log     *slog.Logger
}

func NewIngestService(store ports.EntryStore, bus ports.EventBus, persist *Persister) *IngestService {
	return &IngestService{
		store:   store,
		bus:     bus,
		persist: persist,
		log:     logger.Component("ingest"),
	}
}

// IngestJSON accepts a single JSON object or an array of them. Malformed
// JSON and non-object values are stored as quality=malformed entries with
// the raw body as the message.
func (s *IngestService) IngestJSON(ctx context.Context, body []byte, src SourceInfo) IngestResult {
	p := ingestParsers.Get()
	defer ingestParsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		e := s.malformedEntry(body, src)
		s.accept(e, false)
		return singleResult(e)
	}

	switch v.Type() {
	case fastjson.TypeObject:
		e, screenshot := s.entryFromObject(v, src)
		s.accept(e, screenshot)
		return singleResult(e)
	case fastjson.TypeArray:
		items := v.GetArray()
		res := IngestResult{Items: make([]ItemResult, 0, len(items))}
		for i, item := range items {
			var e *domain.LogEntry
			var screenshot bool
			if item.Type() == fastjson.TypeObject {
				e, screenshot = s.entryFromObject(item, src)
			} else {
				e = s.malformedEntry(item.MarshalTo(nil), src)
			}
			s.accept(e, screenshot)
			res.Items = append(res.Items, ItemResult{
				Index:    i,
				Accepted: true,
				ID:       e.ID,
				Quality:  e.Quality,
			})
			res.Accepted++
		}
		return res
	default:
		e := s.malformedEntry(body, src)
		s.accept(e, false)
		return singleResult(e)
	}
}

// IngestText stores a text/plain body verbatim with quality=raw-text.
func (s *IngestService) IngestText(ctx context.Context, body []byte, src SourceInfo) *domain.LogEntry {
	e := &domain.LogEntry{
		Message:    boundString(body, ingestMaxMessage),
		Level:      domain.LevelInfo,
		Quality:    domain.QualityRawText,
		SourceID:   firstNonEmpty(src.ID, src.Fallback),
		SourceType: src.Type,
	}
	s.accept(e, false)
	return e
}

// IngestForm handles the GET convenience form used by producers that can
// only fire a request from a query string.
func (s *IngestService) IngestForm(ctx context.Context, fields url.Values, src SourceInfo) *domain.LogEntry {
	e := &domain.LogEntry{
		Message:    fields.Get("message"),
		Level:      domain.ParseLevel(fields.Get("level")),
		ScriptID:   fields.Get("scriptId"),
		Stack:      fields.Get("stack"),
		Quality:    domain.QualityValid,
		SourceType: firstNonEmpty(src.Type, fields.Get("sourceType")),
	}
	e.SourceID = firstNonEmpty(src.ID, fields.Get("sourceId"), src.Fallback)
	if data := fields.Get("data"); data != "" {
		e.Data = safedata.CaptureRaw([]byte(data))
	}
	s.accept(e, false)
	return e
}

// IngestMonitoring normalizes a monitoring payload, stores it and
// broadcasts the update. Unlike log ingestion this path rejects bodies
// that do not fit the schema.
func (s *IngestService) IngestMonitoring(ctx context.Context, body []byte, src SourceInfo) (*domain.MonitoringDatum, error) {
	p := ingestParsers.Get()
	defer ingestParsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, errclass.Wrap(errclass.CategoryValidation, err, "monitoring payload is not valid JSON")
	}
	if v.Type() != fastjson.TypeObject {
		return nil, errclass.New(errclass.CategoryValidation, "monitoring payload must be a JSON object")
	}

	d := &domain.MonitoringDatum{
		ModuleID:  string(v.GetStringBytes("moduleId")),
		ScriptID:  string(v.GetStringBytes("scriptId")),
		Timestamp: parseTimestamp(v.Get("timestamp")),
		Type:      domain.ParseMonitoringType(string(v.GetStringBytes("type"))),
		Name:      string(v.GetStringBytes("name")),
	}
	if d.Name == "" {
		return nil, errclass.New(errclass.CategoryValidation, "monitoring payload requires a name")
	}
	if d.ScriptID == "" {
		d.ScriptID = firstNonEmpty(src.ID, src.Fallback)
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	if val := v.Get("value"); val != nil {
		d.Value = val.MarshalTo(nil)
	}
	if meta := v.Get("metadata"); meta != nil && meta.Type() == fastjson.TypeObject {
		d.Metadata = &domain.MonitoringMeta{
			File:     string(meta.GetStringBytes("file")),
			Line:     meta.GetInt("line"),
			Function: string(meta.GetStringBytes("function")),
			Duration: meta.GetFloat64("duration"),
			Error:    string(meta.GetStringBytes("error")),
			Stack:    string(meta.GetStringBytes("stack")),
		}
	}

	s.store.AppendMonitoring(d)
	if evt, err := domain.NewEvent(domain.EventMonitoringUpdate, d); err == nil {
		s.bus.Broadcast(evt)
	}
	return d, nil
}

// Record accepts a server-built entry. The logger mirror and the error
// classifier feed through here so recursive entries reach subscribers the
// same way producer entries do.
func (s *IngestService) Record(e *domain.LogEntry) {
	s.accept(e, false)
}

// RunEvictor applies the retention bounds on a timer so an idle server
// still sheds expired entries.
func (s *IngestService) RunEvictor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.store.Evict(); n > 0 {
				s.log.Debug("evicted expired entries", "count", n)
			}
		}
	}
}

func (s *IngestService) accept(e *domain.LogEntry, screenshot bool) {
	s.store.Append(e)

	eventType := domain.EventNewLog
	if screenshot {
		eventType = domain.EventNewScreenshot
	}
	if evt, err := domain.NewEvent(eventType, e); err == nil {
		s.bus.Broadcast(evt)
	}

	if s.persist != nil {
		s.persist.Offer(*e)
	}
}

func (s *IngestService) entryFromObject(v *fastjson.Value, src SourceInfo) (*domain.LogEntry, bool) {
	e := &domain.LogEntry{
		Message:    string(v.GetStringBytes("message")),
		Level:      domain.ParseLevel(string(v.GetStringBytes("level"))),
		Timestamp:  parseTimestamp(v.Get("timestamp")),
		ScriptID:   string(v.GetStringBytes("scriptId")),
		SourceType: string(v.GetStringBytes("sourceType")),
		Stack:      string(v.GetStringBytes("stack")),
		Quality:    domain.QualityValid,
		Recursive:  v.GetBool("recursive"),
	}
	e.SourceID = firstNonEmpty(src.ID, string(v.GetStringBytes("sourceId")), src.Fallback)
	if e.SourceType == "" {
		e.SourceType = src.Type
	}
	if data := v.Get("data"); data != nil {
		e.Data = safedata.CaptureRaw(data.MarshalTo(nil))
	}
	screenshot := string(v.GetStringBytes("type")) == "screenshot"
	return e, screenshot
}

func (s *IngestService) malformedEntry(body []byte, src SourceInfo) *domain.LogEntry {
	return &domain.LogEntry{
		Message:    boundString(body, ingestMaxMessage),
		Level:      domain.LevelInfo,
		Quality:    domain.QualityMalformed,
		SourceID:   firstNonEmpty(src.ID, src.Fallback),
		SourceType: src.Type,
	}
}

func singleResult(e *domain.LogEntry) IngestResult {
	return IngestResult{
		Accepted: 1,
		Items: []ItemResult{{
			Index:    0,
			Accepted: true,
			ID:       e.ID,
			Quality:  e.Quality,
		}},
	}
}

// parseTimestamp accepts RFC 3339 strings and epoch numbers. Numbers past
// 1e11 are read as milliseconds, smaller ones as seconds.
func parseTimestamp(v *fastjson.Value) time.Time {
	if v == nil {
		return time.Time{}
	}
	switch v.Type() {
	case fastjson.TypeString:
		if b, err := v.StringBytes(); err == nil {
			if t, err := time.Parse(time.RFC3339Nano, string(b)); err == nil {
				return t
			}
		}
	case fastjson.TypeNumber:
		n := v.GetFloat64()
		if n > 1e11 {
			return time.UnixMilli(int64(n))
		}
		if n > 0 {
			return time.Unix(int64(n), 0)
		}
	}
	return time.Time{}
}

func boundString(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
