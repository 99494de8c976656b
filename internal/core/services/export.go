package services

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/ports"
)

const exportPageSize = 1000

// ExportService renders store contents for download. Entries stream in
// pages so an export never materializes the whole window twice.
type ExportService struct {
	store ports.EntryStore
	now   func() time.Time
}

func NewExportService(store ports.EntryStore) *ExportService {
	return &ExportService{store: store, now: time.Now}
}

// ExportLogs writes entries matching filter to w, newest first. Format is
// "json" or "csv".
func (s *ExportService) ExportLogs(w io.Writer, format string, filter domain.EntryFilter) error {
	switch format {
	case "json":
		return s.logsJSON(w, filter)
	case "csv":
		return s.logsCSV(w, filter)
	default:
		return errclass.Newf(errclass.CategoryValidation, "unknown export format %q", format)
	}
}

// ExportMonitoring writes the current monitoring tree to w.
func (s *ExportService) ExportMonitoring(w io.Writer, format string) error {
	summary := s.store.Monitoring()
	switch format {
	case "json":
		return json.NewEncoder(w).Encode(summary)
	case "csv":
		return monitoringCSV(w, summary)
	default:
		return errclass.Newf(errclass.CategoryValidation, "unknown export format %q", format)
	}
}

// ExportBackup writes the full window with monitoring and sources. The
// nested shape has no flat representation, so csv is rejected.
func (s *ExportService) ExportBackup(w io.Writer, format string) error {
	switch format {
	case "json":
	case "csv":
		return errclass.New(errclass.CategoryValidation, "backup export supports only the json format")
	default:
		return errclass.Newf(errclass.CategoryValidation, "unknown export format %q", format)
	}

	head, err := json.Marshal(s.now().UTC())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, `{"exportedAt":%s,"entries":`, head); err != nil {
		return err
	}
	if err := s.streamEntries(w, domain.EntryFilter{}); err != nil {
		return err
	}
	if _, err := io.WriteString(w, `,"recursiveEntries":`); err != nil {
		return err
	}
	if err := s.streamEntries(w, domain.EntryFilter{RecursiveOnly: true}); err != nil {
		return err
	}
	for _, part := range []struct {
		key   string
		value any
	}{
		{"monitoring", s.store.Monitoring()},
		{"sources", s.store.Sources()},
		{"stats", s.store.Stats()},
	} {
		raw, err := json.Marshal(part.value)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, `,%q:%s`, part.key, raw); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "}\n")
	return err
}

func (s *ExportService) logsJSON(w io.Writer, filter domain.EntryFilter) error {
	if err := s.streamEntries(w, filter); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// streamEntries writes a JSON array of matching entries page by page. End
// is pinned to the export start so entries accepted mid-export do not
// shift the pagination.
func (s *ExportService) streamEntries(w io.Writer, filter domain.EntryFilter) error {
	if filter.End.IsZero() {
		filter.End = s.now()
	}
	filter.Limit = exportPageSize
	filter.Offset = 0

	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	for {
		page := s.store.Query(filter)
		for _, e := range page.Entries {
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			first = false
			raw, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if _, err := w.Write(raw); err != nil {
				return err
			}
		}
		if !page.HasMore || len(page.Entries) == 0 {
			break
		}
		filter.Offset += len(page.Entries)
	}
	_, err := io.WriteString(w, "]")
	return err
}

func (s *ExportService) logsCSV(w io.Writer, filter domain.EntryFilter) error {
	if filter.End.IsZero() {
		filter.End = s.now()
	}
	filter.Limit = exportPageSize
	filter.Offset = 0

	cw := csv.NewWriter(w)
	header := []string{
		"id", "sequenceNumber", "timestamp", "serverReceivedAt", "level",
		"scriptId", "sourceId", "sourceType", "quality", "recursive",
		"message", "stack", "data",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for {
		page := s.store.Query(filter)
		for _, e := range page.Entries {
			if err := cw.Write(entryRecord(e)); err != nil {
				return err
			}
		}
		if !page.HasMore || len(page.Entries) == 0 {
			break
		}
		filter.Offset += len(page.Entries)
	}
	cw.Flush()
	return cw.Error()
}

func entryRecord(e *domain.LogEntry) []string {
	data := ""
	if e.Data != nil && len(e.Data.Value) > 0 {
		data = string(e.Data.Value)
	}
	return []string{
		e.ID,
		strconv.FormatUint(e.SequenceNumber, 10),
		formatTime(e.Timestamp),
		formatTime(e.ServerReceivedAt),
		string(e.Level),
		e.ScriptID,
		e.SourceID,
		e.SourceType,
		string(e.Quality),
		strconv.FormatBool(e.Recursive),
		e.Message,
		e.Stack,
		data,
	}
}

func monitoringCSV(w io.Writer, summary domain.MonitoringSummary) error {
	cw := csv.NewWriter(w)
	header := []string{
		"moduleId", "scriptId", "type", "name", "timestamp",
		"value", "previousValue", "file", "line", "function", "duration", "error",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, d := range summary.Data {
		record := []string{
			d.ModuleID,
			d.ScriptID,
			string(d.Type),
			d.Name,
			formatTime(d.Timestamp),
			string(d.Value),
			string(d.PreviousValue),
			"", "", "", "", "",
		}
		if m := d.Metadata; m != nil {
			record[7] = m.File
			record[8] = strconv.Itoa(m.Line)
			record[9] = m.Function
			record[10] = strconv.FormatFloat(m.Duration, 'f', -1, 64)
			record[11] = m.Error
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
