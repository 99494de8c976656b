package services

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adamPlusPlus/allogi-sub000/internal/adapters/store/memory"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
)

func newTestExport(t *testing.T) (*ExportService, *memory.Store) {
	t.Helper()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(memory.Options{
		MaxCount: 5000,
		MaxAge:   24 * time.Hour,
		Now:      func() time.Time { return base },
	})
	svc := NewExportService(store)
	svc.now = func() time.Time { return base.Add(time.Second) }
	return svc, store
}

func TestExportLogsJSON(t *testing.T) {
	svc, store := newTestExport(t)
	store.Append(&domain.LogEntry{Message: "first"})
	store.Append(&domain.LogEntry{Message: "second", Level: domain.LevelError})
	store.Append(&domain.LogEntry{Message: "mirror", Recursive: true})

	var buf bytes.Buffer
	if err := svc.ExportLogs(&buf, "json", domain.EntryFilter{}); err != nil {
		t.Fatalf("ExportLogs returned error: %v", err)
	}

	var entries []domain.LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 non-recursive", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "first" {
		t.Errorf("order = %q, %q, want newest first", entries[0].Message, entries[1].Message)
	}
}

func TestExportLogsJSONPaginatesFullWindow(t *testing.T) {
	svc, store := newTestExport(t)
	for i := 0; i < exportPageSize+500; i++ {
		store.Append(&domain.LogEntry{Message: fmt.Sprintf("line %d", i)})
	}

	var buf bytes.Buffer
	if err := svc.ExportLogs(&buf, "json", domain.EntryFilter{}); err != nil {
		t.Fatalf("ExportLogs returned error: %v", err)
	}

	var entries []domain.LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(entries) != exportPageSize+500 {
		t.Fatalf("entries = %d, want %d", len(entries), exportPageSize+500)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].SequenceNumber >= entries[i-1].SequenceNumber {
			t.Fatalf("entries %d..%d out of order across page boundary", i-1, i)
		}
	}
}

func TestExportLogsCSV(t *testing.T) {
	svc, store := newTestExport(t)
	store.Append(&domain.LogEntry{Message: "plain, with comma", Level: domain.LevelError, ScriptID: "loader"})
	store.Append(&domain.LogEntry{Message: "second"})

	var buf bytes.Buffer
	if err := svc.ExportLogs(&buf, "csv", domain.EntryFilter{}); err != nil {
		t.Fatalf("ExportLogs returned error: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header plus 2", len(rows))
	}
	if rows[0][0] != "id" || rows[0][10] != "message" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[2][10] != "plain, with comma" {
		t.Errorf("message cell = %q, want comma preserved", rows[2][10])
	}
	if rows[2][4] != "error" {
		t.Errorf("level cell = %q, want error", rows[2][4])
	}
}

func TestExportLogsHonorsFilter(t *testing.T) {
	svc, store := newTestExport(t)
	store.Append(&domain.LogEntry{Message: "noise", Level: domain.LevelInfo})
	store.Append(&domain.LogEntry{Message: "boom", Level: domain.LevelError})

	var buf bytes.Buffer
	if err := svc.ExportLogs(&buf, "json", domain.EntryFilter{Level: domain.LevelError}); err != nil {
		t.Fatalf("ExportLogs returned error: %v", err)
	}
	var entries []domain.LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
		t.Fatalf("output is not a JSON array: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "boom" {
		t.Errorf("entries = %+v, want only the error entry", entries)
	}
}

func TestExportLogsUnknownFormat(t *testing.T) {
	svc, _ := newTestExport(t)
	err := svc.ExportLogs(&bytes.Buffer{}, "xml", domain.EntryFilter{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var cerr *errclass.Error
	if !errors.As(err, &cerr) || cerr.Category != errclass.CategoryValidation {
		t.Errorf("error = %v, want validation category", err)
	}
}

func TestExportBackup(t *testing.T) {
	svc, store := newTestExport(t)
	store.Append(&domain.LogEntry{Message: "app line", SourceID: "script-1"})
	store.Append(&domain.LogEntry{Message: "another", SourceID: "script-1"})
	store.Append(&domain.LogEntry{Message: "server mirror", Recursive: true})
	store.AppendMonitoring(&domain.MonitoringDatum{
		ModuleID: "physics", Name: "velocity", Type: domain.MonitoringVariable,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	})

	var buf bytes.Buffer
	if err := svc.ExportBackup(&buf, "json"); err != nil {
		t.Fatalf("ExportBackup returned error: %v", err)
	}

	var doc struct {
		ExportedAt       time.Time                `json:"exportedAt"`
		Entries          []domain.LogEntry        `json:"entries"`
		RecursiveEntries []domain.LogEntry        `json:"recursiveEntries"`
		Monitoring       domain.MonitoringSummary `json:"monitoring"`
		Sources          []domain.Source          `json:"sources"`
		Stats            domain.StoreStats        `json:"stats"`
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("backup is not valid JSON: %v", err)
	}
	if doc.ExportedAt.IsZero() {
		t.Error("ExportedAt missing")
	}
	if len(doc.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(doc.Entries))
	}
	if len(doc.RecursiveEntries) != 1 || doc.RecursiveEntries[0].Message != "server mirror" {
		t.Errorf("recursiveEntries = %+v, want the mirror entry", doc.RecursiveEntries)
	}
	if doc.Monitoring.TotalCount != 1 {
		t.Errorf("monitoring TotalCount = %d, want 1", doc.Monitoring.TotalCount)
	}
	if len(doc.Sources) != 1 || doc.Sources[0].SourceID != "script-1" {
		t.Errorf("sources = %+v, want script-1", doc.Sources)
	}
	if doc.Stats.EntryCount != 3 {
		t.Errorf("stats EntryCount = %d, want 3", doc.Stats.EntryCount)
	}
}

func TestExportBackupRejectsCSV(t *testing.T) {
	svc, _ := newTestExport(t)
	err := svc.ExportBackup(&bytes.Buffer{}, "csv")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var cerr *errclass.Error
	if !errors.As(err, &cerr) || cerr.Category != errclass.CategoryValidation {
		t.Errorf("error = %v, want validation category", err)
	}
}

func TestExportMonitoringCSV(t *testing.T) {
	svc, store := newTestExport(t)
	store.AppendMonitoring(&domain.MonitoringDatum{
		ModuleID:  "physics",
		ScriptID:  "sim",
		Name:      "velocity",
		Type:      domain.MonitoringVariable,
		Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Value:     json.RawMessage(`{"x":1.5}`),
		Metadata:  &domain.MonitoringMeta{File: "sim.lua", Line: 42, Function: "tick", Duration: 0.8},
	})

	var buf bytes.Buffer
	if err := svc.ExportMonitoring(&buf, "csv"); err != nil {
		t.Fatalf("ExportMonitoring returned error: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not CSV: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header plus 1", len(rows))
	}
	row := rows[1]
	if row[0] != "physics" || row[3] != "velocity" {
		t.Errorf("row = %v, want physics/velocity", row)
	}
	if row[7] != "sim.lua" || row[8] != "42" {
		t.Errorf("metadata cells = %v, %v, want sim.lua line 42", row[7], row[8])
	}
}

func TestExportMonitoringJSON(t *testing.T) {
	svc, store := newTestExport(t)
	store.AppendMonitoring(&domain.MonitoringDatum{ModuleID: "physics", Name: "velocity"})

	var buf bytes.Buffer
	if err := svc.ExportMonitoring(&buf, "json"); err != nil {
		t.Fatalf("ExportMonitoring returned error: %v", err)
	}
	var summary domain.MonitoringSummary
	if err := json.Unmarshal(buf.Bytes(), &summary); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if summary.TotalCount != 1 {
		t.Errorf("TotalCount = %d, want 1", summary.TotalCount)
	}
}
