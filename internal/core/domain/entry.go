package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelTest  Level = "test"
)

// ParseLevel normalizes producer-supplied level strings. Unknown values
// collapse to info so a typo never drops an entry.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "log":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "fatal":
		return LevelError
	case "test":
		return LevelTest
	default:
		return LevelInfo
	}
}

// Quality records how well an ingested payload matched the structured schema.
type Quality string

const (
	QualityValid     Quality = "valid"
	QualityRawText   Quality = "raw-text"
	QualityMalformed Quality = "malformed"
)

// DataCapture is the bounded form of an arbitrary producer payload. Value is
// already depth- and size-limited; the counters report what was cut.
type DataCapture struct {
	Value        json.RawMessage `json:"value,omitempty"`
	Truncated    bool            `json:"truncated,omitempty"`
	CircularRefs int             `json:"circularRefs,omitempty"`
	DepthClipped bool            `json:"depthClipped,omitempty"`
}

// LogEntry is immutable once stored; only eviction or rotation removes it.
type LogEntry struct {
	ID               string       `json:"id" gorm:"primaryKey"`
	SequenceNumber   uint64       `json:"sequenceNumber"`
	Message          string       `json:"message"`
	Level            Level        `json:"level" gorm:"index"`
	Timestamp        time.Time    `json:"timestamp"`
	ServerReceivedAt time.Time    `json:"serverReceivedAt" gorm:"index"`
	ScriptID         string       `json:"scriptId,omitempty" gorm:"index"`
	SourceID         string       `json:"sourceId,omitempty" gorm:"index"`
	SourceType       string       `json:"sourceType,omitempty"`
	Data             *DataCapture `json:"data,omitempty" gorm:"serializer:json"`
	Stack            string       `json:"stack,omitempty"`
	Quality          Quality      `json:"quality"`
	Recursive        bool         `json:"recursive"`
}

func (LogEntry) TableName() string {
	return "log_entries"
}

// EntryFilter selects entries for queries and exports. Zero values mean
// "no constraint". Limit of 0 falls back to the handler default.
type EntryFilter struct {
	Level         Level
	ScriptID      string
	SourceID      string
	Search        string
	Start         time.Time
	End           time.Time
	RecursiveOnly bool
	Limit         int
	Offset        int
}

// EntryPage is one page of a filtered query, newest first.
type EntryPage struct {
	Entries []*LogEntry `json:"entries"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"hasMore"`
}

// Snapshot is the detached live window handed to rotation. Entries are in
// insertion order and no longer shared with the active store.
type Snapshot struct {
	Entries []*LogEntry `json:"entries"`
	TakenAt time.Time   `json:"takenAt"`
}

// StoreStats is the read-only view health and metrics sample.
type StoreStats struct {
	EntryCount      int       `json:"entryCount"`
	MonitoringCount int       `json:"monitoringCount"`
	SourceCount     int       `json:"sourceCount"`
	TotalAppended   uint64    `json:"totalAppended"`
	TotalEvicted    uint64    `json:"totalEvicted"`
	OldestEntry     time.Time `json:"oldestEntry"`
	NewestEntry     time.Time `json:"newestEntry"`
}
