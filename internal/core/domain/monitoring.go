package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type MonitoringType string

const (
	MonitoringVariable MonitoringType = "variable"
	MonitoringState    MonitoringType = "state"
	MonitoringFunction MonitoringType = "function"
	MonitoringProperty MonitoringType = "property"
	MonitoringEvent    MonitoringType = "event"
)

// ParseMonitoringType normalizes producer-supplied type strings; unknown
// values become "variable".
func ParseMonitoringType(s string) MonitoringType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "state":
		return MonitoringState
	case "function":
		return MonitoringFunction
	case "property":
		return MonitoringProperty
	case "event":
		return MonitoringEvent
	default:
		return MonitoringVariable
	}
}

// MonitoringMeta carries call-site details attached by the producer.
type MonitoringMeta struct {
	File     string  `json:"file,omitempty"`
	Line     int     `json:"line,omitempty"`
	Function string  `json:"function,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
	Stack    string  `json:"stack,omitempty"`
}

// MonitoringDatum is keyed by (ModuleID, ScriptID, Type, Name). A new datum
// for the same key supersedes the prior one, carrying it as PreviousValue.
type MonitoringDatum struct {
	ModuleID      string          `json:"moduleId"`
	ScriptID      string          `json:"scriptId"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          MonitoringType  `json:"type"`
	Name          string          `json:"name"`
	Value         json.RawMessage `json:"value,omitempty"`
	PreviousValue json.RawMessage `json:"previousValue,omitempty"`
	Metadata      *MonitoringMeta `json:"metadata,omitempty"`
}

// MonitoringKey is the identity of a datum inside the store.
type MonitoringKey struct {
	ModuleID string
	ScriptID string
	Type     MonitoringType
	Name     string
}

func (d MonitoringDatum) Key() MonitoringKey {
	return MonitoringKey{ModuleID: d.ModuleID, ScriptID: d.ScriptID, Type: d.Type, Name: d.Name}
}

// MonitoringSummary aggregates the current tree for GET /api/monitoring.
type MonitoringSummary struct {
	Data       []MonitoringDatum      `json:"data"`
	ByType     map[MonitoringType]int `json:"byType"`
	ByModule   map[string]int         `json:"byModule"`
	TotalCount int                    `json:"totalCount"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}
