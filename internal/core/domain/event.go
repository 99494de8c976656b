package domain

import (
	"encoding/json"
	"time"
)

// Event types pushed to websocket subscribers and the egress bridge.
const (
	EventNewLog           = "new_log"
	EventLogsCleared      = "logs_cleared"
	EventNewScreenshot    = "new_screenshot"
	EventMonitoringUpdate = "monitoring_update"
	EventServerShutdown   = "server_shutdown"
)

// Event is one broadcast frame. Data holds the event-specific payload
// already marshaled, so the hub serializes each frame exactly once no
// matter how many subscribers receive it.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent marshals payload into a frame stamped with the current time.
func NewEvent(eventType string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Data: raw, Timestamp: time.Now().UTC()}, nil
}

// ClearedPayload is the body of a logs_cleared frame.
type ClearedPayload struct {
	Reason       string `json:"reason"`
	ClearedCount int    `json:"clearedCount"`
	ArchiveFile  string `json:"archiveFile,omitempty"`
}

// ShutdownPayload is the body of a server_shutdown frame.
type ShutdownPayload struct {
	Reason string `json:"reason"`
}
