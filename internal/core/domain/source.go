package domain

import "time"

// Source is the derived view of one producer. It is refreshed on every
// accepted entry, never mutated through its own endpoint.
type Source struct {
	SourceID   string           `json:"sourceId"`
	SourceType string           `json:"sourceType"`
	FirstSeen  time.Time        `json:"firstSeen"`
	LastSeen   time.Time        `json:"lastSeen"`
	EntryCount uint64           `json:"entryCount"`
	ByLevel    map[Level]uint64 `json:"byLevel"`
}
