// Package eventlog builds the canonical MemoryEvent envelope, owns the
// single write path that persists it, and answers chronological trace
// queries by re-parsing what was written.
package eventlog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the canonical envelope for anything persisted by the system.
type Event struct {
	ID     string         `json:"id"`
	RunID  string         `json:"run_id,omitempty"`
	Type   string         `json:"type"`
	Source string         `json:"source"`
	TS     time.Time      `json:"ts"`
	Data   map[string]any `json:"data"`
}

// nowUTC is a var so tests can substitute a deterministic clock.
var nowUTC = func() time.Time { return time.Now().UTC() }

// MakeEvent constructs an envelope: a fresh id, ts = now_utc(), and the
// given type/source/data/runID. type and source must be non-empty; data
// must be non-nil (an empty map is fine, nil is not "a mapping").
func MakeEvent(eventType, source string, data map[string]any, runID string) (Event, error) {
	if eventType == "" {
		return Event{}, fmt.Errorf("event type must not be empty")
	}
	if source == "" {
		return Event{}, fmt.Errorf("event source must not be empty")
	}
	if data == nil {
		return Event{}, fmt.Errorf("event data must be a mapping, not nil")
	}

	return Event{
		ID:     uuid.NewString(),
		RunID:  runID,
		Type:   eventType,
		Source: source,
		TS:     nowUTC(),
		Data:   data,
	}, nil
}

// toMap renders the envelope as a plain map so canonical serialization can
// rely on encoding/json's built-in alphabetical sort of map[string]any keys
// instead of hand-ordering struct fields.
func (e Event) toMap() map[string]any {
	m := map[string]any{
		"id":     e.ID,
		"type":   e.Type,
		"source": e.Source,
		"ts":     e.TS.Format(time.RFC3339Nano),
		"data":   e.Data,
	}
	if e.RunID != "" {
		m["run_id"] = e.RunID
	}
	return m
}
