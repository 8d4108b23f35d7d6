package eventlog

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// EventRow is the minimal shape Trace needs from storage: one candidate
// memory row. Tool is the row's tool column; Content is the raw content
// column, expected to begin with EventPrefix.
type EventRow struct {
	CreatedAt time.Time
	Tool      string
	Content   string
}

// TraceSource is the narrow slice of Store that GetTrace needs.
type TraceSource interface {
	// ListEventRowsForRun returns candidate rows for runID, in no
	// particular order. Implementations may push the run_id filter down
	// to SQL (matching on the mirrored tool_result column) as a
	// performance optimization; GetTrace re-validates by parsing the
	// envelope regardless, so a backend that returns a superset of rows
	// (or even every EVENT: row) remains correct.
	ListEventRowsForRun(ctx context.Context, runID string) ([]EventRow, error)
}

// TraceEntry is one step of a run's trace: the row's timestamp and tool
// tag, plus the parsed envelope (nil if parsing failed).
type TraceEntry struct {
	CreatedAt time.Time      `json:"created_at"`
	Tool      string         `json:"tool"`
	Event     map[string]any `json:"event"`
}

// GetTrace scans rows whose content starts with EventPrefix, parses the
// JSON suffix, keeps those whose envelope run_id equals runID, and returns
// them ordered by created_at ascending. Parsing failures are skipped
// silently (never raised) per the specification.
func GetTrace(ctx context.Context, source TraceSource, runID string) ([]TraceEntry, error) {
	rows, err := source.ListEventRowsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	entries := make([]TraceEntry, 0, len(rows))
	for _, row := range rows {
		if !strings.HasPrefix(row.Content, EventPrefix) {
			continue
		}

		var envelope map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(row.Content, EventPrefix)), &envelope); err != nil {
			continue
		}

		if rid, _ := envelope["run_id"].(string); rid != runID {
			continue
		}

		entries = append(entries, TraceEntry{
			CreatedAt: row.CreatedAt,
			Tool:      row.Tool,
			Event:     envelope,
		})
	}

	sortByCreatedAt(entries)
	return entries, nil
}

func sortByCreatedAt(entries []TraceEntry) {
	// Small N per run; insertion sort keeps this dependency-free and the
	// ordering stable, matching get_trace's "ascending, stable" contract.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].CreatedAt.Before(entries[j-1].CreatedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
