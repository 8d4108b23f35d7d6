package eventlog

import (
	"context"
	"testing"
	"time"
)

type fakeTraceSource struct {
	rows []EventRow
}

func (f *fakeTraceSource) ListEventRowsForRun(ctx context.Context, runID string) ([]EventRow, error) {
	return f.rows, nil
}

func mustCanonical(t *testing.T, eventType, runID string) string {
	t.Helper()
	ev, err := MakeEvent(eventType, "orchestrator", map[string]any{"k": "v"}, runID)
	if err != nil {
		t.Fatalf("MakeEvent() error = %v", err)
	}
	content, err := Canonicalize(ev)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	return content
}

func TestGetTrace_FiltersByRunAndOrders(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	src := &fakeTraceSource{rows: []EventRow{
		{CreatedAt: base.Add(2 * time.Second), Tool: "response", Content: mustCanonical(t, "response", "run-a")},
		{CreatedAt: base, Tool: "tool_call", Content: mustCanonical(t, "tool_call", "run-a")},
		{CreatedAt: base.Add(time.Second), Tool: "tool_result", Content: mustCanonical(t, "tool_result", "run-a")},
		{CreatedAt: base, Tool: "response", Content: mustCanonical(t, "response", "run-b")},
		{CreatedAt: base, Tool: "garbage", Content: "not an event row"},
		{CreatedAt: base, Tool: "garbage-event", Content: EventPrefix + "{not valid json"},
	}}

	entries, err := GetTrace(context.Background(), src, "run-a")
	if err != nil {
		t.Fatalf("GetTrace() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Fatalf("entries not ascending by created_at: %v", entries)
		}
	}
	if entries[0].Tool != "tool_call" || entries[2].Tool != "response" {
		t.Fatalf("unexpected ordering: %+v", entries)
	}
}

func TestGetTrace_EmptyWhenNoMatch(t *testing.T) {
	src := &fakeTraceSource{rows: []EventRow{
		{CreatedAt: time.Now(), Tool: "response", Content: mustCanonical(t, "response", "run-other")},
	}}

	entries, err := GetTrace(context.Background(), src, "run-missing")
	if err != nil {
		t.Fatalf("GetTrace() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0", len(entries))
	}
}
