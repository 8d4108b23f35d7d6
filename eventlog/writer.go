package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
)

// EventPrefix tags envelope content so substring scans (get_trace) and grep
// can find it without parsing every row.
const EventPrefix = "EVENT:"

// MemoryInserter is the narrow slice of Store that WriteEvent needs. Kept
// separate from the full store.Store interface so eventlog has no import
// dependency on the store package; store.Store satisfies it structurally.
type MemoryInserter interface {
	InsertMemory(ctx context.Context, source, content string, embedding []float32, embeddingModel, tool string, toolResult map[string]any) (string, error)
}

// Canonicalize renders event as "EVENT:<canonical-json>": sorted keys,
// compact separators, UTF-8 preserved (HTML-unsafe runes not escaped). This
// is the only serialization get_trace is able to invert.
func Canonicalize(event Event) (string, error) {
	buf, err := marshalCompact(event.toMap())
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	return EventPrefix + string(buf), nil
}

func marshalCompact(v any) ([]byte, error) {
	// encoding/json already: (a) sorts map[string]any keys alphabetically,
	// (b) uses compact separators with no indentation. The one adjustment
	// needed is disabling HTML-escaping so non-ASCII and characters like
	// '<','>','&' survive verbatim, per the canonicalization rules.
	var buf []byte
	enc := json.NewEncoder(sliceWriter{&buf})
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; trim it so the
	// envelope is a single compact line.
	if n := len(buf); n > 0 && buf[n-1] == '\n' {
		buf = buf[:n-1]
	}
	return buf, nil
}

type sliceWriter struct{ buf *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// Writer is the single canonical persistence path for every MemoryEvent in
// the system: the worker, the tool turn, and the remember/response paths
// all go through WriteEvent. No other write path exists.
type Writer struct {
	store MemoryInserter
}

// NewWriter returns a Writer backed by store.
func NewWriter(store MemoryInserter) *Writer {
	return &Writer{store: store}
}

// WriteEvent serializes event to "EVENT:<canonical-json>", mirrors the
// envelope into the tool_result column, sets the tool column to toolTag (or
// event.Type if toolTag is empty), and calls Store.InsertMemory.
func (w *Writer) WriteEvent(ctx context.Context, event Event, toolTag string, embedding []float32, embeddingModel string) (string, error) {
	content, err := Canonicalize(event)
	if err != nil {
		return "", err
	}

	tag := toolTag
	if tag == "" {
		tag = event.Type
	}

	return w.store.InsertMemory(ctx, event.Source, content, embedding, embeddingModel, tag, event.toMap())
}
