package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/eventlog"
	"github.com/aiop/operator/orchestrator/middleware"
	"github.com/aiop/operator/store"
)

type askRequest struct {
	Prompt string `json:"prompt"`
}

type toolCall struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	details := map[string]any{}
	ok := true

	if err := s.store.Ping(r.Context()); err != nil {
		ok = false
		details["postgres"] = err.Error()
	} else {
		details["postgres"] = "ok"
	}

	if err := s.inference.Ping(r.Context()); err != nil {
		ok = false
		details["ollama"] = err.Error()
	} else {
		details["ollama"] = "ok"
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": statusLabel(ok), "details": details})
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	entries, err := eventlog.GetTrace(r.Context(), s.store, runID)
	if err != nil {
		writeError(w, operator.NewRunError("trace", runID, fmt.Errorf("%w: %v", operator.ErrStoreUnavailable, err)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"count":  len(entries),
		"events": entries,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := middleware.GetRunID(ctx)
	t0 := time.Now()

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, operator.NewRunError("ask.decode", runID, fmt.Errorf("%w: %v", operator.ErrBadRequest, err)))
		return
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeError(w, operator.NewRunError("ask.validate", runID, fmt.Errorf("%w: prompt must not be empty", operator.ErrBadRequest)))
		return
	}

	m, phrase := classify(prompt)

	switch m {
	case modeRemember:
		s.handleRemember(ctx, w, runID, phrase)
	case modeRecall:
		s.handleRecall(ctx, w, runID)
	default:
		s.handleChat(ctx, w, runID, prompt, t0)
	}
}

func (s *Server) handleRemember(ctx context.Context, w http.ResponseWriter, runID, phrase string) {
	if phrase == "" {
		writeError(w, operator.NewRunError("ask.remember", runID, fmt.Errorf("%w: no phrase provided", operator.ErrBadRequest)))
		return
	}

	event, err := eventlog.MakeEvent("remember_phrase", "orchestrator", map[string]any{"phrase": phrase}, runID)
	if err != nil {
		writeError(w, operator.NewRunError("ask.remember", runID, err))
		return
	}
	if _, err := s.events.WriteEvent(ctx, event, "", nil, ""); err != nil {
		writeError(w, operator.NewRunError("ask.remember", runID, fmt.Errorf("%w: %v", operator.ErrStoreUnavailable, err)))
		return
	}

	// The remember_phrase event carries the phrase in its canonical
	// envelope for the trace, but get_latest_phrase's deterministic recall
	// scans a distinct PHRASE:-prefixed row — recall must not depend on
	// parsing EVENT: envelopes.
	if _, err := s.store.InsertMemory(ctx, "orchestrator", "PHRASE:"+phrase, nil, "", "", nil); err != nil {
		writeError(w, operator.NewRunError("ask.remember", runID, fmt.Errorf("%w: %v", operator.ErrStoreUnavailable, err)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":     s.cfg.ChatModel,
		"response":  phrase,
		"memory_id": nil,
		"retrieved": []any{},
		"tool_used": nil,
		"tool_result": nil,
		"timings": map[string]any{"embed_s": 0.0, "retrieve_s": 0.0, "generate_s": 0.0, "db_s": 0.0, "total_s": 0.0},
		"config":  map[string]any{"mode": "remember", "expected_dim": s.cfg.ExpectedEmbedDim},
		"run_id":  runID,
	})
}

func (s *Server) handleRecall(ctx context.Context, w http.ResponseWriter, runID string) {
	phrase, ok, err := s.store.GetLatestPhrase(ctx, s.cfg.IncludeTools)
	if err != nil {
		writeError(w, operator.NewRunError("ask.recall", runID, fmt.Errorf("%w: %v", operator.ErrStoreUnavailable, err)))
		return
	}
	if !ok {
		writeError(w, operator.NewRunError("ask.recall", runID, fmt.Errorf("%w: no remembered phrase found", operator.ErrNotFound)))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"model":       s.cfg.ChatModel,
		"response":    phrase,
		"memory_id":   nil,
		"retrieved":   []any{},
		"tool_used":   nil,
		"tool_result": nil,
		"timings":     map[string]any{"embed_s": 0.0, "retrieve_s": 0.0, "generate_s": 0.0, "db_s": 0.0, "total_s": 0.0},
		"config":      map[string]any{"mode": "recall", "expected_dim": s.cfg.ExpectedEmbedDim},
		"run_id":      runID,
	})
}

func (s *Server) handleChat(ctx context.Context, w http.ResponseWriter, runID, prompt string, t0 time.Time) {
	timings := map[string]any{}

	t := time.Now()
	queryVec, err := s.inference.Embed(ctx, prompt)
	timings["embed_s"] = round4(time.Since(t))
	if err != nil {
		writeError(w, operator.NewRunError("ask.embed", runID, fmt.Errorf("%w: %v", operator.ErrInferenceFailure, err)))
		return
	}

	t = time.Now()
	retrieved, err := s.store.SearchMemories(ctx, queryVec, s.cfg.TopK, s.cfg.MinSimilarity, s.cfg.IncludeTools)
	timings["retrieve_s"] = round4(time.Since(t))
	if err != nil {
		writeError(w, operator.NewRunError("ask.search", runID, fmt.Errorf("%w: %v", operator.ErrStoreUnavailable, err)))
		return
	}

	injected := formatRetrieved(retrieved)

	t = time.Now()
	responseText, err := s.inference.Chat(ctx, s.cfg.SystemPrompt, prompt, injected)
	timings["generate_s"] = round4(time.Since(t))
	if err != nil {
		writeError(w, operator.NewRunError("ask.generate", runID, fmt.Errorf("%w: %v", operator.ErrInferenceFailure, err)))
		return
	}

	var toolUsed string
	var toolResult map[string]any

	if s.cfg.IncludeTools {
		if tc, ok := parseToolCall(responseText); ok {
			toolUsed = tc.Tool

			result, runErr := s.registry.Run(ctx, tc.Tool, tc.Args)
			if runErr != nil {
				toolResult = map[string]any{"ok": false, "tool": tc.Tool, "error": runErr.Error()}
			} else {
				toolResult = result
			}

			callEvent, err := eventlog.MakeEvent("tool_call", "orchestrator", map[string]any{"tool": tc.Tool, "args": tc.Args}, runID)
			if err == nil {
				_, _ = s.events.WriteEvent(ctx, callEvent, "", nil, "")
			}

			resultEvent, err := eventlog.MakeEvent("tool_result", "tool:"+tc.Tool, map[string]any{"tool": tc.Tool, "result": toolResult}, runID)
			if err == nil {
				_, _ = s.events.WriteEvent(ctx, resultEvent, "", nil, "")
			}

			followup := fmt.Sprintf(
				"%s\n\nTOOL_CALL: %s\nTOOL_RESULT: %s\n\nNow respond to the user with the final answer.",
				prompt, toJSON(tc), toJSON(toolResult),
			)

			t = time.Now()
			responseText2, err := s.inference.Chat(ctx, s.cfg.SystemPrompt, followup, injected)
			timings["generate_s_2"] = round4(time.Since(t))
			if err != nil {
				writeError(w, operator.NewRunError("ask.generate2", runID, fmt.Errorf("%w: %v", operator.ErrInferenceFailure, err)))
				return
			}
			responseText = responseText2
		}
	}

	retrievedIDs := make([]string, 0, len(retrieved))
	for _, row := range retrieved {
		if row.ID != "" {
			retrievedIDs = append(retrievedIDs, row.ID)
		}
	}

	t = time.Now()
	responseEvent, err := eventlog.MakeEvent("response", "orchestrator", map[string]any{
		"prompt":         prompt,
		"retrieved_topk": len(retrieved),
		"retrieved_ids":  retrievedIDs,
		"tool_used":      toolUsed,
		"response":       responseText,
	}, runID)
	if err != nil {
		writeError(w, operator.NewRunError("ask.response_event", runID, err))
		return
	}
	memoryID, err := s.events.WriteEvent(ctx, responseEvent, "", nil, "")
	timings["db_s"] = round4(time.Since(t))
	if err != nil {
		writeError(w, operator.NewRunError("ask.response_event", runID, fmt.Errorf("%w: %v", operator.ErrStoreUnavailable, err)))
		return
	}
	timings["total_s"] = round4(time.Since(t0))

	writeJSON(w, http.StatusOK, map[string]any{
		"model":       s.cfg.ChatModel,
		"response":    responseText,
		"memory_id":   memoryID,
		"retrieved":   retrieved,
		"tool_used":   nullableString(toolUsed),
		"tool_result": toolResult,
		"timings":     timings,
		"config":      map[string]any{"mode": "chat", "expected_dim": s.cfg.ExpectedEmbedDim},
		"run_id":      runID,
	})
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatRetrieved renders each retrieved row as a "[id=..., sim=.3f]"
// labeled chunk, joined by blank lines, matching the injection format the
// model is prompted to expect.
func formatRetrieved(rows []store.MemoryRow) string {
	chunks := make([]string, 0, len(rows))
	for _, row := range rows {
		content := strings.TrimSpace(row.Content)
		if content == "" {
			continue
		}
		header := fmt.Sprintf("[id=%s, sim=%s]", row.ID, strconv.FormatFloat(row.CosineSim, 'f', 3, 64))
		chunks = append(chunks, header+"\n"+content)
	}
	return strings.Join(chunks, "\n\n")
}

// parseToolCall accepts a strict JSON object {"tool": "...", "args": {...}}
// and nothing else: trailing garbage after the object, or a non-string
// tool, or a non-object args, all count as "not a tool call".
func parseToolCall(text string) (toolCall, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return toolCall{}, false
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	var tc toolCall
	if err := dec.Decode(&tc); err != nil {
		return toolCall{}, false
	}
	if dec.More() {
		return toolCall{}, false
	}

	tc.Tool = strings.TrimSpace(tc.Tool)
	if tc.Tool == "" {
		return toolCall{}, false
	}
	if tc.Args == nil {
		tc.Args = map[string]any{}
	}
	return tc, true
}

func toJSON(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func round4(d time.Duration) float64 {
	seconds := d.Seconds()
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(seconds, 'f', 4, 64), 64)
	if err != nil {
		return seconds
	}
	return rounded
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *operator.OperatorError) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, operator.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, operator.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, operator.ErrUnavailable), errors.Is(err, operator.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, operator.ErrUnknownTool), errors.Is(err, operator.ErrUnknownTaskType):
		status = http.StatusBadRequest
	case errors.Is(err, operator.ErrInvalidArgument):
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
