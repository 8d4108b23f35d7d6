package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	operator "github.com/aiop/operator"
)

// Timeouts match the reference Python backend's per-call budgets: embedding
// requests are cheap and frequent, chat requests run a full model pass.
const (
	embedTimeout = 60 * time.Second
	chatTimeout  = 120 * time.Second
	pingTimeout  = 10 * time.Second
)

// Ollama is the reference Inference backend, talking to Ollama's
// /api/embeddings and /api/chat HTTP+JSON endpoints directly on net/http —
// no HTTP client library appears anywhere in the example pack.
type Ollama struct {
	baseURL     string
	embedModel  string
	chatModel   string
	expectedDim int
	httpClient  *http.Client
}

// NewOllama builds an Ollama backend. baseURL is stripped of any trailing
// slash; expectedDim is the embedding dimension every Embed call must
// produce (see memories.embedding's fixed vector(1024) column).
func NewOllama(baseURL, embedModel, chatModel string, expectedDim int) *Ollama {
	return &Ollama{
		baseURL:     strings.TrimRight(baseURL, "/"),
		embedModel:  embedModel,
		chatModel:   chatModel,
		expectedDim: expectedDim,
		httpClient:  &http.Client{},
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed posts to /api/embeddings and enforces the configured dimension. A
// mismatch is a fatal ErrInferenceFailure — the reference backend treats it
// as a misconfiguration (wrong model, wrong EXPECTED_EMBED_DIM), not
// something a retry would fix.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	var resp embedResponse
	if err := o.post(ctx, "/api/embeddings", embedRequest{Model: o.embedModel, Prompt: text}, &resp); err != nil {
		return nil, fmt.Errorf("%w: ollama embed: %v", operator.ErrInferenceFailure, err)
	}

	if len(resp.Embedding) != o.expectedDim {
		return nil, fmt.Errorf("%w: expected %d-dim embedding, got %d", operator.ErrInferenceFailure, o.expectedDim, len(resp.Embedding))
	}

	return resp.Embedding, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

// Chat posts to /api/chat with streaming disabled. When injected is
// non-empty it's appended to the user turn inside a "RELEVANT MEMORY" block,
// matching the reference backend's prompt augmentation exactly.
func (o *Ollama) Chat(ctx context.Context, systemPrompt, userPrompt, injected string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	userText := userPrompt
	if strings.TrimSpace(injected) != "" {
		userText = fmt.Sprintf(
			"%s\n\n----\nRELEVANT MEMORY (use only if helpful and consistent):\n%s\n----",
			userPrompt, injected,
		)
	}

	req := chatRequest{
		Model:  o.chatModel,
		Stream: false,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userText},
		},
	}

	var resp chatResponse
	if err := o.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", fmt.Errorf("%w: ollama chat: %v", operator.ErrInferenceFailure, err)
	}

	return strings.TrimSpace(resp.Message.Content), nil
}

// Ping requests GET /api/tags, the same liveness check the reference backend
// runs from readyz(). It does not inspect the response body — any non-2xx
// status or transport failure counts the backend as down.
func (o *Ollama) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: ollama ping: %v", operator.ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		return fmt.Errorf("%w: ollama ping: unexpected status %d", operator.ErrUnavailable, httpResp.StatusCode)
	}

	return nil
}

func (o *Ollama) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", httpResp.StatusCode, path)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
