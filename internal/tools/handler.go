package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Handler performs a tool's side effect.
type Handler interface {
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, params)
}

// Previewer is implemented by handlers that can describe a run without
// performing it.
type Previewer interface {
	Preview(ctx context.Context, params json.RawMessage) (string, error)
}

func defaultPreview(spec ToolSpec, params json.RawMessage) string {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var compact bytes.Buffer
	if json.Compact(&compact, params) == nil {
		params = compact.Bytes()
	}
	target := "handler"
	if spec.Endpoint != "" {
		target = "POST " + spec.Endpoint
	}
	return fmt.Sprintf("would run %s (%s impact) via %s with %s", spec.ID, spec.Impact, target, params)
}

const maxWebhookResponse = 1 << 20

// WebhookHandler POSTs params to a fixed URL.
type WebhookHandler struct {
	URL    string
	Client *http.Client
}

// NewWebhookHandler returns a handler with a 30s timeout.
func NewWebhookHandler(url string) *WebhookHandler {
	return &WebhookHandler{URL: url, Client: &http.Client{Timeout: 30 * time.Second}}
}

// Execute sends params and returns the response body. Non-JSON bodies are
// returned as a JSON string.
func (h *WebhookHandler) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(params))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(body) {
		return body, nil
	}
	return json.Marshal(string(body))
}
