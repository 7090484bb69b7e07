package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	anthropicName           = "anthropic"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultMaxTokens        = 1024
	maxResponseBytes        = 4 << 20
)

// AnthropicConfig configures the messages API adapter.
type AnthropicConfig struct {
	BaseURL   string
	APIKey    string
	RateLimit float64 // requests per second; 0 disables limiting
	Burst     int
	Timeout   time.Duration
	MaxTokens int
}

// Anthropic calls the messages API over plain HTTP.
type Anthropic struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	limiter    *rate.Limiter
}

type anthropicRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropic returns the adapter.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Anthropic{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
	}, nil
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return anthropicName }

// Complete sends one messages request. tool_use blocks become ToolCalls.
// Tool IDs such as crm.lookup are renamed on the wire and mapped back.
func (a *Anthropic) Complete(ctx context.Context, modelID string, prompt Prompt, params Params) (Completion, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return Completion{}, classify(anthropicName, fmt.Errorf("rate limiter: %w", err))
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	names := newToolNames(params.Tools)
	body, err := json.Marshal(anthropicRequest{
		Model:       modelID,
		MaxTokens:   maxTokens,
		System:      prompt.System,
		Messages:    prompt.Messages,
		Temperature: params.Temperature,
		Tools:       names.definitions(params.Tools),
	})
	if err != nil {
		return Completion{}, &Error{Provider: anthropicName, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Completion{}, &Error{Provider: anthropicName, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.apiKey)
	req.Header.Set("Anthropic-Version", anthropicVersion)

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Completion{}, classify(anthropicName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Completion{}, classify(anthropicName, fmt.Errorf("read response: %w", err))
	}
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		var e anthropicError
		if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		return Completion{}, &Error{
			Provider:  anthropicName,
			Status:    resp.StatusCode,
			Transient: TransientStatus(resp.StatusCode),
			Err:       fmt.Errorf("%s", msg),
		}
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Completion{}, &Error{Provider: anthropicName, Err: fmt.Errorf("parse response: %w", err)}
	}

	c := Completion{
		TokenUsage: TokenUsage{Input: out.Usage.InputTokens, Output: out.Usage.OutputTokens},
		LatencyMs:  latency.Milliseconds(),
	}
	var text []string
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			c.ToolCalls = append(c.ToolCalls, ToolCall{ID: block.ID, ToolID: names.toolID(block.Name), Params: block.Input})
		}
	}
	c.Text = strings.Join(text, "")
	if c.Text == "" && len(c.ToolCalls) == 0 {
		return Completion{}, &Error{Provider: anthropicName, Err: fmt.Errorf("empty response")}
	}
	return c, nil
}
