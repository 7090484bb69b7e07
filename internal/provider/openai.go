package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const openAIName = "openai"

var statusInError = regexp.MustCompile(`status code: (\d{3})`)

// OpenAIConfig configures OpenAI-compatible chat backends.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

// OpenAI completes prompts through langchaingo's OpenAI client. One client
// is kept per model ID. Tool definitions are not forwarded.
type OpenAI struct {
	cfg OpenAIConfig

	mu      sync.Mutex
	clients map[string]llms.Model
}

// NewOpenAI returns the adapter.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai: api key or base url required")
	}
	return &OpenAI{cfg: cfg, clients: make(map[string]llms.Model)}, nil
}

// Name returns "openai".
func (o *OpenAI) Name() string { return openAIName }

func (o *OpenAI) client(modelID string) (llms.Model, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.clients[modelID]; ok {
		return c, nil
	}
	token := o.cfg.APIKey
	if token == "" {
		// local OpenAI-compatible servers ignore the key but the client requires one
		token = "unused"
	}
	opts := []openai.Option{openai.WithModel(modelID), openai.WithToken(token)}
	if o.cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(o.cfg.BaseURL))
	}
	c, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	o.clients[modelID] = c
	return c, nil
}

// Complete runs one chat completion.
func (o *OpenAI) Complete(ctx context.Context, modelID string, prompt Prompt, params Params) (Completion, error) {
	llm, err := o.client(modelID)
	if err != nil {
		return Completion{}, &Error{Provider: openAIName, Err: fmt.Errorf("create client: %w", err)}
	}

	msgs := make([]llms.MessageContent, 0, len(prompt.Messages)+1)
	if prompt.System != "" {
		msgs = append(msgs, textMessage(llms.ChatMessageTypeSystem, prompt.System))
	}
	for _, m := range prompt.Messages {
		role := llms.ChatMessageTypeHuman
		if m.Role == "assistant" {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, textMessage(role, m.Content))
	}

	opts := []llms.CallOption{llms.WithModel(modelID)}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if params.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(params.Temperature))
	}

	start := time.Now()
	resp, err := llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return Completion{}, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, &Error{Provider: openAIName, Err: errors.New("empty response")}
	}

	choice := resp.Choices[0]
	return Completion{
		Text: choice.Content,
		TokenUsage: TokenUsage{
			Input:  intInfo(choice.GenerationInfo, "PromptTokens"),
			Output: intInfo(choice.GenerationInfo, "CompletionTokens"),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func textMessage(role llms.ChatMessageType, text string) llms.MessageContent {
	return llms.MessageContent{Role: role, Parts: []llms.ContentPart{llms.TextContent{Text: text}}}
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// classifyOpenAI reads the HTTP status out of the client's error text.
func classifyOpenAI(err error) *Error {
	if m := statusInError.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		return &Error{Provider: openAIName, Status: status, Transient: TransientStatus(status), Err: err}
	}
	return classify(openAIName, err)
}
