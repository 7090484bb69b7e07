// Package provider adapts inference backends to one completion interface.
//
// Adapters are looked up by name from the Set; the model registry binds
// each model to an adapter name. Adapters never retry: the gateway owns
// retry policy and uses Error.Transient to decide.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Prompt is what the gateway sends to a model.
type Prompt struct {
	System   string    `json:"system"`
	Messages []Message `json:"messages"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Params are per-call generation settings.
type Params struct {
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// TokenUsage counts prompt and completion tokens.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Total returns Input + Output.
func (u TokenUsage) Total() int { return u.Input + u.Output }

// ToolCall is an action proposed by the model.
type ToolCall struct {
	ID     string          `json:"id,omitempty"`
	ToolID string          `json:"tool_id"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Completion is a model response.
type Completion struct {
	Text       string     `json:"text"`
	TokenUsage TokenUsage `json:"token_usage"`
	LatencyMs  int64      `json:"latency_ms"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Provider completes prompts against one backend. Errors are *Error.
type Provider interface {
	Name() string
	Complete(ctx context.Context, modelID string, prompt Prompt, params Params) (Completion, error)
}

// Set maps adapter names to providers.
type Set struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewSet returns a Set holding providers keyed by Name().
func NewSet(providers ...Provider) *Set {
	s := &Set{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		s.Add(p)
	}
	return s
}

// Add registers p, replacing any provider with the same name.
func (s *Set) Add(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
}

// Get returns the adapter registered as name.
func (s *Set) Get(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, &Error{Provider: name, Err: fmt.Errorf("no adapter registered as %q", name)}
	}
	return p, nil
}

// Names lists registered adapters in sorted order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.providers))
	for n := range s.providers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
