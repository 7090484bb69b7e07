package provider

import (
	"context"
	"sync"
)

// Step is one scripted response. Exactly one of Completion or Err is used.
type Step struct {
	Completion Completion
	Err        error
}

// Scripted replays steps in order, one per call, then repeats the last.
// It is safe for concurrent use and records every call.
type Scripted struct {
	name string

	mu    sync.Mutex
	steps []Step
	calls []ScriptedCall
}

// ScriptedCall records one Complete call.
type ScriptedCall struct {
	ModelID string
	Prompt  Prompt
	Params  Params
}

// NewScripted returns a Scripted provider registered as name.
func NewScripted(name string, steps ...Step) *Scripted {
	return &Scripted{name: name, steps: steps}
}

// Name returns the configured name.
func (s *Scripted) Name() string { return s.name }

// Complete returns the next scripted step.
func (s *Scripted) Complete(ctx context.Context, modelID string, prompt Prompt, params Params) (Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ScriptedCall{ModelID: modelID, Prompt: prompt, Params: params})
	if err := ctx.Err(); err != nil {
		return Completion{}, classify(s.name, err)
	}
	if len(s.steps) == 0 {
		return Completion{Text: "ok"}, nil
	}
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	return step.Completion, step.Err
}

// Calls returns the recorded calls.
func (s *Scripted) Calls() []ScriptedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScriptedCall(nil), s.calls...)
}
