// Package planner packs ranked chunks and conversation history into a
// prompt that fits a token budget.
package planner

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
)

// ErrContextBudgetExceeded is returned when the system instructions alone
// do not fit the budget.
var ErrContextBudgetExceeded = errors.New("context budget exceeded")

// EstimateTokens approximates tokens as ceil(bytes/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Config holds planner settings.
type Config struct {
	SystemPrompt string
	// Reserve is held back from chunks for system instructions and history.
	Reserve int
	// Estimate overrides EstimateTokens.
	Estimate func(string) int
}

// Planner builds bounded prompt contexts. It is stateless and safe for
// concurrent use.
type Planner struct {
	system   string
	reserve  int
	estimate func(string) int
}

// New returns a Planner.
func New(cfg Config) (*Planner, error) {
	if cfg.Reserve < 0 {
		return nil, fmt.Errorf("planner: reserve must be >= 0, got %d", cfg.Reserve)
	}
	if cfg.Estimate == nil {
		cfg.Estimate = EstimateTokens
	}
	return &Planner{system: cfg.SystemPrompt, reserve: cfg.Reserve, estimate: cfg.Estimate}, nil
}

// PlannedContext is the admitted subset of chunks and history.
type PlannedContext struct {
	System  string             `json:"system"`
	Chunks  []retrieval.Result `json:"chunks"`
	History []provider.Message `json:"history"`

	Budget         int `json:"budget"`
	Tokens         int `json:"tokens"`
	SkippedChunks  int `json:"skipped_chunks"`
	DroppedHistory int `json:"dropped_history"`
}

// Plan admits results greedily, highest FusedScore first with ties kept in
// the order given, into budget minus the reserve (or minus the system prompt when that is larger). A chunk that
// does not fit is skipped whole and later, smaller chunks may still be
// admitted. History fills what is left, newest first; the oldest turns
// are dropped.
func (p *Planner) Plan(results []retrieval.Result, history []provider.Message, budget int) (PlannedContext, error) {
	sysTokens := p.estimate(p.system)
	if budget <= 0 || sysTokens > budget {
		return PlannedContext{}, fmt.Errorf("%w: system instructions need %d tokens, budget is %d", ErrContextBudgetExceeded, sysTokens, budget)
	}

	pc := PlannedContext{System: p.system, Budget: budget}
	held := p.reserve
	if sysTokens > held {
		held = sysTokens
	}
	window := budget - held
	used := 0
	for _, r := range byFusedScore(results) {
		cost := p.estimate(FormatChunk(r))
		if cost > window-used {
			pc.SkippedChunks++
			continue
		}
		pc.Chunks = append(pc.Chunks, r)
		used += cost
	}

	remaining := budget - sysTokens - used
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := p.estimate(history[i].Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		keepFrom = i
	}
	pc.History = append([]provider.Message(nil), history[keepFrom:]...)
	pc.DroppedHistory = keepFrom
	pc.Tokens = budget - remaining
	return pc, nil
}

func byFusedScore(results []retrieval.Result) []retrieval.Result {
	sorted := slices.Clone(results)
	slices.SortStableFunc(sorted, func(a, b retrieval.Result) int {
		switch {
		case a.FusedScore > b.FusedScore:
			return -1
		case a.FusedScore < b.FusedScore:
			return 1
		}
		return 0
	})
	return sorted
}

// FormatChunk renders one chunk the way it appears in the prompt.
func FormatChunk(r retrieval.Result) string {
	return "[" + r.Chunk.ChunkID + "]\n" + r.Chunk.Text
}

// Prompt renders the planned context plus the user's query. Chunks go into
// the system message so history stays a plain turn sequence.
func (pc PlannedContext) Prompt(query string) provider.Prompt {
	var sys strings.Builder
	sys.WriteString(pc.System)
	if len(pc.Chunks) > 0 {
		if sys.Len() > 0 {
			sys.WriteString("\n\n")
		}
		sys.WriteString("Context:\n")
		for i, r := range pc.Chunks {
			if i > 0 {
				sys.WriteString("\n\n")
			}
			sys.WriteString(FormatChunk(r))
		}
	}
	msgs := make([]provider.Message, 0, len(pc.History)+1)
	msgs = append(msgs, pc.History...)
	msgs = append(msgs, provider.Message{Role: "user", Content: query})
	return provider.Prompt{System: sys.String(), Messages: msgs}
}

// ChunkIDs lists the admitted chunk IDs in order.
func (pc PlannedContext) ChunkIDs() []string {
	out := make([]string, len(pc.Chunks))
	for i, r := range pc.Chunks {
		out[i] = r.Chunk.ChunkID
	}
	return out
}
