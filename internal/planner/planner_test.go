package planner

import (
	"strings"
	"testing"

	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byteCount makes every byte one token so budgets are easy to read.
func byteCount(s string) int { return len(s) }

func result(id, text string, score float64) retrieval.Result {
	return retrieval.Result{Chunk: index.Chunk{ChunkID: id, Text: text}, FusedScore: score}
}

func newPlanner(t *testing.T, system string, reserve int) *Planner {
	t.Helper()
	p, err := New(Config{SystemPrompt: system, Reserve: reserve, Estimate: byteCount})
	require.NoError(t, err)
	return p
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestPlan_SkipsWithoutTruncating(t *testing.T) {
	p := newPlanner(t, "sys", 10)
	// FormatChunk adds "[id]\n": 4 bytes for a one-letter id
	results := []retrieval.Result{
		result("a", strings.Repeat("x", 20), 0.9), // 24
		result("b", strings.Repeat("y", 40), 0.8), // 44, does not fit after a
		result("c", strings.Repeat("z", 10), 0.7), // 14
	}

	pc, err := p.Plan(results, nil, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, pc.ChunkIDs())
	assert.Equal(t, 1, pc.SkippedChunks)
	for _, r := range pc.Chunks {
		for _, in := range results {
			if in.Chunk.ChunkID == r.Chunk.ChunkID {
				assert.Equal(t, in.Chunk.Text, r.Chunk.Text)
			}
		}
	}
	assert.LessOrEqual(t, pc.Tokens, pc.Budget)
}

func TestPlan_AdmitsByFusedScore(t *testing.T) {
	p := newPlanner(t, "sys", 10)
	tests := []struct {
		name    string
		results []retrieval.Result
		want    []string
		skipped int
	}{
		{
			name: "ascending input",
			results: []retrieval.Result{
				result("l", strings.Repeat("x", 20), 0.1),
				result("h", strings.Repeat("y", 20), 0.9),
			},
			want:    []string{"h"},
			skipped: 1,
		},
		{
			name: "ties keep input order",
			results: []retrieval.Result{
				result("m", strings.Repeat("x", 20), 0.5),
				result("n", strings.Repeat("y", 20), 0.5),
			},
			want:    []string{"m"},
			skipped: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]retrieval.Result(nil), tt.results...)
			// window is 40 - 10 = 30, one 24-token chunk fits
			pc, err := p.Plan(tt.results, nil, 40)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pc.ChunkIDs())
			assert.Equal(t, tt.skipped, pc.SkippedChunks)
			assert.Equal(t, in, tt.results)
		})
	}
}

func TestPlan_DegradesToZeroChunks(t *testing.T) {
	p := newPlanner(t, "system prompt", 10)
	pc, err := p.Plan([]retrieval.Result{result("a", strings.Repeat("x", 100), 1)}, nil, 20)
	require.NoError(t, err)
	assert.Empty(t, pc.Chunks)
	assert.Equal(t, 1, pc.SkippedChunks)
	assert.Equal(t, "system prompt", pc.System)
}

func TestPlan_SystemPromptTooLarge(t *testing.T) {
	p := newPlanner(t, strings.Repeat("s", 30), 0)
	_, err := p.Plan(nil, nil, 29)
	assert.ErrorIs(t, err, ErrContextBudgetExceeded)

	_, err = p.Plan(nil, nil, 30)
	assert.NoError(t, err)
}

func TestPlan_TrimsHistoryOldestFirst(t *testing.T) {
	p := newPlanner(t, "sys", 5)
	history := []provider.Message{
		{Role: "user", Content: strings.Repeat("1", 10)},
		{Role: "assistant", Content: strings.Repeat("2", 10)},
		{Role: "user", Content: strings.Repeat("3", 10)},
	}
	pc, err := p.Plan(nil, history, 25)
	require.NoError(t, err)
	require.Len(t, pc.History, 2)
	assert.Equal(t, history[1:], pc.History)
	assert.Equal(t, 1, pc.DroppedHistory)
	assert.Equal(t, 23, pc.Tokens)
}

func TestPlan_ChunksBeforeHistory(t *testing.T) {
	p := newPlanner(t, "", 10)
	history := []provider.Message{{Role: "user", Content: strings.Repeat("h", 8)}}
	pc, err := p.Plan([]retrieval.Result{result("a", strings.Repeat("x", 16), 1)}, history, 30)
	require.NoError(t, err)
	assert.Len(t, pc.Chunks, 1)
	assert.Len(t, pc.History, 1)
	assert.Equal(t, 28, pc.Tokens)
}

func TestPlan_NeverExceedsBudget(t *testing.T) {
	p := newPlanner(t, "instructions", 16)
	var results []retrieval.Result
	for i := 0; i < 20; i++ {
		results = append(results, result(string(rune('a'+i)), strings.Repeat("w", 5+i*3), 1-float64(i)/20))
	}
	history := []provider.Message{{Content: strings.Repeat("q", 9)}, {Content: strings.Repeat("r", 4)}}
	for budget := 12; budget < 200; budget += 7 {
		pc, err := p.Plan(results, history, budget)
		require.NoError(t, err)
		total := byteCount(pc.System)
		for _, r := range pc.Chunks {
			total += byteCount(FormatChunk(r))
		}
		for _, m := range pc.History {
			total += byteCount(m.Content)
		}
		assert.LessOrEqual(t, total, budget)
		assert.Equal(t, total, pc.Tokens)
	}
}

func TestPrompt(t *testing.T) {
	pc := PlannedContext{
		System:  "Answer from context.",
		Chunks:  []retrieval.Result{result("crm:c1#0", "Contact: Jane Doe", 1)},
		History: []provider.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	}
	prompt := pc.Prompt("who is the contact?")
	assert.Equal(t, "Answer from context.\n\nContext:\n[crm:c1#0]\nContact: Jane Doe", prompt.System)
	require.Len(t, prompt.Messages, 3)
	assert.Equal(t, provider.Message{Role: "user", Content: "who is the contact?"}, prompt.Messages[2])
}

func TestNewRejectsNegativeReserve(t *testing.T) {
	_, err := New(Config{Reserve: -1})
	assert.Error(t, err)
}
