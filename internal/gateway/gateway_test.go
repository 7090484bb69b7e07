package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/index"
	"github.com/fyrsmithlabs/gatewayd/internal/planner"
	"github.com/fyrsmithlabs/gatewayd/internal/policy"
	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"github.com/fyrsmithlabs/gatewayd/internal/registry"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type traceSink struct {
	mu     sync.Mutex
	traces []SelectionTrace
}

func (s *traceSink) Record(ev recorder.Event) error {
	if ev.Type != recorder.TypeSelectionTrace {
		return nil
	}
	var st SelectionTrace
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, st)
	return nil
}

func (s *traceSink) all() []SelectionTrace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SelectionTrace(nil), s.traces...)
}

type staticRetriever struct{ results []retrieval.Result }

func (r staticRetriever) Query(_ context.Context, _ string, k int, acl []string) ([]retrieval.Result, error) {
	if len(acl) == 0 {
		return nil, nil
	}
	if len(r.results) > k {
		return r.results[:k], nil
	}
	return r.results, nil
}

func transient(msg string) error {
	return &provider.Error{Provider: "anthropic", Status: 503, Transient: true, Err: errors.New(msg)}
}

type fixture struct {
	gw       *Gateway
	provider *provider.Scripted
	registry *registry.Registry
	sink     *traceSink
}

func newFixture(t *testing.T, steps []provider.Step, mutate func(*Config)) fixture {
	t.Helper()
	store, err := policy.NewStore([]policy.Rule{
		{Role: "analyst", SensitivityTier: "*", BudgetTier: "*", AllowedModelIDs: []string{"fast-small", "mid-tools"}, AllowedToolIDs: []string{"crm.create_ticket"}},
	})
	require.NoError(t, err)
	reg, err := registry.New([]registry.ModelDescriptor{
		{ID: "fast-small", Provider: "anthropic", CapabilityTags: []string{"chat"}, CostPerToken: 1e-6, BaselineLatencyMs: 300, MaxContextTokens: 8000},
		{ID: "mid-tools", Provider: "anthropic", CapabilityTags: []string{"chat", "tools"}, CostPerToken: 5e-6, BaselineLatencyMs: 600},
		{ID: "big-reasoner", Provider: "openai", CapabilityTags: []string{"chat", "tools", "reasoning"}, CostPerToken: 3e-5, BaselineLatencyMs: 1200},
	}, registry.DefaultWeights(), 0.2)
	require.NoError(t, err)

	scripted := provider.NewScripted("anthropic", steps...)
	sink := &traceSink{}
	cfg := Config{
		Policy:         store,
		Registry:       reg,
		Providers:      provider.NewSet(scripted),
		Recorder:       sink,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)
	return fixture{gw: gw, provider: scripted, registry: reg, sink: sink}
}

func analystRequest() Request {
	return Request{RequestID: "req-1", Role: "analyst", SensitivityTier: "low", BudgetTier: "bronze", Query: "status of Acme?"}
}

func TestHandle_TransientRetryThenSuccess(t *testing.T) {
	f := newFixture(t, []provider.Step{
		{Err: transient("timeout")},
		{Err: transient("timeout")},
		{Completion: provider.Completion{Text: "Acme is active", TokenUsage: provider.TokenUsage{Input: 12, Output: 4}}},
	}, nil)

	resp, err := f.gw.Handle(context.Background(), analystRequest())
	require.NoError(t, err)
	assert.Equal(t, "Acme is active", resp.Text)
	assert.Equal(t, "fast-small", resp.ModelID)
	assert.Len(t, f.provider.Calls(), 3)

	traces := f.sink.all()
	require.Len(t, traces, 1)
	tr := traces[0]
	assert.Equal(t, StateCompleted, tr.FinalState)
	assert.Equal(t, 2, tr.RetryCount)
	assert.Equal(t, "fast-small", tr.ChosenModelID)
	assert.Equal(t, ReasonTopScore, tr.Reason)
	assert.Equal(t, []string{"fast-small", "mid-tools"}, tr.CandidateModelIDs)
	for _, stage := range []string{"received", "policy_resolved", "model_selected", "dispatched", "retrying", "dispatched_1", "dispatched_2", "completed"} {
		assert.Contains(t, tr.TimestampsByStage, stage)
	}
	assert.Equal(t, resp.Trace.RetryCount, tr.RetryCount)

	stats, ok := f.registry.Stats("fast-small")
	require.True(t, ok)
	assert.Equal(t, uint64(3), stats.Samples)
	assert.Equal(t, uint64(2), stats.Failures)
}

func TestHandle_PolicyDenied(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := analystRequest()
	req.Role = "intern"
	req.SensitivityTier = "high"

	resp, err := f.gw.Handle(context.Background(), req)
	assert.ErrorIs(t, err, policy.ErrPolicyDenied)
	assert.Empty(t, f.provider.Calls())
	assert.Equal(t, StateFailed, resp.Trace.FinalState)

	traces := f.sink.all()
	require.Len(t, traces, 1)
	assert.Equal(t, StateFailed, traces[0].FinalState)
	assert.Contains(t, traces[0].Error, "policy denied")
}

func TestHandle_RetriesExhausted(t *testing.T) {
	f := newFixture(t, []provider.Step{{Err: transient("overloaded")}}, func(c *Config) { c.MaxRetries = 2 })

	resp, err := f.gw.Handle(context.Background(), analystRequest())
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 503, pe.Status)
	assert.Len(t, f.provider.Calls(), 3)
	assert.Equal(t, 2, resp.Trace.RetryCount)
	assert.Equal(t, StateFailed, resp.Trace.FinalState)
}

func TestHandle_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, []provider.Step{
		{Err: &provider.Error{Provider: "anthropic", Status: 400, Err: errors.New("bad request")}},
	}, nil)

	resp, err := f.gw.Handle(context.Background(), analystRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 400, pe.Status)
	assert.Len(t, f.provider.Calls(), 1)
	assert.Zero(t, resp.Trace.RetryCount)
}

func TestHandle_ModelSelection(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Request)
		wantModel string
		wantErr   error
		reason    string
	}{
		{"top score", func(r *Request) {}, "fast-small", nil, ReasonTopScore},
		{"capability filter", func(r *Request) { r.RequiredCapabilities = []string{"tools"} }, "mid-tools", nil, ReasonTopScore},
		{"nothing eligible", func(r *Request) { r.RequiredCapabilities = []string{"vision"} }, "", registry.ErrNoEligibleModel, ""},
		{"override allowed", func(r *Request) { r.ModelOverride = "mid-tools" }, "mid-tools", nil, ReasonExplicitOverride},
		{"override outside policy", func(r *Request) { r.ModelOverride = "big-reasoner" }, "", policy.ErrPolicyDenied, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			req := analystRequest()
			tt.mutate(&req)

			resp, err := f.gw.Handle(context.Background(), req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, f.provider.Calls())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, resp.ModelID)
			assert.Equal(t, tt.reason, resp.Trace.Reason)
			require.Len(t, f.provider.Calls(), 1)
			assert.Equal(t, tt.wantModel, f.provider.Calls()[0].ModelID)
		})
	}
}

func TestHandle_GroundedPrompt(t *testing.T) {
	results := []retrieval.Result{
		{Chunk: index.Chunk{ChunkID: "crm:c1#0", Text: "Contact: Jane Doe, phone [REDACTED:phone]"}, FusedScore: 0.9},
	}
	f := newFixture(t, nil, func(c *Config) {
		c.Retriever = staticRetriever{results: results}
		p, err := planner.New(planner.Config{SystemPrompt: "Answer from context."})
		require.NoError(t, err)
		c.Planner = p
	})

	req := analystRequest()
	req.ACLAllow = []string{"sales"}
	req.ConversationContext = []provider.Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}
	resp, err := f.gw.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"crm:c1#0"}, resp.Trace.ChunkIDs)

	call := f.provider.Calls()[0]
	assert.True(t, strings.HasPrefix(call.Prompt.System, "Answer from context."))
	assert.Contains(t, call.Prompt.System, "[crm:c1#0]\nContact: Jane Doe")
	require.Len(t, call.Prompt.Messages, 3)
	assert.Equal(t, "status of Acme?", call.Prompt.Messages[2].Content)

	req.ACLAllow = nil
	resp, err = f.gw.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Trace.ChunkIDs)
}

func TestHandle_ContextBudgetExceeded(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) {
		p, err := planner.New(planner.Config{SystemPrompt: strings.Repeat("rules ", 100)})
		require.NoError(t, err)
		c.Planner = p
		c.TokenBudget = 10
	})
	_, err := f.gw.Handle(context.Background(), analystRequest())
	assert.ErrorIs(t, err, planner.ErrContextBudgetExceeded)
	assert.Empty(t, f.provider.Calls())
}

func TestHandle_InvalidRequest(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := analystRequest()
	req.Query = ""
	_, err := f.gw.Handle(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHandle_ToolCalls(t *testing.T) {
	catalog, err := tools.NewCatalog(
		tools.ToolSpec{ID: "crm.create_ticket", Impact: tools.ImpactLow, AutoApprove: true},
		tools.ToolSpec{ID: "erp.issue_refund", Impact: tools.ImpactHigh},
	)
	require.NoError(t, err)
	exec, err := tools.NewExecutor(tools.ExecutorConfig{Catalog: catalog})
	require.NoError(t, err)
	created := 0
	exec.Register("crm.create_ticket", tools.HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		created++
		return json.RawMessage(`{"ticket":1}`), nil
	}))

	f := newFixture(t, []provider.Step{{Completion: provider.Completion{
		Text: "opening a ticket",
		ToolCalls: []provider.ToolCall{
			{ID: "call-1", ToolID: "crm.create_ticket", Params: json.RawMessage(`{"title":"x"}`)},
			{ID: "call-2", ToolID: "erp.issue_refund", Params: json.RawMessage(`{}`)},
		},
	}}}, func(c *Config) { c.Tools = exec })

	resp, err := f.gw.Handle(context.Background(), analystRequest())
	require.NoError(t, err)
	require.Len(t, resp.Tools, 2)

	ok := resp.Tools[0]
	require.NotNil(t, ok.Result)
	assert.Equal(t, tools.ExecutionExecuted, ok.Result.ExecutionState)
	assert.Equal(t, "req-1:call-1", ok.Result.InvocationID)
	assert.Empty(t, ok.Error)

	denied := resp.Tools[1]
	assert.Nil(t, denied.Result)
	assert.Contains(t, denied.Error, "not permitted")
	assert.Equal(t, 1, created)

	defs := f.provider.Calls()[0].Params.Tools
	require.Len(t, defs, 1)
	assert.Equal(t, "crm.create_ticket", defs[0].Name)

	// replaying the request does not repeat the side effect
	_, err = f.gw.Handle(context.Background(), analystRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateReceived, StatePolicyResolved, true},
		{StateReceived, StateDispatched, false},
		{StateModelSelected, StateDispatched, true},
		{StateDispatched, StateRetrying, true},
		{StateRetrying, StateDispatched, true},
		{StateRetrying, StateCompleted, false},
		{StateCompleted, StateFailed, false},
		{StateFailed, StateReceived, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
	assert.True(t, StateCompleted.IsTerminal())
	assert.False(t, StateRetrying.IsTerminal())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
