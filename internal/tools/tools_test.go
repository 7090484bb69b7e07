package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ticketSchema = `{
	"type": "object",
	"properties": {"title": {"type": "string"}, "priority": {"type": "integer"}},
	"required": ["title"]
}`

type eventSink struct {
	mu     sync.Mutex
	events []recorder.Event
}

func (s *eventSink) Record(ev recorder.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		ToolSpec{ID: "crm.create_ticket", Impact: ImpactLow, AutoApprove: true, Schema: ticketSchema},
		ToolSpec{ID: "erp.issue_refund", Impact: ImpactHigh},
		ToolSpec{ID: "crm.note", Impact: ImpactLow},
	)
	require.NoError(t, err)
	return c
}

type counter struct{ n atomic.Int32 }

func (c *counter) handler() Handler {
	return HandlerFunc(func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		n := c.n.Add(1)
		return json.Marshal(map[string]any{"ticket": n, "params": params})
	})
}

func newTestExecutor(t *testing.T, ledger Ledger) (*Executor, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	e, err := NewExecutor(ExecutorConfig{Catalog: testCatalog(t), Ledger: ledger, Recorder: sink})
	require.NoError(t, err)
	return e, sink
}

func TestNewCatalog(t *testing.T) {
	tests := []struct {
		name    string
		spec    ToolSpec
		wantErr string
	}{
		{"bad id", ToolSpec{ID: "Bad ID", Impact: ImpactLow}, "invalid id"},
		{"high auto", ToolSpec{ID: "a", Impact: ImpactHigh, AutoApprove: true}, "cannot auto-approve"},
		{"default impact auto", ToolSpec{ID: "a", AutoApprove: true}, "auto_approve"},
		{"bad impact", ToolSpec{ID: "a", Impact: "medium"}, "impact"},
		{"bad schema", ToolSpec{ID: "a", Impact: ImpactLow, Schema: "{"}, "schema"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(tt.spec)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		_, err := NewCatalog(ToolSpec{ID: "a", Impact: ImpactLow}, ToolSpec{ID: "a", Impact: ImpactLow})
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("empty impact is high", func(t *testing.T) {
		c, err := NewCatalog(ToolSpec{ID: "a"})
		require.NoError(t, err)
		s, ok := c.Get("a")
		require.True(t, ok)
		assert.Equal(t, ImpactHigh, s.Impact)
	})
}

func TestCatalogValidate(t *testing.T) {
	c := testCatalog(t)
	tests := []struct {
		name   string
		tool   string
		params string
		valid  bool
	}{
		{"ok", "crm.create_ticket", `{"title":"printer","priority":2}`, true},
		{"missing required", "crm.create_ticket", `{"priority":2}`, false},
		{"wrong type", "crm.create_ticket", `{"title":7}`, false},
		{"not an object", "crm.create_ticket", `["title"]`, false},
		{"unknown tool", "crm.delete_all", `{}`, false},
		{"no schema accepts object", "erp.issue_refund", `{"amount":10}`, true},
		{"empty params", "erp.issue_refund", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Validate(tt.tool, json.RawMessage(tt.params))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrToolValidation)
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.tool, ve.ToolID)
		})
	}
}

func TestCatalogDefinitions(t *testing.T) {
	c := testCatalog(t)
	defs := c.Definitions([]string{"erp.issue_refund", "missing", "crm.create_ticket"})
	require.Len(t, defs, 2)
	assert.Equal(t, "erp.issue_refund", defs[0].Name)
	assert.Equal(t, "crm.create_ticket", defs[1].Name)
	assert.JSONEq(t, ticketSchema, string(defs[1].InputSchema))
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[tool]]
id = "crm.create_ticket"
description = "Open a support ticket"
impact = "low"
auto_approve = true
schema = '{"type":"object","required":["title"]}'

[[tool]]
id = "erp.issue_refund"
impact = "high"
endpoint = "http://localhost:9/refund"
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.List(), 2)

	s, ok := c.Get("erp.issue_refund")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9/refund", s.Endpoint)
	assert.ErrorIs(t, c.Validate("crm.create_ticket", json.RawMessage(`{}`)), ErrToolValidation)

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestApprovalTransitions(t *testing.T) {
	tests := []struct {
		from, to ApprovalState
		ok       bool
	}{
		{ApprovalNone, ApprovalPending, true},
		{ApprovalNone, ApprovalAutoApproved, true},
		{ApprovalNone, ApprovalApproved, false},
		{ApprovalPending, ApprovalApproved, true},
		{ApprovalPending, ApprovalRejected, true},
		{ApprovalApproved, ApprovalPending, false},
		{ApprovalRejected, ApprovalApproved, false},
		{ApprovalAutoApproved, ApprovalPending, false},
	}
	for _, tt := range tests {
		t.Run(displayState(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}

	rec := Record{}
	require.NoError(t, rec.approve(ApprovalPending, time.Now()))
	require.NoError(t, rec.approve(ApprovalRejected, time.Now()))
	assert.ErrorIs(t, rec.approve(ApprovalApproved, time.Now()), ErrInvalidTransition)

	require.NoError(t, rec.finish(ExecutionAborted, Result{}, time.Now()))
	assert.ErrorIs(t, rec.finish(ExecutionExecuted, Result{}, time.Now()), ErrInvalidTransition)
	assert.Equal(t, ApprovalRejected, rec.Result.ApprovalState)
}

func TestInvoke_IdempotentReplay(t *testing.T) {
	e, sink := newTestExecutor(t, nil)
	var c counter
	e.Register("crm.create_ticket", c.handler())

	inv := Invocation{
		InvocationID:   "inv-42",
		ToolID:         "crm.create_ticket",
		Params:         json.RawMessage(`{"title":"printer on fire"}`),
		IdempotencyKey: "ticket-printer",
	}
	first, err := e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ApprovalAutoApproved, first.ApprovalState)
	assert.Equal(t, ExecutionExecuted, first.ExecutionState)

	second, err := e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int32(1), c.n.Load())
	assert.Equal(t, 1, sink.len())
}

func TestInvoke_ConcurrentSameKey(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	var c counter
	e.Register("crm.create_ticket", c.handler())

	inv := Invocation{InvocationID: "inv-7", ToolID: "crm.create_ticket", Params: json.RawMessage(`{"title":"t"}`)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Invoke(context.Background(), inv)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), c.n.Load())
}

func TestInvoke_ValidationFailure(t *testing.T) {
	e, sink := newTestExecutor(t, nil)
	var c counter
	e.Register("crm.create_ticket", c.handler())

	tests := []struct {
		name string
		inv  Invocation
	}{
		{"schema", Invocation{InvocationID: "inv-1", ToolID: "crm.create_ticket", Params: json.RawMessage(`{"priority":"high"}`)}},
		{"unknown tool", Invocation{InvocationID: "inv-2", ToolID: "shell.exec"}},
		{"missing id", Invocation{ToolID: "crm.create_ticket", Params: json.RawMessage(`{"title":"x"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Invoke(context.Background(), tt.inv)
			assert.ErrorIs(t, err, ErrToolValidation)
		})
	}
	assert.Zero(t, c.n.Load())
	assert.Zero(t, sink.len())

	_, found, err := e.Lookup(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInvoke_KeyReusedForOtherTool(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	e.Register("crm.create_ticket", (&counter{}).handler())

	_, err := e.Invoke(context.Background(), Invocation{
		InvocationID: "inv-1", ToolID: "crm.create_ticket", IdempotencyKey: "k",
		Params: json.RawMessage(`{"title":"x"}`),
	})
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), Invocation{InvocationID: "inv-2", ToolID: "erp.issue_refund", IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrToolValidation)
}

func TestInvoke_LowImpactDryRun(t *testing.T) {
	e, sink := newTestExecutor(t, nil)
	var c counter
	e.Register("crm.create_ticket", c.handler())

	inv := Invocation{InvocationID: "inv-3", ToolID: "crm.create_ticket", DryRun: true, Params: json.RawMessage(`{ "title": "x" }`)}
	res, err := e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, `would run crm.create_ticket (low impact) via handler with {"title":"x"}`, res.Preview)
	assert.Empty(t, res.Output)
	assert.Zero(t, c.n.Load())
	assert.Zero(t, sink.len())

	_, found, err := e.Lookup(context.Background(), "inv-3")
	require.NoError(t, err)
	assert.False(t, found)

	// a real run with the same id is not served from the preview
	inv.DryRun = false
	res, err = e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Empty(t, res.Preview)
	assert.NotEmpty(t, res.Output)
	assert.Equal(t, int32(1), c.n.Load())
}

type previewHandler struct{ Handler }

func (previewHandler) Preview(context.Context, json.RawMessage) (string, error) {
	return "refund 10 EUR to acct-9", nil
}

func TestInvoke_HighImpactApproved(t *testing.T) {
	e, sink := newTestExecutor(t, nil)
	var c counter
	e.Register("erp.issue_refund", c.handler())

	inv := Invocation{InvocationID: "inv-9", ToolID: "erp.issue_refund", Params: json.RawMessage(`{"amount":10}`), RequestID: "req-1"}

	done := make(chan Result, 1)
	go func() {
		res, err := e.Invoke(context.Background(), inv)
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool {
		p, err := e.Pending(context.Background())
		return err == nil && len(p) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, c.n.Load())

	rec, err := e.Decide(context.Background(), "inv-9", Decision{Approved: true, Reviewer: "ops"})
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, rec.ApprovalState)

	select {
	case res := <-done:
		assert.Equal(t, ApprovalApproved, res.ApprovalState)
		assert.Equal(t, ExecutionExecuted, res.ExecutionState)
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not resume after approval")
	}
	assert.Equal(t, int32(1), c.n.Load())
	assert.Equal(t, 1, sink.len())

	pending, err := e.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = e.Decide(context.Background(), "inv-9", Decision{Approved: false})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = e.Decide(context.Background(), "nope", Decision{Approved: true})
	assert.ErrorIs(t, err, ErrInvocationNotFound)
}

func TestInvoke_HighImpactDryRunNeedsApproval(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	var c counter
	e.Register("erp.issue_refund", previewHandler{c.handler()})

	inv := Invocation{InvocationID: "inv-10", ToolID: "erp.issue_refund", DryRun: true}
	res, err := e.Submit(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, res.ApprovalState)

	_, err = e.Decide(context.Background(), "inv-10", Decision{Approved: true})
	require.NoError(t, err)

	res, err = e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, "refund 10 EUR to acct-9", res.Preview)
	assert.Zero(t, c.n.Load())
}

func TestInvoke_CancelledWaitResumes(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	var c counter
	e.Register("erp.issue_refund", c.handler())
	inv := Invocation{InvocationID: "inv-11", ToolID: "erp.issue_refund"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := e.Invoke(ctx, inv)
	assert.ErrorIs(t, err, ErrApprovalPending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, ApprovalPending, res.ApprovalState)

	rec, found, err := e.Lookup(context.Background(), "inv-11")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ApprovalPending, rec.ApprovalState)
	assert.False(t, rec.Done())

	_, err = e.Decide(context.Background(), "inv-11", Decision{Approved: true})
	require.NoError(t, err)

	res, err = e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExecutionExecuted, res.ExecutionState)
	assert.Equal(t, int32(1), c.n.Load())
}

func TestInvoke_Rejected(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	var c counter
	e.Register("erp.issue_refund", c.handler())
	inv := Invocation{InvocationID: "inv-12", ToolID: "erp.issue_refund"}

	res, err := e.Submit(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, res.ApprovalState)

	_, err = e.Decide(context.Background(), "inv-12", Decision{Approved: false, Reason: "over limit"})
	require.NoError(t, err)

	res, err = e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ApprovalRejected, res.ApprovalState)
	assert.Equal(t, ExecutionAborted, res.ExecutionState)
	assert.Equal(t, "rejected: over limit", res.Error)
	assert.Zero(t, c.n.Load())
}

func TestInvoke_LowImpactWithoutAutoApproveIsPending(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	res, err := e.Submit(context.Background(), Invocation{InvocationID: "inv-13", ToolID: "crm.note"})
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, res.ApprovalState)
}

func TestInvoke_HandlerFailureStaysRetryable(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	calls := 0
	e.Register("crm.create_ticket", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("crm down")
		}
		return json.RawMessage(`{"ticket":1}`), nil
	}))
	inv := Invocation{InvocationID: "inv-14", ToolID: "crm.create_ticket", Params: json.RawMessage(`{"title":"x"}`)}

	res, err := e.Invoke(context.Background(), inv)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Equal(t, ExecutionAborted, res.ExecutionState)
	assert.Equal(t, "crm down", res.Error)

	rec, found, err := e.Lookup(context.Background(), "inv-14")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.Done())
	assert.Equal(t, ApprovalAutoApproved, rec.ApprovalState)

	res, err = e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExecutionExecuted, res.ExecutionState)
	assert.JSONEq(t, `{"ticket":1}`, string(res.Output))

	again, err := e.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, res, again)
	assert.Equal(t, 2, calls)
}

func TestInvoke_ApprovedFailureRetriesWithoutNewApproval(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	calls := 0
	e.Register("erp.issue_refund", HandlerFunc(func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("erp timeout")
		}
		return json.RawMessage(`{"refund":"ok"}`), nil
	}))
	inv := Invocation{InvocationID: "inv-16", ToolID: "erp.issue_refund"}

	_, err := e.Submit(context.Background(), inv)
	require.NoError(t, err)
	_, err = e.Decide(context.Background(), "inv-16", Decision{Approved: true, Reviewer: "ops"})
	require.NoError(t, err)

	_, err = e.Invoke(context.Background(), inv)
	assert.ErrorIs(t, err, ErrExecutionFailed)

	pending, err := e.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	res, err := e.Submit(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, res.ApprovalState)
	assert.Equal(t, ExecutionExecuted, res.ExecutionState)
	assert.Equal(t, 2, calls)
}

func TestInvoke_NoHandlerAborts(t *testing.T) {
	e, _ := newTestExecutor(t, nil)
	res, err := e.Invoke(context.Background(), Invocation{InvocationID: "inv-15", ToolID: "crm.create_ticket", Params: json.RawMessage(`{"title":"x"}`)})
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Equal(t, ExecutionAborted, res.ExecutionState)
}

func TestWebhookHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/json":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			_, _ = w.Write([]byte(`{"echo":` + string(body) + `}`))
		case "/text":
			_, _ = w.Write([]byte("created"))
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	out, err := NewWebhookHandler(srv.URL+"/json").Execute(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"a":1}}`, string(out))

	out, err = NewWebhookHandler(srv.URL+"/text").Execute(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, `"created"`, string(out))

	_, err = NewWebhookHandler(srv.URL+"/fail").Execute(context.Background(), json.RawMessage(`{}`))
	assert.ErrorContains(t, err, "502")
}

func TestExecutor_EndpointToolUsesWebhook(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := NewCatalog(ToolSpec{ID: "crm.ping", Impact: ImpactLow, AutoApprove: true, Endpoint: srv.URL})
	require.NoError(t, err)
	e, err := NewExecutor(ExecutorConfig{Catalog: c})
	require.NoError(t, err)

	res, err := e.Invoke(context.Background(), Invocation{InvocationID: "inv-1", ToolID: "crm.ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))
	assert.Equal(t, int32(1), hits.Load())
}

func TestSQLiteLedger(t *testing.T) {
	ledger, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		Invocation: Invocation{InvocationID: "inv-1", ToolID: "erp.issue_refund", Params: json.RawMessage(`{"amount":5}`)},
		Key:        "refund-1",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, rec.approve(ApprovalPending, now))
	require.NoError(t, ledger.Put(ctx, rec))

	pending, err := ledger.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "refund-1", pending[0].Key)

	require.NoError(t, rec.approve(ApprovalApproved, now.Add(time.Minute)))
	require.NoError(t, rec.finish(ExecutionExecuted, Result{InvocationID: "inv-1", Output: json.RawMessage(`{"ok":true}`)}, now.Add(time.Minute)))
	require.NoError(t, ledger.Put(ctx, rec))

	got, found, err := ledger.ByInvocationID(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Done())
	assert.Equal(t, ApprovalApproved, got.ApprovalState)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result.Output))
	assert.True(t, got.CreatedAt.Equal(now))

	pending, err = ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, found, err = ledger.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecutor_SQLiteSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	inv := Invocation{InvocationID: "inv-42", ToolID: "crm.create_ticket", Params: json.RawMessage(`{"title":"x"}`)}
	var c counter

	l1, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	e1, _ := newTestExecutor(t, l1)
	e1.Register("crm.create_ticket", c.handler())
	_, err = e1.Invoke(context.Background(), inv)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	l2, err := NewSQLiteLedger(path)
	require.NoError(t, err)
	e2, _ := newTestExecutor(t, l2)
	t.Cleanup(func() { _ = e2.Close() })
	e2.Register("crm.create_ticket", c.handler())
	res, err := e2.Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, ExecutionExecuted, res.ExecutionState)
	assert.Equal(t, int32(1), c.n.Load())
}

func TestChannelApprover_CancelledWaitReleasesEntry(t *testing.T) {
	a := NewChannelApprover()
	waiting := func() int {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.waiters)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.AwaitApproval(ctx, "inv-50")
		done <- err
	}()
	require.Eventually(t, func() bool { return waiting() == 1 }, time.Second, 5*time.Millisecond)

	// a second waiter on the same invocation keeps the entry alive
	other := make(chan Decision, 1)
	go func() {
		d, _ := a.AwaitApproval(context.Background(), "inv-50")
		other <- d
	}()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		w, ok := a.waiters["inv-50"]
		return ok && w.refs == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, waiting())

	a.Decide("inv-50", Decision{Approved: true})
	assert.True(t, (<-other).Approved)
	assert.Zero(t, waiting())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	_, err := a.AwaitApproval(ctx2, "inv-51")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, waiting())
}
