// Package gateway routes one completion request through policy, model
// selection, retrieval, context planning, dispatch and tool execution.
package gateway

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
)

var (
	// ErrUpstreamUnavailable means transient provider errors outlasted the
	// retry budget. The last provider error is wrapped.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// State is the lifecycle state of one request.
type State string

const (
	StateReceived       State = "received"
	StatePolicyResolved State = "policy_resolved"
	StateModelSelected  State = "model_selected"
	StateDispatched     State = "dispatched"
	StateRetrying       State = "retrying"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// ValidTransitions defines allowed state transitions.
var ValidTransitions = map[State][]State{
	StateReceived:       {StatePolicyResolved, StateFailed},
	StatePolicyResolved: {StateModelSelected, StateFailed},
	StateModelSelected:  {StateDispatched, StateFailed},
	StateDispatched:     {StateCompleted, StateFailed, StateRetrying},
	StateRetrying:       {StateDispatched, StateFailed},
	StateCompleted:      {}, // terminal
	StateFailed:         {}, // terminal
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range ValidTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Completed and Failed.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Selection reasons recorded in the trace.
const (
	ReasonTopScore         = "top score"
	ReasonExplicitOverride = "explicit override"
)

// Request is one gateway call.
type Request struct {
	RequestID            string             `json:"request_id,omitempty"`
	Role                 string             `json:"role"`
	SensitivityTier      string             `json:"sensitivity_tier"`
	BudgetTier           string             `json:"budget_tier"`
	RequiredCapabilities []string           `json:"required_capabilities,omitempty"`
	MaxCost              float64            `json:"max_cost,omitempty"`
	MaxLatencyMs         float64            `json:"max_latency_ms,omitempty"`
	Query                string             `json:"query"`
	ACLAllow             []string           `json:"acl_allow,omitempty"`
	ConversationContext  []provider.Message `json:"conversation_context,omitempty"`
	CandidateTools       []string           `json:"candidate_tools,omitempty"`
	// ToolCalls are actions proposed by the caller. They are executed after
	// the model's own proposals, under the same policy filter.
	ToolCalls     []provider.ToolCall `json:"tool_calls,omitempty"`
	ModelOverride string              `json:"model_override,omitempty"`
}

// SelectionTrace is the audit record of one request. It is written once,
// when the request reaches a terminal state.
type SelectionTrace struct {
	RequestID         string               `json:"request_id"`
	Role              string               `json:"role"`
	PolicyVersion     uint64               `json:"policy_version"`
	ChosenModelID     string               `json:"chosen_model_id,omitempty"`
	CandidateModelIDs []string             `json:"candidate_model_ids"`
	CandidateScores   []float64            `json:"candidate_scores"`
	Reason            string               `json:"reason,omitempty"`
	TimestampsByStage map[string]time.Time `json:"timestamps_by_stage"`
	RetryCount        int                  `json:"retry_count"`
	ChunkIDs          []string             `json:"chunk_ids,omitempty"`
	FinalState        State                `json:"final_state"`
	Error             string               `json:"error,omitempty"`
}

// ToolOutcome is the fate of one proposed tool call.
type ToolOutcome struct {
	Call   provider.ToolCall `json:"call"`
	Result *tools.Result     `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Response is a completed request.
type Response struct {
	RequestID  string              `json:"request_id"`
	ModelID    string              `json:"model_id"`
	Text       string              `json:"text"`
	TokenUsage provider.TokenUsage `json:"token_usage"`
	LatencyMs  int64               `json:"latency_ms"`
	Chunks     []retrieval.Result  `json:"chunks,omitempty"`
	Tools      []ToolOutcome       `json:"tools,omitempty"`
	Trace      SelectionTrace      `json:"trace"`
}

// traceBuilder tracks the state machine of one request.
type traceBuilder struct {
	state State
	trace SelectionTrace
	now   func() time.Time
}

func newTraceBuilder(req Request, now func() time.Time) *traceBuilder {
	b := &traceBuilder{
		trace: SelectionTrace{
			RequestID:         req.RequestID,
			Role:              req.Role,
			CandidateModelIDs: []string{},
			CandidateScores:   []float64{},
			TimestampsByStage: make(map[string]time.Time),
		},
		now: now,
	}
	b.state = StateReceived
	b.mark(string(StateReceived))
	return b
}

// enter moves to s and stamps it. Re-entering Dispatched keeps the first
// dispatch time and stamps each retry as dispatched_<n>.
func (b *traceBuilder) enter(s State) error {
	if !b.state.CanTransitionTo(s) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.state, s)
	}
	b.state = s
	stage := string(s)
	if _, seen := b.trace.TimestampsByStage[stage]; seen && s == StateDispatched {
		stage = stage + "_" + strconv.Itoa(b.trace.RetryCount)
	}
	if _, seen := b.trace.TimestampsByStage[stage]; !seen {
		b.mark(stage)
	}
	return nil
}

func (b *traceBuilder) mark(stage string) {
	b.trace.TimestampsByStage[stage] = b.now()
}

func (b *traceBuilder) fail(err error) SelectionTrace {
	if !b.state.IsTerminal() {
		b.state = StateFailed
		b.mark(string(StateFailed))
	}
	b.trace.FinalState = b.state
	if err != nil {
		b.trace.Error = err.Error()
	}
	return b.trace
}

func (b *traceBuilder) complete() SelectionTrace {
	b.trace.FinalState = b.state
	return b.trace
}
