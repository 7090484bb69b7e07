// Package tools executes allow-listed actions proposed by models.
//
// Every invocation is schema-validated, keyed for idempotency and gated by
// an approval state. High-impact tools always wait in pending for an
// external decision; a completed idempotency key returns the stored result
// without running the tool again.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrToolValidation matches every *ValidationError.
	ErrToolValidation = errors.New("tool validation failed")
	// ErrApprovalPending is returned when the caller stops waiting for a
	// decision. The invocation stays pending and can be resumed.
	ErrApprovalPending = errors.New("approval pending")
	// ErrInvocationNotFound is returned for an unknown invocation ID.
	ErrInvocationNotFound = errors.New("invocation not found")
	// ErrInvalidTransition rejects a backwards state change.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrExecutionFailed wraps a handler error.
	ErrExecutionFailed = errors.New("tool execution failed")
)

// ValidationError describes why parameters were rejected.
type ValidationError struct {
	ToolID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid invocation: %s", e.ToolID, e.Reason)
}

// Is makes errors.Is(err, ErrToolValidation) true.
func (e *ValidationError) Is(target error) bool { return target == ErrToolValidation }

// Impact classifies a tool's blast radius.
type Impact string

const (
	ImpactLow  Impact = "low"
	ImpactHigh Impact = "high"
)

// ApprovalState is the approval lifecycle of one invocation.
type ApprovalState string

const (
	ApprovalNone         ApprovalState = ""
	ApprovalPending      ApprovalState = "pending"
	ApprovalApproved     ApprovalState = "approved"
	ApprovalRejected     ApprovalState = "rejected"
	ApprovalAutoApproved ApprovalState = "auto_approved"
)

var approvalTransitions = map[ApprovalState][]ApprovalState{
	ApprovalNone:         {ApprovalPending, ApprovalAutoApproved},
	ApprovalPending:      {ApprovalApproved, ApprovalRejected},
	ApprovalApproved:     {},
	ApprovalRejected:     {},
	ApprovalAutoApproved: {},
}

// CanTransitionTo reports whether s may move to target.
func (s ApprovalState) CanTransitionTo(target ApprovalState) bool {
	for _, t := range approvalTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Decided reports whether execution may proceed or abort.
func (s ApprovalState) Decided() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalAutoApproved
}

// ExecutionState is the terminal outcome of an invocation.
type ExecutionState string

const (
	ExecutionNone     ExecutionState = ""
	ExecutionExecuted ExecutionState = "executed"
	ExecutionAborted  ExecutionState = "aborted"
)

// Invocation is a request to run a tool.
type Invocation struct {
	InvocationID   string          `json:"invocation_id"`
	ToolID         string          `json:"tool_id"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DryRun         bool            `json:"dry_run,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
}

// key returns the ledger key. Dry runs never share a key with real runs.
func (inv Invocation) key() string {
	k := inv.IdempotencyKey
	if k == "" {
		k = inv.InvocationID
	}
	if inv.DryRun {
		return "dryrun:" + k
	}
	return k
}

// Decision is an approval verdict.
type Decision struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Result is what Invoke returns and what the ledger caches.
type Result struct {
	InvocationID   string          `json:"invocation_id"`
	ToolID         string          `json:"tool_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	DryRun         bool            `json:"dry_run"`
	ApprovalState  ApprovalState   `json:"approval_state"`
	ExecutionState ExecutionState  `json:"execution_state,omitempty"`
	Preview        string          `json:"preview,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Record is the persisted state of one idempotency key.
type Record struct {
	Invocation     Invocation     `json:"invocation"`
	Key            string         `json:"key"`
	ApprovalState  ApprovalState  `json:"approval_state"`
	ExecutionState ExecutionState `json:"execution_state,omitempty"`
	Decision       *Decision      `json:"decision,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Done reports whether the record has a terminal execution state.
func (r Record) Done() bool { return r.ExecutionState != ExecutionNone }

// approve moves the record to state, refusing backwards moves.
func (r *Record) approve(state ApprovalState, now time.Time) error {
	if !r.ApprovalState.CanTransitionTo(state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, displayState(r.ApprovalState), state)
	}
	r.ApprovalState = state
	r.UpdatedAt = now
	return nil
}

// finish records the terminal outcome. It may be set once.
func (r *Record) finish(state ExecutionState, res Result, now time.Time) error {
	if r.ExecutionState != ExecutionNone {
		return fmt.Errorf("%w: already %s", ErrInvalidTransition, r.ExecutionState)
	}
	r.ExecutionState = state
	res.ApprovalState = r.ApprovalState
	res.ExecutionState = state
	r.Result = &res
	r.UpdatedAt = now
	return nil
}

func displayState(s ApprovalState) string {
	if s == ApprovalNone {
		return "new"
	}
	return string(s)
}
