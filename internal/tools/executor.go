package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventRecorder receives one event per settled or pending invocation.
type EventRecorder interface {
	Record(ev recorder.Event) error
}

// ExecutorConfig holds Executor dependencies. Ledger and Approver default
// to in-memory implementations.
type ExecutorConfig struct {
	Catalog  *Catalog
	Ledger   Ledger
	Approver Approver
	Recorder EventRecorder
	Logger   *logging.Logger
}

// Executor validates, gates and runs tool invocations.
type Executor struct {
	catalog  *Catalog
	ledger   Ledger
	approver Approver
	recorder EventRecorder
	logger   *logging.Logger
	tracer   trace.Tracer
	locks    *keyLocks
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewExecutor returns an Executor. Tools with an Endpoint get a
// WebhookHandler; others need Register.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("tools: catalog is required")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger()
	}
	if cfg.Approver == nil {
		cfg.Approver = NewChannelApprover()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	e := &Executor{
		catalog:  cfg.Catalog,
		ledger:   cfg.Ledger,
		approver: cfg.Approver,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.Named("tools"),
		tracer:   otel.Tracer("github.com/fyrsmithlabs/gatewayd/internal/tools"),
		locks:    newKeyLocks(),
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]Handler),
	}
	for _, s := range cfg.Catalog.List() {
		if s.Endpoint != "" {
			e.handlers[s.ID] = NewWebhookHandler(s.Endpoint)
		}
	}
	return e, nil
}

// Register sets the handler for toolID.
func (e *Executor) Register(toolID string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[toolID] = h
}

func (e *Executor) handler(toolID string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[toolID]
	return h, ok
}

// Catalog returns the tool catalog.
func (e *Executor) Catalog() *Catalog { return e.catalog }

// Invoke runs inv, waiting for approval when the tool requires it. If ctx
// ends during the wait the invocation stays pending and the error wraps
// ErrApprovalPending; invoking again with the same idempotency key resumes.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	return e.invoke(ctx, inv, true)
}

// Submit is Invoke without the approval wait: a pending invocation
// returns immediately with ApprovalState pending and a nil error.
func (e *Executor) Submit(ctx context.Context, inv Invocation) (Result, error) {
	return e.invoke(ctx, inv, false)
}

func (e *Executor) invoke(ctx context.Context, inv Invocation, wait bool) (res Result, err error) {
	ctx, span := e.tracer.Start(ctx, "tools.Invoke", trace.WithAttributes(
		attribute.String("tool.id", inv.ToolID),
		attribute.String("tool.invocation_id", inv.InvocationID),
		attribute.Bool("tool.dry_run", inv.DryRun),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrApprovalPending) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("tool.approval_state", string(res.ApprovalState)))
		span.End()
	}()
	ctx = logging.WithInvocationID(ctx, inv.InvocationID)

	spec, err := e.validate(inv)
	if err != nil {
		invocationsTotal.WithLabelValues(metricTool(e.catalog, inv.ToolID), "invalid").Inc()
		return Result{}, err
	}
	if inv.IdempotencyKey == "" {
		inv.IdempotencyKey = inv.InvocationID
	}

	if inv.DryRun && spec.Impact == ImpactLow {
		res, err := e.preview(ctx, spec, inv)
		if err == nil {
			invocationsTotal.WithLabelValues(spec.ID, "preview").Inc()
		}
		return res, err
	}

	// ledger writes must land even if the caller goes away mid-call
	persist := context.WithoutCancel(ctx)
	key := inv.key()

	rec, err := e.admit(persist, spec, inv, key)
	if err != nil {
		return Result{}, err
	}
	if rec.Done() {
		return e.replay(ctx, spec, rec), nil
	}

	var decision *Decision
	if rec.ApprovalState == ApprovalPending {
		if !wait {
			invocationsTotal.WithLabelValues(spec.ID, "pending").Inc()
			res := pendingResult(rec)
			e.record(ctx, res)
			return res, nil
		}
		e.logger.Info(ctx, "awaiting approval", zap.String("tool", spec.ID))
		d, err := e.approver.AwaitApproval(ctx, rec.Invocation.InvocationID)
		if err != nil {
			invocationsTotal.WithLabelValues(spec.ID, "pending").Inc()
			res := pendingResult(rec)
			e.record(ctx, res)
			return res, fmt.Errorf("%w: %s: %w", ErrApprovalPending, rec.Invocation.InvocationID, err)
		}
		decision = &d
	}

	return e.settle(ctx, persist, spec, key, decision)
}

func (e *Executor) validate(inv Invocation) (ToolSpec, error) {
	if inv.InvocationID == "" {
		return ToolSpec{}, &ValidationError{ToolID: inv.ToolID, Reason: "invocation_id is required"}
	}
	spec, ok := e.catalog.Get(inv.ToolID)
	if !ok {
		return ToolSpec{}, &ValidationError{ToolID: inv.ToolID, Reason: "unknown tool"}
	}
	if err := e.catalog.Validate(inv.ToolID, inv.Params); err != nil {
		return ToolSpec{}, err
	}
	return spec, nil
}

// admit loads or creates the record for key.
func (e *Executor) admit(ctx context.Context, spec ToolSpec, inv Invocation, key string) (Record, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	rec, found, err := e.ledger.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if found {
		if rec.Invocation.ToolID != inv.ToolID {
			return Record{}, &ValidationError{ToolID: inv.ToolID, Reason: "idempotency key already used for tool " + rec.Invocation.ToolID}
		}
		return rec, nil
	}

	now := e.now()
	rec = Record{Invocation: inv, Key: key, CreatedAt: now, UpdatedAt: now}
	state := ApprovalPending
	if spec.Impact == ImpactLow && spec.AutoApprove {
		state = ApprovalAutoApproved
	}
	if err := rec.approve(state, now); err != nil {
		return Record{}, err
	}
	if err := e.ledger.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// settle applies decision (if the record is still pending) and runs or
// aborts the invocation. A handler failure is not terminal: the approval
// is kept and the same key runs the handler again on the next call.
func (e *Executor) settle(ctx, persist context.Context, spec ToolSpec, key string, decision *Decision) (Result, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	rec, found, err := e.ledger.Get(persist, key)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("%w: key %s", ErrInvocationNotFound, key)
	}
	if rec.Done() {
		return e.replay(ctx, spec, rec), nil
	}
	if rec.ApprovalState == ApprovalPending {
		if decision == nil {
			return pendingResult(rec), fmt.Errorf("%w: %s", ErrApprovalPending, rec.Invocation.InvocationID)
		}
		if err := applyDecision(&rec, *decision, e.now()); err != nil {
			return Result{}, err
		}
	}

	inv := rec.Invocation
	res := Result{
		InvocationID:   inv.InvocationID,
		ToolID:         inv.ToolID,
		IdempotencyKey: inv.IdempotencyKey,
		DryRun:         inv.DryRun,
	}
	var execErr error
	state := ExecutionExecuted
	switch {
	case rec.ApprovalState == ApprovalRejected:
		state = ExecutionAborted
		res.Error = "rejected"
		if rec.Decision != nil && rec.Decision.Reason != "" {
			res.Error += ": " + rec.Decision.Reason
		}
	case inv.DryRun:
		res.Preview, execErr = e.previewText(ctx, spec, inv.Params)
	default:
		res.Output, execErr = e.execute(ctx, spec, inv.Params)
	}
	if execErr != nil {
		return e.fail(ctx, persist, spec, rec, res, execErr)
	}

	if err := rec.finish(state, res, e.now()); err != nil {
		return Result{}, err
	}
	if err := e.ledger.Put(persist, rec); err != nil {
		return Result{}, err
	}
	out := *rec.Result
	if ca, ok := e.approver.(*ChannelApprover); ok {
		ca.Forget(inv.InvocationID)
	}
	e.record(ctx, out)

	switch {
	case state == ExecutionAborted:
		invocationsTotal.WithLabelValues(spec.ID, "aborted").Inc()
	default:
		invocationsTotal.WithLabelValues(spec.ID, "executed").Inc()
	}
	e.logger.Info(ctx, "tool invocation settled",
		zap.String("tool", spec.ID),
		zap.String("approval", string(rec.ApprovalState)),
		zap.String("execution", string(state)),
	)
	return out, nil
}

// fail persists the approval reached so far without a terminal state and
// reports the handler error. Callers hold the key lock.
func (e *Executor) fail(ctx, persist context.Context, spec ToolSpec, rec Record, res Result, execErr error) (Result, error) {
	if err := e.ledger.Put(persist, rec); err != nil {
		return Result{}, err
	}
	if ca, ok := e.approver.(*ChannelApprover); ok {
		ca.Forget(rec.Invocation.InvocationID)
	}
	res.ApprovalState = rec.ApprovalState
	res.ExecutionState = ExecutionAborted
	res.Error = execErr.Error()
	e.record(ctx, res)

	invocationsTotal.WithLabelValues(spec.ID, "failed").Inc()
	e.logger.Warn(ctx, "tool execution failed", zap.String("tool", spec.ID), zap.Error(execErr))
	return res, fmt.Errorf("%w: %s: %w", ErrExecutionFailed, spec.ID, execErr)
}

func applyDecision(rec *Record, d Decision, now time.Time) error {
	target := ApprovalRejected
	if d.Approved {
		target = ApprovalApproved
	}
	if err := rec.approve(target, now); err != nil {
		return err
	}
	rec.Decision = &d
	return nil
}

func (e *Executor) execute(ctx context.Context, spec ToolSpec, params json.RawMessage) (json.RawMessage, error) {
	h, ok := e.handler(spec.ID)
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", spec.ID)
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return h.Execute(ctx, params)
}

func (e *Executor) previewText(ctx context.Context, spec ToolSpec, params json.RawMessage) (string, error) {
	if h, ok := e.handler(spec.ID); ok {
		if p, ok := h.(Previewer); ok {
			return p.Preview(ctx, params)
		}
	}
	return defaultPreview(spec, params), nil
}

// preview serves low-impact dry runs without touching the ledger.
func (e *Executor) preview(ctx context.Context, spec ToolSpec, inv Invocation) (Result, error) {
	text, err := e.previewText(ctx, spec, inv.Params)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s preview: %w", ErrExecutionFailed, spec.ID, err)
	}
	return Result{
		InvocationID:   inv.InvocationID,
		ToolID:         inv.ToolID,
		IdempotencyKey: inv.IdempotencyKey,
		DryRun:         true,
		Preview:        text,
	}, nil
}

// Decide records an approval decision for a pending invocation and wakes
// any caller waiting on it.
func (e *Executor) Decide(ctx context.Context, invocationID string, d Decision) (Record, error) {
	rec, found, err := e.ledger.ByInvocationID(ctx, invocationID)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, fmt.Errorf("%w: %s", ErrInvocationNotFound, invocationID)
	}

	unlock := e.locks.lock(rec.Key)
	rec, _, err = e.ledger.Get(ctx, rec.Key)
	if err == nil {
		err = applyDecision(&rec, d, e.now())
	}
	if err == nil {
		err = e.ledger.Put(ctx, rec)
	}
	unlock()
	if err != nil {
		return Record{}, err
	}

	if ca, ok := e.approver.(*ChannelApprover); ok {
		ca.Decide(invocationID, d)
	}
	e.logger.Info(logging.WithInvocationID(ctx, invocationID), "approval decided",
		zap.Bool("approved", d.Approved),
		zap.String("reviewer", d.Reviewer),
	)
	return rec, nil
}

// Pending lists invocations awaiting a decision.
func (e *Executor) Pending(ctx context.Context) ([]Record, error) {
	return e.ledger.Pending(ctx)
}

// Lookup returns the record for invocationID.
func (e *Executor) Lookup(ctx context.Context, invocationID string) (Record, bool, error) {
	return e.ledger.ByInvocationID(ctx, invocationID)
}

// Close closes the ledger.
func (e *Executor) Close() error { return e.ledger.Close() }

func (e *Executor) record(ctx context.Context, res Result) {
	if e.recorder == nil {
		return
	}
	ev, err := recorder.NewEvent(recorder.TypeToolInvocation, logging.RequestIDFromContext(ctx), res)
	if err == nil {
		err = e.recorder.Record(ev)
	}
	if err != nil {
		e.logger.Warn(ctx, "tool event not recorded", zap.Error(err))
	}
}

// replay returns the stored result of a settled key unchanged.
func (e *Executor) replay(ctx context.Context, spec ToolSpec, rec Record) Result {
	invocationsTotal.WithLabelValues(spec.ID, "cached").Inc()
	e.logger.Debug(ctx, "idempotent replay",
		zap.String("tool", spec.ID),
		zap.String("idempotency_key", rec.Key),
		zap.Bool("cached", true),
	)
	return *rec.Result
}

func pendingResult(rec Record) Result {
	inv := rec.Invocation
	return Result{
		InvocationID:   inv.InvocationID,
		ToolID:         inv.ToolID,
		IdempotencyKey: inv.IdempotencyKey,
		DryRun:         inv.DryRun,
		ApprovalState:  rec.ApprovalState,
	}
}

func metricTool(c *Catalog, id string) string {
	if _, ok := c.Get(id); ok {
		return id
	}
	return "unknown"
}
