package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/fyrsmithlabs/gatewayd/internal/planner"
	"github.com/fyrsmithlabs/gatewayd/internal/policy"
	"github.com/fyrsmithlabs/gatewayd/internal/provider"
	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"github.com/fyrsmithlabs/gatewayd/internal/registry"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/fyrsmithlabs/gatewayd/internal/gateway"

// Retriever supplies grounded chunks for a query.
type Retriever interface {
	Query(ctx context.Context, queryText string, k int, aclAllow []string) ([]retrieval.Result, error)
}

// EventRecorder receives selection traces.
type EventRecorder interface {
	Record(ev recorder.Event) error
}

// Config holds Gateway dependencies and limits.
type Config struct {
	Policy    *policy.Store
	Registry  *registry.Registry
	Providers *provider.Set
	Planner   *planner.Planner
	// Retriever may be nil; requests then carry no retrieved context.
	Retriever Retriever
	// Tools may be nil; proposed tool calls are then reported unexecuted.
	Tools    *tools.Executor
	Recorder EventRecorder
	Logger   *logging.Logger

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	TokenBudget    int
	TopK           int
	MaxTokens      int
	// ApprovalWait bounds how long a request waits for a tool approval.
	// Zero submits and returns the pending state immediately.
	ApprovalWait time.Duration
}

// Gateway handles completion requests. It is safe for concurrent use;
// requests share only the registry counters and the recorder.
type Gateway struct {
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New validates cfg and returns a Gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Policy == nil || cfg.Registry == nil || cfg.Providers == nil {
		return nil, errors.New("gateway: policy, registry and providers are required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("gateway: max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.Planner == nil {
		p, err := planner.New(planner.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Planner = p
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 4096
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	return &Gateway{
		cfg:    cfg,
		logger: cfg.Logger.Named("gateway"),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle runs req to a terminal state. The returned trace is also sent to
// the recorder. On failure the error wraps the stage's sentinel.
func (g *Gateway) Handle(ctx context.Context, req Request) (resp Response, err error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Query == "" {
		return Response{}, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}
	ctx = logging.WithRequestID(ctx, req.RequestID)
	ctx = logging.WithRole(ctx, req.Role)
	ctx, span := g.tracer.Start(ctx, "gateway.Handle", trace.WithAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("policy.role", req.Role),
	))
	defer span.End()

	tb := newTraceBuilder(req, g.now)
	tb.trace.PolicyVersion = g.cfg.Policy.Version()
	resp.RequestID = req.RequestID

	defer func() {
		if err != nil {
			resp.Trace = tb.fail(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			g.logger.Warn(ctx, "request failed", zap.Error(err))
		} else {
			resp.Trace = tb.complete()
		}
		requestsTotal.WithLabelValues(string(resp.Trace.FinalState)).Inc()
		span.SetAttributes(
			attribute.String("gateway.final_state", string(resp.Trace.FinalState)),
			attribute.Int("gateway.retry_count", resp.Trace.RetryCount),
		)
		g.record(ctx, resp.Trace)
	}()

	// Policy
	stageStart := time.Now()
	rule, err := g.cfg.Policy.Resolve(req.Role, req.SensitivityTier, req.BudgetTier)
	if err != nil {
		return resp, err
	}
	if err := tb.enter(StatePolicyResolved); err != nil {
		return resp, err
	}
	stageDuration.WithLabelValues("policy").Observe(time.Since(stageStart).Seconds())

	// Model selection
	model, err := g.selectModel(ctx, tb, rule, req)
	if err != nil {
		return resp, err
	}
	if err := tb.enter(StateModelSelected); err != nil {
		return resp, err
	}
	resp.ModelID = model.ID

	// Retrieval
	stageStart = time.Now()
	var results []retrieval.Result
	if g.cfg.Retriever != nil {
		results, err = g.cfg.Retriever.Query(ctx, req.Query, g.cfg.TopK, req.ACLAllow)
		if err != nil {
			return resp, fmt.Errorf("retrieval: %w", err)
		}
	}
	tb.mark("retrieval")
	stageDuration.WithLabelValues("retrieval").Observe(time.Since(stageStart).Seconds())

	// Planning
	budget := g.cfg.TokenBudget
	if model.MaxContextTokens > 0 && model.MaxContextTokens < budget {
		budget = model.MaxContextTokens
	}
	planned, err := g.cfg.Planner.Plan(results, req.ConversationContext, budget)
	if err != nil {
		return resp, err
	}
	tb.mark("planning")
	tb.trace.ChunkIDs = planned.ChunkIDs()
	resp.Chunks = planned.Chunks

	// Dispatch
	allowedTools := g.allowedTools(rule, req.CandidateTools)
	params := provider.Params{MaxTokens: g.cfg.MaxTokens}
	if g.cfg.Tools != nil {
		params.Tools = g.cfg.Tools.Catalog().Definitions(allowedTools)
	}
	stageStart = time.Now()
	completion, err := g.dispatch(ctx, tb, model, planned.Prompt(req.Query), params)
	stageDuration.WithLabelValues("dispatch").Observe(time.Since(stageStart).Seconds())
	if err != nil {
		return resp, err
	}
	if err := tb.enter(StateCompleted); err != nil {
		return resp, err
	}
	resp.Text = completion.Text
	resp.TokenUsage = completion.TokenUsage
	resp.LatencyMs = completion.LatencyMs

	// Tools
	calls := append(append([]provider.ToolCall(nil), completion.ToolCalls...), req.ToolCalls...)
	if len(calls) > 0 {
		stageStart = time.Now()
		resp.Tools = g.runTools(ctx, req.RequestID, allowedTools, calls)
		tb.mark("tools")
		stageDuration.WithLabelValues("tools").Observe(time.Since(stageStart).Seconds())
	}

	g.logger.Info(ctx, "request completed",
		zap.String("model", model.ID),
		zap.Int("chunks", len(planned.Chunks)),
		zap.Int("retries", tb.trace.RetryCount),
		zap.Int("tokens", completion.TokenUsage.Total()),
	)
	return resp, nil
}

// selectModel ranks the policy's allowed models. An override bypasses the
// ranking but not the policy.
func (g *Gateway) selectModel(ctx context.Context, tb *traceBuilder, rule policy.Rule, req Request) (registry.ModelDescriptor, error) {
	ranked := g.cfg.Registry.RankScored(rule.ModelSet(), req.RequiredCapabilities, req.MaxCost, req.MaxLatencyMs)
	for _, s := range ranked {
		tb.trace.CandidateModelIDs = append(tb.trace.CandidateModelIDs, s.Model.ID)
		tb.trace.CandidateScores = append(tb.trace.CandidateScores, s.Score)
	}

	if req.ModelOverride != "" {
		if !rule.AllowsModel(req.ModelOverride) {
			return registry.ModelDescriptor{}, fmt.Errorf("%w: model %s not allowed for role %s", policy.ErrPolicyDenied, req.ModelOverride, req.Role)
		}
		m, ok := g.cfg.Registry.Get(req.ModelOverride)
		if !ok {
			return registry.ModelDescriptor{}, fmt.Errorf("%w: %s", registry.ErrNoEligibleModel, req.ModelOverride)
		}
		tb.trace.ChosenModelID = m.ID
		tb.trace.Reason = ReasonExplicitOverride
		return m, nil
	}

	if len(ranked) == 0 {
		return registry.ModelDescriptor{}, fmt.Errorf("%w: role %s requires %v", registry.ErrNoEligibleModel, req.Role, req.RequiredCapabilities)
	}
	tb.trace.ChosenModelID = ranked[0].Model.ID
	tb.trace.Reason = ReasonTopScore
	g.logger.Debug(ctx, "model selected",
		zap.String("model", ranked[0].Model.ID),
		zap.Strings("candidates", tb.trace.CandidateModelIDs),
	)
	return ranked[0].Model, nil
}

// dispatch calls the model's provider, retrying transient errors with
// exponential backoff. Each attempt's outcome feeds the registry.
func (g *Gateway) dispatch(ctx context.Context, tb *traceBuilder, model registry.ModelDescriptor, prompt provider.Prompt, params provider.Params) (provider.Completion, error) {
	prov, err := g.cfg.Providers.Get(model.Provider)
	if err != nil {
		return provider.Completion{}, err
	}

	attempts := 0
	op := func() (provider.Completion, error) {
		if err := tb.enter(StateDispatched); err != nil {
			return provider.Completion{}, backoff.Permanent(err)
		}
		attempts++
		actx, span := g.tracer.Start(ctx, "gateway.dispatch", trace.WithAttributes(
			attribute.String("model.id", model.ID),
			attribute.String("model.provider", model.Provider),
			attribute.Int("attempt", attempts),
		))
		c, err := prov.Complete(actx, model.ID, prompt, params)
		if rerr := g.cfg.Registry.RecordOutcome(model.ID, err == nil); rerr != nil {
			g.logger.Warn(ctx, "recording model outcome", zap.Error(rerr))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err == nil {
			return c, nil
		}
		if provider.IsTransient(err) && ctx.Err() == nil {
			return c, err
		}
		return c, backoff.Permanent(err)
	}

	notify := func(err error, next time.Duration) {
		tb.trace.RetryCount++
		if terr := tb.enter(StateRetrying); terr != nil {
			g.logger.Error(ctx, "trace transition", zap.Error(terr))
		}
		retriesTotal.WithLabelValues(model.ID).Inc()
		g.logger.Warn(ctx, "transient provider error, retrying",
			zap.String("model", model.ID),
			zap.Int("retry", tb.trace.RetryCount),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.cfg.InitialBackoff
	eb.MaxInterval = g.cfg.MaxBackoff

	c, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(g.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return c, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	if provider.IsTransient(err) {
		return provider.Completion{}, fmt.Errorf("%w: %s after %d attempts: %w",
			ErrUpstreamUnavailable, model.ID, attempts, err)
	}
	return provider.Completion{}, err
}

// allowedTools is candidates filtered by the policy rule, or every tool the
// rule allows when the request names none.
func (g *Gateway) allowedTools(rule policy.Rule, candidates []string) []string {
	if g.cfg.Tools == nil {
		return nil
	}
	var out []string
	if len(candidates) == 0 {
		for _, s := range g.cfg.Tools.Catalog().List() {
			if rule.AllowsTool(s.ID) {
				out = append(out, s.ID)
			}
		}
		return out
	}
	seen := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		if seen[id] || !rule.AllowsTool(id) {
			continue
		}
		if _, ok := g.cfg.Tools.Catalog().Get(id); ok {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (g *Gateway) runTools(ctx context.Context, requestID string, allowed []string, calls []provider.ToolCall) []ToolOutcome {
	permitted := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		permitted[id] = true
	}

	out := make([]ToolOutcome, 0, len(calls))
	for i, call := range calls {
		o := ToolOutcome{Call: call}
		switch {
		case g.cfg.Tools == nil:
			o.Error = "tool execution is not configured"
		case !permitted[call.ToolID]:
			o.Error = fmt.Sprintf("tool %s not permitted by policy", call.ToolID)
		default:
			id := call.ID
			if id == "" {
				id = strconv.Itoa(i)
			}
			inv := tools.Invocation{
				InvocationID:   requestID + ":" + id,
				ToolID:         call.ToolID,
				Params:         call.Params,
				IdempotencyKey: requestID + ":" + id,
				RequestID:      requestID,
			}
			res, err := g.invoke(ctx, inv)
			if res.InvocationID != "" {
				o.Result = &res
			}
			if err != nil && !errors.Is(err, tools.ErrApprovalPending) {
				o.Error = err.Error()
			}
		}
		out = append(out, o)
	}
	return out
}

func (g *Gateway) invoke(ctx context.Context, inv tools.Invocation) (tools.Result, error) {
	if g.cfg.ApprovalWait <= 0 {
		return g.cfg.Tools.Submit(ctx, inv)
	}
	wctx, cancel := context.WithTimeout(ctx, g.cfg.ApprovalWait)
	defer cancel()
	return g.cfg.Tools.Invoke(wctx, inv)
}

func (g *Gateway) record(ctx context.Context, st SelectionTrace) {
	if g.cfg.Recorder == nil {
		return
	}
	ev, err := recorder.NewEvent(recorder.TypeSelectionTrace, st.RequestID, st)
	if err == nil {
		err = g.cfg.Recorder.Record(ev)
	}
	if err != nil {
		g.logger.Warn(ctx, "selection trace not recorded", zap.Error(err))
	}
}
