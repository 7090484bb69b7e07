package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/gateway"
	"github.com/fyrsmithlabs/gatewayd/internal/ingest"
	"github.com/fyrsmithlabs/gatewayd/internal/logging"
	"github.com/fyrsmithlabs/gatewayd/internal/policy"
	"github.com/fyrsmithlabs/gatewayd/internal/recorder"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	defaultSearchK = 8
	maxSearchK     = 100
)

// handleHealth reports component status. A degraded recorder or telemetry
// exporter does not fail the check.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:    "ok",
		Telemetry: s.deps.Telemetry.Health(),
		Counts:    s.collectCounts(c.Request().Context()),
	}
	if s.deps.Recorder != nil {
		resp.Recorder = RecorderStatus{Degraded: s.deps.Recorder.Degraded(), Buffered: s.deps.Recorder.Buffered()}
	}
	if resp.Recorder.Degraded || resp.Telemetry.Degraded {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

// handleComplete runs one gateway request.
func (s *Server) handleComplete(c echo.Context) error {
	var req gateway.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestID == "" {
		req.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}

	resp, err := s.deps.Gateway.Handle(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSearch runs a hybrid search without calling a model.
func (s *Server) handleSearch(c echo.Context) error {
	if s.deps.Retriever == nil {
		return unavailable("retrieval")
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	switch {
	case req.K <= 0:
		req.K = defaultSearchK
	case req.K > maxSearchK:
		req.K = maxSearchK
	}

	results, err := s.deps.Retriever.Query(c.Request().Context(), req.Query, req.K, req.ACLAllow)
	if err != nil {
		return httpError(err)
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// handleIngest normalizes and indexes pushed records. Rejected records are
// reported per record; the request fails with 400 only when every record
// was rejected.
func (s *Server) handleIngest(c echo.Context) error {
	if s.deps.Syncer == nil {
		return unavailable("ingest")
	}
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Records) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "records field is required")
	}

	ctx := c.Request().Context()
	now := time.Now().UTC()
	resp := IngestResponse{Results: make([]IngestOutcome, 0, len(req.Records))}
	var summary ingest.SyncResult
	var firstReject error
	for _, wr := range req.Records {
		rec := wr.Raw()
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = now
		}
		outcome, _, err := s.deps.Syncer.Ingest(ctx, rec)
		o := IngestOutcome{DocumentID: rec.DocumentID(), Outcome: outcome}
		if err != nil {
			if !errors.Is(err, ingest.ErrUnsupportedSourceFormat) {
				return httpError(err)
			}
			o.Error = err.Error()
			if firstReject == nil {
				firstReject = err
			}
		}
		summary.Fetched++
		switch outcome {
		case ingest.OutcomeIndexed:
			summary.Indexed++
		case ingest.OutcomeUnchanged:
			summary.Unchanged++
		case ingest.OutcomeDeleted:
			summary.Deleted++
		case ingest.OutcomeRejected:
			summary.Rejected++
		}
		if rec.UpdatedAt.After(summary.Watermark) {
			summary.Watermark = rec.UpdatedAt
		}
		resp.Results = append(resp.Results, o)
	}
	s.recordEvent(c, recorder.TypeIngestSync, summary)

	if summary.Rejected == len(req.Records) {
		return httpError(firstReject)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleInvoke submits a tool invocation on behalf of a role. The tool must
// be allowed by the resolved policy rule. Pending invocations answer 202.
func (s *Server) handleInvoke(c echo.Context) error {
	if s.deps.Tools == nil {
		return unavailable("tools")
	}
	var req InvokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Role == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role field is required")
	}
	rule, err := s.deps.Policy.Resolve(req.Role, req.SensitivityTier, req.BudgetTier)
	if err != nil {
		return httpError(err)
	}
	inv := req.Invocation
	if !rule.AllowsTool(inv.ToolID) {
		return httpError(fmt.Errorf("%w: tool %s not allowed for role %s", policy.ErrPolicyDenied, inv.ToolID, req.Role))
	}
	if inv.RequestID == "" {
		inv.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}

	ctx := c.Request().Context()
	var res tools.Result
	if req.Wait {
		res, err = s.deps.Tools.Invoke(ctx, inv)
	} else {
		res, err = s.deps.Tools.Submit(ctx, inv)
	}
	switch {
	case err == nil && res.ApprovalState == tools.ApprovalPending:
		return c.JSON(http.StatusAccepted, res)
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, tools.ErrApprovalPending):
		return c.JSON(http.StatusAccepted, res)
	case errors.Is(err, tools.ErrExecutionFailed) && res.InvocationID != "":
		return c.JSON(http.StatusBadGateway, res)
	default:
		return httpError(err)
	}
}

// handleListApprovals lists invocations awaiting a decision.
func (s *Server) handleListApprovals(c echo.Context) error {
	if s.deps.Tools == nil {
		return unavailable("tools")
	}
	pending, err := s.deps.Tools.Pending(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if pending == nil {
		pending = []tools.Record{}
	}
	return c.JSON(http.StatusOK, ApprovalsResponse{Pending: pending})
}

// handleDecide approves or rejects a pending invocation.
func (s *Server) handleDecide(c echo.Context) error {
	if s.deps.Tools == nil {
		return unavailable("tools")
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved field is required")
	}

	id := c.Param("id")
	ctx := logging.WithInvocationID(c.Request().Context(), id)
	rec, err := s.deps.Tools.Decide(ctx, id, tools.Decision{
		Approved: *req.Approved,
		Reviewer: req.Reviewer,
		Reason:   req.Reason,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// handleResolve answers which rule applies to a role/sensitivity/budget
// triple.
func (s *Server) handleResolve(c echo.Context) error {
	role := c.QueryParam("role")
	if role == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role query parameter is required")
	}
	rule, err := s.deps.Policy.Resolve(role, c.QueryParam("sensitivity"), c.QueryParam("budget"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rule)
}

func (s *Server) recordEvent(c echo.Context, eventType string, v any) {
	if s.deps.Recorder == nil {
		return
	}
	ctx := c.Request().Context()
	ev, err := recorder.NewEvent(eventType, logging.RequestIDFromContext(ctx), v)
	if err == nil {
		err = s.deps.Recorder.Record(ev)
	}
	if err != nil {
		s.logger.Warn(ctx, "event not recorded", zap.String("type", eventType), zap.Error(err))
	}
}
