package http

import (
	"github.com/fyrsmithlabs/gatewayd/internal/ingest"
	"github.com/fyrsmithlabs/gatewayd/internal/retrieval"
	"github.com/fyrsmithlabs/gatewayd/internal/telemetry"
	"github.com/fyrsmithlabs/gatewayd/internal/tools"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"` // ok or degraded
	Recorder  RecorderStatus         `json:"recorder"`
	Telemetry telemetry.HealthStatus `json:"telemetry"`
	Counts    StatusCounts           `json:"counts"`
}

// RecorderStatus reports the audit recorder state.
type RecorderStatus struct {
	Degraded bool `json:"degraded"`
	Buffered int  `json:"buffered"`
}

// StatusCounts contains count information for various resources.
type StatusCounts struct {
	PolicyRules      int    `json:"policy_rules"`
	PolicyVersion    uint64 `json:"policy_version"`
	Models           int    `json:"models"`
	Tools            int    `json:"tools"`
	PendingApprovals int    `json:"pending_approvals"`
}

// SearchRequest is the request body for POST /api/v1/search.
type SearchRequest struct {
	Query    string   `json:"query"`
	K        int      `json:"k"`
	ACLAllow []string `json:"acl_allow"`
}

// SearchResponse is the response body for POST /api/v1/search.
type SearchResponse struct {
	Results []retrieval.Result `json:"results"`
}

// IngestRequest is the request body for POST /api/v1/ingest.
type IngestRequest struct {
	Records []ingest.WireRecord `json:"records"`
}

// IngestOutcome reports one record.
type IngestOutcome struct {
	DocumentID string         `json:"document_id"`
	Outcome    ingest.Outcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
}

// IngestResponse is the response body for POST /api/v1/ingest.
type IngestResponse struct {
	Results []IngestOutcome `json:"results"`
}

// InvokeRequest is the request body for POST /api/v1/tools/invoke. The
// routing triple selects the policy rule whose tool set must include the
// tool.
type InvokeRequest struct {
	tools.Invocation
	Role            string `json:"role"`
	SensitivityTier string `json:"sensitivity_tier"`
	BudgetTier      string `json:"budget_tier"`
	// Wait blocks until the invocation is decided or the request ends.
	Wait bool `json:"wait,omitempty"`
}

// ApprovalsResponse is the response body for GET /api/v1/approvals.
type ApprovalsResponse struct {
	Pending []tools.Record `json:"pending"`
}

// DecisionRequest is the request body for POST /api/v1/approvals/:id.
type DecisionRequest struct {
	Approved *bool  `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
