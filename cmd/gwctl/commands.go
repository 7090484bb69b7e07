package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fyrsmithlabs/gatewayd/internal/monitor"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// routing flags shared by complete and policy check
type routing struct {
	role        string
	sensitivity string
	budget      string
}

func (r *routing) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.role, "role", "", "caller role (required)")
	cmd.Flags().StringVar(&r.sensitivity, "sensitivity", "low", "data sensitivity tier")
	cmd.Flags().StringVar(&r.budget, "budget", "standard", "budget tier")
	_ = cmd.MarkFlagRequired("role")
}

func newCompleteCmd(c *client) *cobra.Command {
	var (
		rt           routing
		acl          []string
		capabilities []string
		tools        []string
		model        string
		maxCost      float64
		maxLatency   float64
		showTrace    bool
	)
	cmd := &cobra.Command{
		Use:   "complete <query>",
		Short: "Send a grounded completion request",
		Long: `Send a query through policy resolution, model selection and retrieval.

Examples:
  gwctl complete --role analyst --acl sales "who owns the Acme account?"
  gwctl complete --role analyst --model big-reasoner --trace "summarize open tickets"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"role":                  rt.role,
				"sensitivity_tier":      rt.sensitivity,
				"budget_tier":           rt.budget,
				"query":                 strings.Join(args, " "),
				"acl_allow":             acl,
				"required_capabilities": capabilities,
				"candidate_tools":       tools,
				"model_override":        model,
				"max_cost":              maxCost,
				"max_latency_ms":        maxLatency,
			}
			var resp struct {
				RequestID string          `json:"request_id"`
				ModelID   string          `json:"model_id"`
				Text      string          `json:"text"`
				Trace     json.RawMessage `json:"trace"`
				Tools     json.RawMessage `json:"tools"`
			}
			if _, err := c.do(http.MethodPost, "/api/v1/complete", req, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Text)
			fmt.Fprintf(cmd.ErrOrStderr(), "[gwctl] request %s served by %s\n", resp.RequestID, resp.ModelID)
			if showTrace {
				var trace any
				if err := json.Unmarshal(resp.Trace, &trace); err != nil {
					return fmt.Errorf("failed to decode trace: %w", err)
				}
				return printJSON(cmd, trace)
			}
			return nil
		},
	}
	rt.bind(cmd)
	cmd.Flags().StringSliceVar(&acl, "acl", nil, "ACL tags the caller holds")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "required model capability tags")
	cmd.Flags().StringSliceVar(&tools, "tool", nil, "tools offered to the model")
	cmd.Flags().StringVar(&model, "model", "", "explicit model override")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "maximum cost per token (0 = no limit)")
	cmd.Flags().Float64Var(&maxLatency, "max-latency", 0, "maximum baseline latency in ms (0 = no limit)")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print the selection trace")
	return cmd
}

func newSearchCmd(c *client) *cobra.Command {
	var (
		acl []string
		k   int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search without calling a model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Results []struct {
					Chunk struct {
						ChunkID string `json:"chunk_id"`
						Text    string `json:"text"`
					} `json:"chunk"`
					FusedScore float64 `json:"fused_score"`
				} `json:"results"`
			}
			req := map[string]any{"query": strings.Join(args, " "), "k": k, "acl_allow": acl}
			if _, err := c.do(http.MethodPost, "/api/v1/search", req, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "No results.")
				return nil
			}
			for _, r := range resp.Results {
				fmt.Fprintf(out, "%.4f  %s\n        %s\n", r.FusedScore, r.Chunk.ChunkID, oneLine(r.Chunk.Text, 100))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&acl, "acl", nil, "ACL tags the caller holds")
	cmd.Flags().IntVarP(&k, "limit", "k", 8, "number of results")
	return cmd
}

func newIngestCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Ingest a JSON array of source records",
		Long: `Ingest records into the retrieval index. The input is a JSON array of
{"source_system", "source_id", "payload", "acl_tags", "deleted"} objects.

Examples:
  gwctl ingest contacts.json
  cat tickets.json | gwctl ingest -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			var records []json.RawMessage
			if err := json.Unmarshal(content, &records); err != nil {
				return fmt.Errorf("input must be a JSON array of records: %w", err)
			}
			if len(records) == 0 {
				return fmt.Errorf("no records to ingest")
			}
			var resp struct {
				Results []struct {
					DocumentID string `json:"document_id"`
					Outcome    string `json:"outcome"`
					Error      string `json:"error"`
				} `json:"results"`
			}
			if _, err := c.do(http.MethodPost, "/api/v1/ingest", map[string]any{"records": records}, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range resp.Results {
				line := fmt.Sprintf("%-10s %s", r.Outcome, r.DocumentID)
				if r.Error != "" {
					line += ": " + r.Error
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newToolsCmd(c *client) *cobra.Command {
	tools := &cobra.Command{
		Use:   "tools",
		Short: "Invoke catalog tools",
	}

	var (
		rt     routing
		id     string
		params string
		dryRun bool
		wait   bool
	)
	invoke := &cobra.Command{
		Use:   "invoke <tool-id>",
		Short: "Invoke a tool through the approval gate",
		Long: `Invoke a tool. High-impact tools stay pending until approved with
"gwctl approvals approve". Re-running with the same --id replays the
recorded result instead of executing again.

The tool must be allowed by the policy rule for --role.

Examples:
  gwctl tools invoke crm.create_ticket --role analyst --params '{"title":"Follow up"}'
  gwctl tools invoke erp.issue_refund --role finance --id refund-42 --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			req := map[string]any{
				"invocation_id":    id,
				"tool_id":          args[0],
				"dry_run":          dryRun,
				"wait":             wait,
				"role":             rt.role,
				"sensitivity_tier": rt.sensitivity,
				"budget_tier":      rt.budget,
			}
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params must be valid JSON")
				}
				req["params"] = json.RawMessage(params)
			}
			var res map[string]any
			status, err := c.do(http.MethodPost, "/api/v1/tools/invoke", req, &res)
			if err != nil {
				return err
			}
			if status == http.StatusAccepted {
				fmt.Fprintf(cmd.ErrOrStderr(), "[gwctl] invocation %s is pending approval\n", id)
			}
			return printJSON(cmd, res)
		},
	}
	rt.bind(invoke)
	invoke.Flags().StringVar(&id, "id", "", "invocation id (default: random)")
	invoke.Flags().StringVar(&params, "params", "", "tool parameters as JSON")
	invoke.Flags().BoolVar(&dryRun, "dry-run", false, "describe the effect without executing")
	invoke.Flags().BoolVar(&wait, "wait", false, "block until the invocation is approved or rejected")

	tools.AddCommand(invoke)
	return tools
}

func newApprovalsCmd(c *client) *cobra.Command {
	approvals := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide pending tool invocations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List invocations awaiting a decision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Pending []struct {
					Invocation struct {
						InvocationID string          `json:"invocation_id"`
						ToolID       string          `json:"tool_id"`
						Params       json.RawMessage `json:"params"`
						DryRun       bool            `json:"dry_run"`
					} `json:"invocation"`
				} `json:"pending"`
			}
			if _, err := c.do(http.MethodGet, "/api/v1/approvals", nil, &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(resp.Pending) == 0 {
				fmt.Fprintln(out, "No pending approvals.")
				return nil
			}
			for _, p := range resp.Pending {
				inv := p.Invocation
				mode := ""
				if inv.DryRun {
					mode = " [dry-run]"
				}
				fmt.Fprintf(out, "%s  %s%s  %s\n", inv.InvocationID, inv.ToolID, mode, string(inv.Params))
			}
			return nil
		},
	}

	approvals.AddCommand(list, decideCmd(c, "approve", true), decideCmd(c, "reject", false))
	return approvals
}

func decideCmd(c *client, use string, approved bool) *cobra.Command {
	var reviewer, reason string
	cmd := &cobra.Command{
		Use:   use + " <invocation-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending invocation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"approved": approved, "reviewer": reviewer, "reason": reason}
			var rec struct {
				ApprovalState string `json:"approval_state"`
			}
			if _, err := c.do(http.MethodPost, "/api/v1/approvals/"+url.PathEscape(args[0]), req, &rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], rec.ApprovalState)
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", os.Getenv("USER"), "reviewer name")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the decision")
	return cmd
}

func newPolicyCmd(c *client) *cobra.Command {
	policy := &cobra.Command{
		Use:   "policy",
		Short: "Inspect routing policy",
	}
	var rt routing
	check := &cobra.Command{
		Use:   "check",
		Short: "Show the rule that applies to a role, sensitivity and budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("role", rt.role)
			q.Set("sensitivity", rt.sensitivity)
			q.Set("budget", rt.budget)
			var rule map[string]any
			if _, err := c.do(http.MethodGet, "/api/v1/policy/resolve?"+q.Encode(), nil, &rule); err != nil {
				return err
			}
			return printJSON(cmd, rule)
		},
	}
	rt.bind(check)
	policy.AddCommand(check)
	return policy
}

func readInput(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "-" {
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return content, nil
	}
	content, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", arg, err)
	}
	return content, nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func newTopCmd(c *client) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of request, tool and recorder activity",
		Long: `Poll /health and /metrics and render request rates, stage latency,
tool outcomes and pending approvals.

Examples:
  gwctl top
  gwctl top --interval 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return monitor.Run(cmd.Context(), c.serverURL, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}
