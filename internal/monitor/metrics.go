package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Metric families exported by gatewayd that the dashboard reads.
const (
	metricRequests    = "gatewayd_gateway_requests_total"
	metricRetries     = "gatewayd_gateway_retries_total"
	metricStage       = "gatewayd_gateway_stage_duration_seconds"
	metricInvocations = "gatewayd_tools_invocations_total"
	metricRecorder    = "gatewayd_recorder_events_total"
)

// Client scrapes /health and /metrics from a running gatewayd.
type Client struct {
	baseURL string
	client  *http.Client
}

// Health mirrors the /health response body.
type Health struct {
	Status   string `json:"status"`
	Recorder struct {
		Degraded bool `json:"degraded"`
		Buffered int  `json:"buffered"`
	} `json:"recorder"`
	Telemetry struct {
		Enabled  bool `json:"enabled"`
		Degraded bool `json:"degraded"`
	} `json:"telemetry"`
	Counts struct {
		PolicyRules      int    `json:"policy_rules"`
		PolicyVersion    uint64 `json:"policy_version"`
		Models           int    `json:"models"`
		Tools            int    `json:"tools"`
		PendingApprovals int    `json:"pending_approvals"`
	} `json:"counts"`
}

// Snapshot is one scrape. Counter fields are cumulative since the server
// started; the dashboard derives rates from consecutive snapshots.
type Snapshot struct {
	TakenAt time.Time
	Health  Health

	Requests       map[string]float64 // by final state
	Retries        float64
	ToolOutcomes   map[string]float64 // by outcome, summed over tools
	StageLatency   map[string]float64 // mean seconds by stage
	RecorderFailed float64
}

// TotalRequests sums requests over every final state.
func (s Snapshot) TotalRequests() float64 {
	var total float64
	for _, v := range s.Requests {
		total += v
	}
	return total
}

// NewClient creates a client for the gatewayd at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Snapshot fetches health and metrics in one pass.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	health, err := c.Health(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	families, err := c.Scrape(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := FromFamilies(families)
	snap.Health = health
	snap.TakenAt = time.Now()
	return snap, nil
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (Health, error) {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("failed to decode health: %w", err)
	}
	return h, nil
}

// Scrape fetches GET /metrics and parses the Prometheus text exposition.
func (c *Client) Scrape(ctx context.Context) (map[string]*dto.MetricFamily, error) {
	resp, err := c.get(ctx, "/metrics")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}
	return families, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, path)
	}
	return resp, nil
}

// FromFamilies folds parsed metric families into a Snapshot. Missing
// families leave their fields at zero.
func FromFamilies(families map[string]*dto.MetricFamily) Snapshot {
	snap := Snapshot{
		Requests:     sumByLabel(families[metricRequests], "state"),
		ToolOutcomes: sumByLabel(families[metricInvocations], "outcome"),
		StageLatency: make(map[string]float64),
	}
	for _, v := range sumByLabel(families[metricRetries], "model") {
		snap.Retries += v
	}
	snap.RecorderFailed = sumByLabel(families[metricRecorder], "result")["failed"]

	if mf := families[metricStage]; mf != nil {
		for _, m := range mf.GetMetric() {
			h := m.GetHistogram()
			if h == nil || h.GetSampleCount() == 0 {
				continue
			}
			snap.StageLatency[labelValue(m, "stage")] = h.GetSampleSum() / float64(h.GetSampleCount())
		}
	}
	return snap
}

func sumByLabel(mf *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if mf == nil {
		return out
	}
	for _, m := range mf.GetMetric() {
		out[labelValue(m, label)] += m.GetCounter().GetValue()
	}
	return out
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// Rates is the per-minute change between two snapshots.
type Rates struct {
	Requests float64
	Failures float64
	Retries  float64
	Executed float64
}

// RatesBetween computes per-minute rates. Counter resets (a restarted
// server) yield zero rather than a negative rate.
func RatesBetween(prev, cur Snapshot) Rates {
	minutes := cur.TakenAt.Sub(prev.TakenAt).Minutes()
	if prev.TakenAt.IsZero() || minutes <= 0 {
		return Rates{}
	}
	perMin := func(a, b float64) float64 {
		if b < a {
			return 0
		}
		return (b - a) / minutes
	}
	return Rates{
		Requests: perMin(prev.TotalRequests(), cur.TotalRequests()),
		Failures: perMin(prev.Requests["failed"], cur.Requests["failed"]),
		Retries:  perMin(prev.Retries, cur.Retries),
		Executed: perMin(prev.ToolOutcomes["executed"], cur.ToolOutcomes["executed"]),
	}
}
