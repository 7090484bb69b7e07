package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetrics = `# HELP gatewayd_gateway_requests_total Requests by final state.
# TYPE gatewayd_gateway_requests_total counter
gatewayd_gateway_requests_total{state="completed"} 8
gatewayd_gateway_requests_total{state="failed"} 2
# TYPE gatewayd_gateway_retries_total counter
gatewayd_gateway_retries_total{model="big-reasoner"} 1
gatewayd_gateway_retries_total{model="fast-small"} 3
# TYPE gatewayd_gateway_stage_duration_seconds histogram
gatewayd_gateway_stage_duration_seconds_bucket{stage="policy",le="0.001"} 1
gatewayd_gateway_stage_duration_seconds_bucket{stage="policy",le="+Inf"} 2
gatewayd_gateway_stage_duration_seconds_sum{stage="policy"} 0.004
gatewayd_gateway_stage_duration_seconds_count{stage="policy"} 2
gatewayd_gateway_stage_duration_seconds_bucket{stage="tools",le="0.001"} 0
gatewayd_gateway_stage_duration_seconds_bucket{stage="tools",le="+Inf"} 0
gatewayd_gateway_stage_duration_seconds_sum{stage="tools"} 0
gatewayd_gateway_stage_duration_seconds_count{stage="tools"} 0
# TYPE gatewayd_tools_invocations_total counter
gatewayd_tools_invocations_total{outcome="executed",tool="crm.create_ticket"} 4
gatewayd_tools_invocations_total{outcome="executed",tool="erp.issue_refund"} 1
gatewayd_tools_invocations_total{outcome="pending",tool="erp.issue_refund"} 1
# TYPE gatewayd_recorder_events_total counter
gatewayd_recorder_events_total{result="appended"} 10
gatewayd_recorder_events_total{result="failed"} 2
`

const sampleHealth = `{"status":"degraded","recorder":{"degraded":true,"buffered":3},` +
	`"telemetry":{"enabled":false,"degraded":false},` +
	`"counts":{"policy_rules":4,"policy_version":2,"models":2,"tools":3,"pending_approvals":1}}`

func newGatewaydStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(sampleHealth))
		case "/metrics":
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			_, _ = w.Write([]byte(sampleMetrics))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient(t *testing.T) {
	c := NewClient("http://localhost:9191/", 0)
	assert.Equal(t, "http://localhost:9191", c.baseURL)
	assert.Equal(t, 2*time.Second, c.client.Timeout)
}

func TestClient_Snapshot(t *testing.T) {
	srv := newGatewaydStub(t)
	snap, err := NewClient(srv.URL, time.Second).Snapshot(context.Background())
	require.NoError(t, err)

	assert.False(t, snap.TakenAt.IsZero())
	assert.Equal(t, "degraded", snap.Health.Status)
	assert.True(t, snap.Health.Recorder.Degraded)
	assert.Equal(t, 3, snap.Health.Recorder.Buffered)
	assert.Equal(t, 1, snap.Health.Counts.PendingApprovals)
	assert.Equal(t, uint64(2), snap.Health.Counts.PolicyVersion)

	assert.Equal(t, map[string]float64{"completed": 8, "failed": 2}, snap.Requests)
	assert.Equal(t, 10.0, snap.TotalRequests())
	assert.Equal(t, 4.0, snap.Retries)
	assert.Equal(t, map[string]float64{"executed": 5, "pending": 1}, snap.ToolOutcomes)
	assert.Equal(t, 2.0, snap.RecorderFailed)

	assert.InDelta(t, 0.002, snap.StageLatency["policy"], 1e-9)
	_, ok := snap.StageLatency["tools"]
	assert.False(t, ok, "stages without samples are omitted")
}

func TestClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 500")
}

func TestClient_BadMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		_, _ = w.Write([]byte("gatewayd_gateway_requests_total{state=\"completed\" 8\n"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Snapshot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse metrics")
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, time.Second).Health(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "context deadline exceeded"))
}

func TestFromFamilies_Empty(t *testing.T) {
	snap := FromFamilies(nil)
	assert.Empty(t, snap.Requests)
	assert.Empty(t, snap.ToolOutcomes)
	assert.Zero(t, snap.Retries)
	assert.Zero(t, snap.TotalRequests())
}

func TestRatesBetween(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	prev := Snapshot{
		TakenAt:      t0,
		Requests:     map[string]float64{"completed": 10, "failed": 1},
		Retries:      2,
		ToolOutcomes: map[string]float64{"executed": 3},
	}
	cur := Snapshot{
		TakenAt:      t0.Add(30 * time.Second),
		Requests:     map[string]float64{"completed": 14, "failed": 2},
		Retries:      2,
		ToolOutcomes: map[string]float64{"executed": 4},
	}

	tests := []struct {
		name string
		prev Snapshot
		cur  Snapshot
		want Rates
	}{
		{"per minute", prev, cur, Rates{Requests: 10, Failures: 2, Retries: 0, Executed: 2}},
		{"first scrape", Snapshot{}, cur, Rates{}},
		{"same instant", cur, cur, Rates{}},
		{"counter reset", cur, Snapshot{TakenAt: cur.TakenAt.Add(time.Minute)}, Rates{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RatesBetween(tt.prev, tt.cur))
		})
	}
}
