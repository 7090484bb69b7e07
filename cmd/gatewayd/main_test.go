package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gatewayd/internal/config"
)

const testPolicy = `
rules:
  - role: analyst
    sensitivity: "*"
    budget: "*"
    models: [fast-small]
`

func TestMainIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o600))

	cfg, err := config.LoadBytes([]byte(`
server:
  http_port: 8084
policy:
  file: ` + policyPath + `
embeddings:
  dimension: 64
registry:
  models:
    - id: fast-small
      provider: anthropic
      capabilities: [chat]
      cost_per_token: 0.000001
      baseline_latency_ms: 300
`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg)
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://localhost:8084/health")
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Counts struct {
			PolicyRules int `json:"policy_rules"`
			Models      int `json:"models"`
		} `json:"counts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, 1, health.Counts.PolicyRules)
	assert.Equal(t, 1, health.Counts.Models)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shutdown in time")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg, err := config.LoadBytes(nil)
	require.NoError(t, err)
	cfg.Index.Provider = "cassandra"
	err = run(context.Background(), cfg)
	assert.ErrorContains(t, err, "index.provider")
}
