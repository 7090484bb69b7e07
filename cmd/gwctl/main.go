// Package main implements gwctl, a CLI for manual operations against a
// running gatewayd.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// client talks to the gatewayd HTTP API.
type client struct {
	serverURL string
	timeout   time.Duration
}

func newRootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:   "gwctl",
		Short: "CLI for gatewayd HTTP server operations",
		Long: `gwctl is a command-line interface for the gatewayd HTTP API.
It sends completions and searches, ingests records, invokes tools,
decides pending approvals and shows a live dashboard.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.serverURL, "server", "http://localhost:9191", "gatewayd server URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 60*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(c),
		newCompleteCmd(c),
		newSearchCmd(c),
		newIngestCmd(c),
		newToolsCmd(c),
		newApprovalsCmd(c),
		newPolicyCmd(c),
		newTopCmd(c),
	)
	return root
}

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// do sends body as JSON and decodes a 2xx response into out. It returns
// the status code so callers can tell 200 from 202.
func (c *client) do(method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	url := strings.TrimRight(c.serverURL, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := &http.Client{Timeout: c.timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return resp.StatusCode, fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// errorMessage pulls echo's {"message": ...} out of an error body.
func errorMessage(raw []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHealthCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gatewayd server health",
		Long: `Check the health status of the gatewayd HTTP server.

Examples:
  gwctl health
  gwctl health --server http://localhost:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health struct {
				Status string `json:"status"`
				Counts struct {
					PolicyRules      int    `json:"policy_rules"`
					PolicyVersion    uint64 `json:"policy_version"`
					Models           int    `json:"models"`
					Tools            int    `json:"tools"`
					PendingApprovals int    `json:"pending_approvals"`
				} `json:"counts"`
			}
			if _, err := c.do(http.MethodGet, "/health", nil, &health); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server Status:     %s\n", health.Status)
			fmt.Fprintf(out, "Server URL:        %s\n", c.serverURL)
			fmt.Fprintf(out, "Policy Rules:      %d (version %d)\n", health.Counts.PolicyRules, health.Counts.PolicyVersion)
			fmt.Fprintf(out, "Models:            %d\n", health.Counts.Models)
			fmt.Fprintf(out, "Tools:             %d\n", health.Counts.Tools)
			fmt.Fprintf(out, "Pending Approvals: %d\n", health.Counts.PendingApprovals)
			return nil
		},
	}
}
