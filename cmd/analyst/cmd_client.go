// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/rpc"
)

// =============================================================================
// HTTP CLIENT
// =============================================================================

type clientFlags struct {
	url        string
	timeout    time.Duration
	jsonOutput bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "http://localhost:8001", "tool server base URL")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "print JSON even on a terminal")
}

// do sends one request with the bearer token from ANALYST_MCP_AUTH_TOKEN
// when it is set.
func (f *clientFlags) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(f.url, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("ANALYST_MCP_AUTH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return data, fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// newHealthCmd probes /health and /ready of a running server.
func newHealthCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check liveness and readiness of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := f.do(cmd.Context(), http.MethodGet, "/health", nil)
			if err != nil {
				return err
			}
			var health struct {
				Status    string   `json:"status"`
				Version   string   `json:"version"`
				UptimeSec int64    `json:"uptime_sec"`
				Tools     []string `json:"tools"`
			}
			if err := json.Unmarshal(data, &health); err != nil {
				return fmt.Errorf("decode /health: %w", err)
			}
			ready := "ready"
			if body, err := f.do(cmd.Context(), http.MethodGet, "/ready", nil); err != nil {
				ready = "not ready: " + strings.TrimSpace(string(body))
			}

			out := cmd.OutOrStdout()
			if f.jsonOutput || !isTerminal(out) {
				return writeJSON(out, map[string]any{
					"status":     health.Status,
					"version":    health.Version,
					"uptime_sec": health.UptimeSec,
					"tools":      len(health.Tools),
					"ready":      ready == "ready",
				})
			}
			fmt.Fprintf(out, "status:  %s\nversion: %s\nuptime:  %s\ntools:   %d\nready:   %s\n",
				health.Status, health.Version, time.Duration(health.UptimeSec)*time.Second, len(health.Tools), ready)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// newToolsCmd lists the tools a running server advertises.
func newToolsCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, _ := json.Marshal(rpc.Request{JSONRPC: rpc.Version, ID: json.RawMessage(`1`), Method: rpc.MethodToolsList})
			data, err := f.do(cmd.Context(), http.MethodPost, "/rpc", req)
			if err != nil {
				return err
			}
			var resp struct {
				Result struct {
					Tools []struct {
						Name        string `json:"name"`
						Description string `json:"description"`
					} `json:"tools"`
				} `json:"result"`
				Error *rpc.Error `json:"error"`
			}
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("decode tools/list: %w", err)
			}
			if resp.Error != nil {
				return resp.Error
			}

			out := cmd.OutOrStdout()
			if f.jsonOutput || !isTerminal(out) {
				return writeJSON(out, resp.Result.Tools)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, t := range resp.Result.Tools {
				fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstSentence(t.Description))
			}
			return tw.Flush()
		},
	}
	f.register(cmd)
	return cmd
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}
