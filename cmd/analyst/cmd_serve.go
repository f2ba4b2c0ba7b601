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
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/config"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

type serveFlags struct {
	port          int
	logLevel      string
	historyDir    string
	ledgerBackend string
	templateDir   string
	exportDir     string
	inMemory      bool
	sessionTTL    time.Duration
	jobWorkers    int
	rateLimitRPS  float64
	traceExporter string
}

// newServeCmd starts the tool server.
//
// # Description
//
// Loads the environment configuration, lays explicitly set flags over it,
// builds the service and blocks until SIGINT or SIGTERM. The auth token is
// only read from ANALYST_MCP_AUTH_TOKEN so it never shows up in process
// listings.
//
// # Examples
//
//	analyst serve
//	analyst serve --port 9000 --ledger-backend badger
//	analyst serve --in-memory --log-level debug
func newServeCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON-RPC tool server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			if buildVersion != "" {
				cfg.Version = buildVersion
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	fs := cmd.Flags()
	fs.IntVarP(&f.port, "port", "p", 0, "HTTP port (ANALYST_MCP_PORT)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (ANALYST_MCP_LOG_LEVEL)")
	fs.StringVar(&f.historyDir, "history-dir", "", "run ledger directory (ANALYST_MCP_HISTORY_DIR)")
	fs.StringVar(&f.ledgerBackend, "ledger-backend", "", "file or badger (ANALYST_MCP_LEDGER_BACKEND)")
	fs.StringVar(&f.templateDir, "template-dir", "", "golden template directory (ANALYST_MCP_TEMPLATE_DIR)")
	fs.StringVar(&f.exportDir, "export-dir", "", "artifact export directory (ANALYST_MCP_EXPORT_DIR)")
	fs.BoolVar(&f.inMemory, "in-memory", false, "keep job state in memory (ANALYST_MCP_IN_MEMORY_STATE)")
	fs.DurationVar(&f.sessionTTL, "session-ttl", 0, "idle session lifetime (ANALYST_MCP_SESSION_TTL_SEC)")
	fs.IntVar(&f.jobWorkers, "job-workers", 0, "async job workers (ANALYST_MCP_JOB_WORKERS)")
	fs.Float64Var(&f.rateLimitRPS, "rate-limit", 0, "requests per second on /rpc, 0 disables (ANALYST_MCP_RATE_LIMIT_RPS)")
	fs.StringVar(&f.traceExporter, "trace-exporter", "", "none, stdout or otlp (ANALYST_MCP_TRACE_EXPORTER)")
	return cmd
}

// apply copies every flag the user set onto cfg.
func (f *serveFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := fs.Changed
	if set("port") {
		cfg.Port = f.port
	}
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("history-dir") {
		cfg.HistoryDir = f.historyDir
	}
	if set("ledger-backend") {
		cfg.LedgerBackend = f.ledgerBackend
	}
	if set("template-dir") {
		cfg.TemplateDir = f.templateDir
	}
	if set("export-dir") {
		cfg.ExportDir = f.exportDir
	}
	if set("in-memory") {
		cfg.InMemoryState = f.inMemory
	}
	if set("session-ttl") {
		cfg.SessionTTL = f.sessionTTL
	}
	if set("job-workers") {
		cfg.JobWorkers = f.jobWorkers
	}
	if set("rate-limit") {
		cfg.RateLimitRPS = f.rateLimitRPS
	}
	if set("trace-exporter") {
		cfg.TraceExporter = f.traceExporter
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	svc, err := toolserver.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.Run(ctx)
}
