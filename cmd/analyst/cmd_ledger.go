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
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/config"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
)

// openLedger opens the configured backend read side. The returned close
// func releases the badger database when one was opened.
func openLedger(historyDir, backend string) (*ledger.Ledger, func(), error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	if historyDir != "" {
		cfg.HistoryDir = historyDir
	}
	if backend != "" {
		cfg.LedgerBackend = backend
		cfg.BadgerDir = ""
	}
	cfg.ApplyDefaults()

	if cfg.LedgerBackend != config.LedgerBadger {
		return ledger.New(ledger.NewFileBackend(cfg.HistoryDir, nil, nil)), func() {}, nil
	}
	db, err := kv.Open(kv.DefaultConfig(cfg.BadgerDir))
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger database %s: %w", cfg.BadgerDir, err)
	}
	return ledger.New(ledger.NewBadgerBackend(db)), func() { _ = db.Close() }, nil
}

type ledgerFlags struct {
	historyDir string
	backend    string
	jsonOutput bool
}

func (f *ledgerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.historyDir, "history-dir", "", "run ledger directory (ANALYST_MCP_HISTORY_DIR)")
	cmd.Flags().StringVar(&f.backend, "ledger-backend", "", "file or badger (ANALYST_MCP_LEDGER_BACKEND)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "print JSON even on a terminal")
}

// newLedgerShowCmd prints one run's history.
//
// # Examples
//
//	analyst ledger show run_2025_01_01
//	analyst ledger show run_2025_01_01 --failures-only --limit 5
//	analyst ledger show run_2025_01_01 --json | jq .
func newLedgerShowCmd() *cobra.Command {
	var (
		f            ledgerFlags
		failuresOnly bool
		limit        int
	)
	cmd := &cobra.Command{
		Use:   "show [run_id]",
		Short: "Print the history of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ledger.ValidateRunID(args[0]); err != nil {
				return err
			}
			l, closeFn, err := openLedger(f.historyDir, f.backend)
			if err != nil {
				return err
			}
			defer closeFn()

			hist, err := l.Read(cmd.Context(), args[0], ledger.ReadOptions{FailuresOnly: failuresOnly, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.jsonOutput || !isTerminal(out) {
				return writeJSON(out, hist)
			}
			return printHistory(out, hist)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&failuresOnly, "failures-only", false, "only failed entries")
	cmd.Flags().IntVar(&limit, "limit", 0, "keep the last N entries")
	return cmd
}

func newLedgerRunsCmd() *cobra.Command {
	var f ledgerFlags
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List run ids with history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, closeFn, err := openLedger(f.historyDir, f.backend)
			if err != nil {
				return err
			}
			defer closeFn()

			runs, err := l.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.jsonOutput || !isTerminal(out) {
				return writeJSON(out, runs)
			}
			for _, r := range runs {
				fmt.Fprintln(out, r)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func printHistory(w io.Writer, hist *ledger.History) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SEQ\tMODULE\tSTATUS\tSESSION\tTIME\tERROR\n")
	for _, e := range hist.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Module, e.Status, e.SessionID, e.Timestamp.Format("2006-01-02 15:04:05"), e.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d of %d entries for %s\n", len(hist.Entries), hist.Total, hist.RunID)
	if hist.Recovered() {
		fmt.Fprintf(w, "warning: history recovered with %d parse errors and %d skipped records\n",
			len(hist.ParseErrors), hist.SkippedRecords)
	}
	return nil
}
