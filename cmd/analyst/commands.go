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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/config"
)

// Set by -ldflags "-X main.buildVersion=...".
var buildVersion = ""

// newRootCmd assembles the command tree. Tests build a fresh tree per case
// so flag state never leaks between them.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "analyst",
		Short:         "Run and inspect the analyst toolkit tool server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// --- Server ---
	root.AddCommand(newServeCmd())

	// --- Inspection ---
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect run ledgers on disk",
	}
	ledgerCmd.AddCommand(newLedgerShowCmd(), newLedgerRunsCmd())
	root.AddCommand(ledgerCmd)

	// --- Client ---
	root.AddCommand(newHealthCmd(), newToolsCmd())

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version())
			return err
		},
	})
	return root
}

func version() string {
	if buildVersion != "" {
		return buildVersion
	}
	return config.Default().Version
}
