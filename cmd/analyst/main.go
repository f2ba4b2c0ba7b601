// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command analyst runs and inspects the analyst toolkit tool server.
//
// # Usage
//
//	analyst serve --port 8001          # start the JSON-RPC server
//	analyst ledger show run_2025       # print a run's history
//	analyst health --url http://...    # probe a running server
//	analyst tools                      # list tools of a running server
//	analyst version
//
// Configuration comes from ANALYST_MCP_* environment variables; flags given
// on the command line take precedence.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
