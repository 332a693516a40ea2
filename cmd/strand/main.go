// Package main is the strand CLI: an event-sourced agent runtime serving
// runs over HTTP and server-sent events.
//
// Start the server:
//
//	strand serve
//
// Inspect a running server:
//
//	strand sessions list
//	strand sessions state <sessionId>
//	strand events <runId>
//
// Configuration comes from the environment:
//
//   - STRAND_PORT: HTTP listen port (default 4200)
//   - STRAND_DB: ledger database path, or ":memory:"
//   - STRAND_WORKSPACE: workspace root for runs (default CWD)
//   - STRAND_MODEL: default model id
//   - ANTHROPIC_API_KEY: provider credential
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
