// ============================================================================
// NTRIP Caster - Main Entry Point
// ============================================================================
//
// File: cmd/casterd/main.go
// Purpose: Application entry point and CLI initialization
//
// Version Injection:
//   Variables injected at build time via -ldflags:
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
//
// Usage:
//   ./casterd --help               # Show help
//   ./casterd --version            # Show version
//   ./casterd run                  # Start the caster
//   ./casterd run -c caster.yaml   # Start with a config file
//   ./casterd status               # Show effective configuration
//
// ============================================================================

package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/ntrip-caster/internal/cli"
)

// Build-time version injection via ldflags
var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	// Global panic recovery: uncaught panics exit with a message instead of
	// a bare stack trace.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
