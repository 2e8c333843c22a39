// Command substrate is the CLI entry point for the Substrate orchestration
// core: it drives a validated task graph to completion by dispatching its
// tasks to coding agents running in isolated git worktrees, tracking cost,
// enforcing budgets, and recovering from crashes.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/johnplanow/substrate-sub008/internal/cmd"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	cmd.Version = Version
	rootCmd := cmd.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(cmd.ExitSystemError)
	}
}
