// Package cmd implements Substrate's CLI surface: run, resume, signal, and
// status subcommands, wired to internal/lifecycle.Orchestrator.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for substrate.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "substrate",
		Short: "Multi-agent software-development orchestration core",
		Long: `Substrate dispatches a DAG of coding tasks to isolated CLI-based AI coding
agents, each running as a child process in its own git worktree, while
tracking cost, enforcing budgets, and recovering cleanly from crashes.

It does not generate task graphs, call an LLM directly, or provide a TUI:
it consumes a task graph document (YAML or JSON) and drives it to
completion.`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewSignalCommand())
	cmd.AddCommand(NewStatusCommand())

	return cmd
}
