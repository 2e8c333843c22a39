package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub008/internal/config"
	"github.com/johnplanow/substrate-sub008/internal/graphengine"
	"github.com/johnplanow/substrate-sub008/internal/lifecycle"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <graph-file>",
		Short: "Execute a task graph",
		Long: `Execute a task graph by dispatching its tasks to coding agents in
dependency order, each in its own git worktree.

The graph file may be YAML or JSON; format is detected from its extension.
Configuration is loaded from .substrate/config.yaml if present, overridden
by SUBSTRATE_* environment variables and then by any flags given here.

Examples:
  substrate run graph.yaml
  substrate run graph.yaml --max-concurrency 8
  substrate run graph.yaml --config custom-config.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", ".substrate/config.yaml", "Path to config file")
	cmd.Flags().String("project-dir", ".", "Project root the worktrees branch from")
	cmd.Flags().Int("max-concurrency", 0, "Override max concurrent tasks (0 = use config)")
	cmd.Flags().String("base-branch", "", "Override the base branch tasks branch from")

	return cmd
}

func runCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	configPath, _ := cmd.Flags().GetString("config")
	projectDir, _ := cmd.Flags().GetString("project-dir")
	maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")
	baseBranch, _ := cmd.Flags().GetString("base-branch")

	cfg, err := config.Load(configPath)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("load config: %w", err)}
	}
	cfg.MergeFlags(maxConcurrency, "", "", baseBranch)
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("invalid config: %w", err)}
	}

	doc, err := graphengine.ParseFile(args[0])
	if err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("parse task graph %s: %w", args[0], err)}
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: err}
	}

	absProjectDir, err := filepath.Abs(projectDir)
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("resolve project dir: %w", err)}
	}

	o, err := lifecycle.New(ctx, cfg, absProjectDir, registry, nil, cmd.OutOrStdout())
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("build orchestrator: %w", err)}
	}
	defer o.Close()

	if err := o.Bootstrap(ctx); err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("bootstrap: %w", err)}
	}

	sessionID, err := o.LoadGraph(ctx, doc, args[0], knownAgents(cfg))
	if err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("load task graph: %w", err)}
	}

	session, err := o.RunSession(ctx, sessionID)
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("run session: %w", err)}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s finished with status %s (cost $%.4f)\n",
		session.ID, session.Status, session.CumulativeCost)

	if code := sessionExitCode(ctx, o.Store(), session.ID, session.Status); code != ExitSuccess {
		return &ExitError{Code: code, Err: fmt.Errorf("session ended with status %s", session.Status)}
	}
	return nil
}
