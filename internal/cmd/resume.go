package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub008/internal/config"
	"github.com/johnplanow/substrate-sub008/internal/lifecycle"
)

// NewResumeCommand creates the resume command.
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume an interrupted session",
		Long: `Resume a session left interrupted by a prior process (a crash, or a
graceful shutdown on SIGINT/SIGTERM), continuing its task graph from
wherever the last run left off. Crash recovery runs first, re-queuing any
task still marked running as pending (and failing it outright if its retry
budget is already exhausted).

With no argument, resumes the most recently interrupted session. Pass a
session id explicitly to resume a specific one.

Examples:
  substrate resume
  substrate resume a1b2c3d4`,
		Args: cobra.MaximumNArgs(1),
		RunE: resumeCommand,
	}

	cmd.Flags().String("config", ".substrate/config.yaml", "Path to config file")
	cmd.Flags().String("project-dir", ".", "Project root the worktrees branch from")
	cmd.Flags().Int("max-concurrency", 0, "Override max concurrent tasks (0 = use config)")

	return cmd
}

func resumeCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	configPath, _ := cmd.Flags().GetString("config")
	projectDir, _ := cmd.Flags().GetString("project-dir")
	maxConcurrency, _ := cmd.Flags().GetInt("max-concurrency")

	cfg, err := config.Load(configPath)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("load config: %w", err)}
	}
	cfg.MergeFlags(maxConcurrency, "", "", "")
	if err := cfg.Validate(); err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("invalid config: %w", err)}
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

	sessionID := ""
	if len(args) == 1 {
		sessionID = args[0]
	} else {
		interrupted, err := lifecycle.FindInterruptedSession(ctx, o.Store())
		if err != nil {
			return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("find interrupted session: %w", err)}
		}
		if interrupted == nil {
			return usageErrorf("no interrupted session to resume")
		}
		sessionID = interrupted.ID
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
