package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub008/internal/config"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

var validSignals = map[string]models.SignalKind{
	"pause":  models.SignalPause,
	"resume": models.SignalResume,
	"cancel": models.SignalCancel,
}

// NewSignalCommand creates the signal command.
func NewSignalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal <session-id> <pause|resume|cancel>",
		Short: "Leave an out-of-band instruction for a running orchestrator",
		Long: `Write a durable signal row for a session. A running orchestrator process
for that session polls for new signals roughly every 500ms and acts on
every unconsumed one, in the order they were written: pause stops new tasks from dispatching
while in-flight ones finish, resume lifts a pause, and cancel stops the
session for good, marking every non-terminal task cancelled.

This command does not require the orchestrator process to be running in
the same invocation; it only writes to the durable store the running
process is polling.

Examples:
  substrate signal a1b2c3d4 pause
  substrate signal a1b2c3d4 resume
  substrate signal a1b2c3d4 cancel`,
		Args: cobra.ExactArgs(2),
		RunE: signalCommand,
	}

	cmd.Flags().String("config", ".substrate/config.yaml", "Path to config file")

	return cmd
}

func signalCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sessionID, kindArg := args[0], args[1]

	kind, ok := validSignals[kindArg]
	if !ok {
		return usageErrorf("unknown signal %q (want pause, resume, or cancel)", kindArg)
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return &ExitError{Code: ExitUsageError, Err: fmt.Errorf("load config: %w", err)}
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("open durable store: %w", err)}
	}
	defer st.Close()

	if _, err := store.GetSession(ctx, st.DB(), sessionID); err != nil {
		if err == store.ErrNotFound {
			return usageErrorf("unknown session %q", sessionID)
		}
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("load session: %w", err)}
	}

	err = st.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := store.EmitSignal(ctx, tx, sessionID, kind)
		return err
	})
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("emit signal: %w", err)}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "queued %s signal for session %s\n", kind, sessionID)
	return nil
}
