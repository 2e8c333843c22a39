package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/johnplanow/substrate-sub008/internal/config"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show session and task status from the durable store",
		Long: `With no argument, lists every session known to the durable store, most
recently updated first. Given a session id, shows that session's detail
plus the status of every task in it.

This is a read-only query against the store; it does not require a running
orchestrator process.

Examples:
  substrate status
  substrate status a1b2c3d4`,
		Args: cobra.MaximumNArgs(1),
		RunE: statusCommand,
	}

	cmd.Flags().String("config", ".substrate/config.yaml", "Path to config file")

	return cmd
}

func statusCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

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

	out := cmd.OutOrStdout()

	if len(args) == 0 {
		sessions, err := store.ListSessions(ctx, st.DB())
		if err != nil {
			return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("list sessions: %w", err)}
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "no sessions recorded")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tNAME\tSTATUS\tCOST\tUPDATED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t$%.4f\t%s\n", s.ID, s.Name, s.Status, s.CumulativeCost, s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	}

	sessionID := args[0]
	session, err := store.GetSession(ctx, st.DB(), sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return usageErrorf("unknown session %q", sessionID)
		}
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("load session: %w", err)}
	}

	fmt.Fprintf(out, "session %s: %s\n", session.ID, session.Name)
	fmt.Fprintf(out, "  status:   %s\n", session.Status)
	fmt.Fprintf(out, "  cost:     $%.4f (planning: $%.4f)\n", session.CumulativeCost, session.PlanningCost)
	if session.BudgetUSD > 0 {
		fmt.Fprintf(out, "  budget:   $%.2f\n", session.BudgetUSD)
	}
	fmt.Fprintf(out, "  base:     %s\n", session.BaseBranch)
	fmt.Fprintln(out)

	tasks, err := store.ListTasks(ctx, st.DB(), sessionID)
	if err != nil {
		return &ExitError{Code: ExitSystemError, Err: fmt.Errorf("list tasks: %w", err)}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tRETRIES\tCOST\tWORKER")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t$%.4f\t%s\n", t.ID, t.Status, t.RetryCount, t.MaxRetries, t.CostUSD, firstNonEmptyStatus(t.WorkerID))
	}
	return w.Flush()
}

func firstNonEmptyStatus(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
