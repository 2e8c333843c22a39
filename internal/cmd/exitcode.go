package cmd

import (
	"context"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

// Exit codes emitted by Substrate's drivers, per spec.md §6.
const (
	ExitSuccess        = 0
	ExitSystemError    = 1
	ExitUsageError     = 2
	ExitBudgetExceeded = 3
	ExitAllTasksFailed = 4
	ExitInterrupted    = 130
)

// ExitError carries a specific process exit code alongside the wrapped
// error, letting main map a command failure to one of spec.md §6's exit
// codes instead of always exiting 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return "exit error"
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// usageErrorf builds an ExitError carrying ExitUsageError.
func usageErrorf(format string, args ...interface{}) error {
	return &ExitError{Code: ExitUsageError, Err: fmt.Errorf(format, args...)}
}

// sessionExitCode maps a finished session's terminal status to the exit
// code its driving command should report, per spec.md §6. A "failed"
// session is ambiguous on status alone — it covers both an ordinary task
// failure and a budget-enforcer terminate-all — so a failed session's
// execution log is consulted for a session-budget-exceeded entry to tell
// the two apart.
func sessionExitCode(ctx context.Context, st *store.Store, sessionID string, status models.SessionStatus) int {
	switch status {
	case models.SessionCompleted, models.SessionCancelled:
		return ExitSuccess
	case models.SessionInterrupted:
		return ExitInterrupted
	case models.SessionFailed:
		if budgetTerminated(ctx, st, sessionID) {
			return ExitBudgetExceeded
		}
		return ExitAllTasksFailed
	default:
		return ExitSystemError
	}
}

// budgetTerminated reports whether a session's execution log records the
// budget enforcer's terminate-all action.
func budgetTerminated(ctx context.Context, st *store.Store, sessionID string) bool {
	entries, err := store.ListLogEntries(ctx, st.DB(), sessionID)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Kind == string(bus.KindSessionBudgetExceeded) {
			return true
		}
	}
	return false
}
