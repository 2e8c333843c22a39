package lifecycle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
	"github.com/johnplanow/substrate-sub008/internal/worktree"
)

// RecoverOrphanedTasks re-queues every task left in the running state by a
// process that exited without reaching a terminal status for it. A task
// under its retry budget goes back to pending; one that has exhausted it
// becomes a terminal failure, matching the same retry/terminal split the
// worker pool applies to a live failure. Recovery is silent: no bus events
// are emitted, only the execution-log rows written alongside each task's
// status change, matching the same row-is-the-record discipline every other
// status transition in the store follows.
func RecoverOrphanedTasks(ctx context.Context, st *store.Store, sessionID string) (recovered int, err error) {
	running, err := store.ListRunningTasks(ctx, st.DB(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	for _, t := range running {
		retry := t.CanRetry()
		errText := "process crashed"
		if !retry {
			errText = "process crashed and max retries exceeded"
		}

		err := st.Transaction(ctx, func(tx *sql.Tx) error {
			if err := store.FailTask(ctx, tx, sessionID, t.ID, errText, retry); err != nil {
				return err
			}
			newStatus := models.TaskFailed
			if retry {
				newStatus = models.TaskPending
			}
			_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
				Kind: "task:recovered", SessionID: sessionID, TaskID: t.ID,
				OldStatus: string(models.TaskRunning), NewStatus: string(newStatus), Data: errText,
			})
			return err
		})
		if err != nil {
			return recovered, fmt.Errorf("recover task %s: %w", t.ID, err)
		}

		recovered++
	}

	return recovered, nil
}

// ReclaimWorktrees removes every worktree left on disk whose task no longer
// legitimately owns it, cross-referencing the task table: a worktree whose
// task is still running is kept (recovery re-queues orphaned running tasks
// before this pass, so after a crash that set is empty and everything on
// disk is reclaimed). Called once at startup before any session resumes
// execution.
func ReclaimWorktrees(ctx context.Context, st *store.Store, wm *worktree.Manager) (int, error) {
	owned := make(map[string]bool)
	sessions, err := store.ListActiveSessions(ctx, st.DB())
	if err != nil {
		return 0, fmt.Errorf("list sessions for reclaim: %w", err)
	}
	for _, s := range sessions {
		running, err := store.ListRunningTasks(ctx, st.DB(), s.ID)
		if err != nil {
			return 0, fmt.Errorf("list running tasks for reclaim: %w", err)
		}
		for _, t := range running {
			owned[t.ID] = true
		}
	}

	removed, err := wm.CleanupAllWorktrees(ctx, func(taskID string) bool {
		return owned[taskID]
	})
	if err != nil {
		return removed, fmt.Errorf("reclaim worktrees: %w", err)
	}
	return removed, nil
}

// FindInterruptedSession returns the most recently updated session left in
// the interrupted status by a prior process, or nil if none exists.
func FindInterruptedSession(ctx context.Context, st *store.Store) (*models.Session, error) {
	sessions, err := store.ListActiveSessions(ctx, st.DB())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	var latest *models.Session
	for _, s := range sessions {
		if s.Status != models.SessionInterrupted {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	return latest, nil
}

// ArchiveSession moves an interrupted session out of the active set so
// future startups no longer offer to resume it.
func ArchiveSession(ctx context.Context, st *store.Store, sessionID string) error {
	return st.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateSessionStatus(ctx, tx, sessionID, models.SessionAbandoned); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: "session:archived", SessionID: sessionID, NewStatus: string(models.SessionAbandoned),
		})
		return err
	})
}
