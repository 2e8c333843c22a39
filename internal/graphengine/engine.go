// Package graphengine implements the task graph engine: ingestion of task
// graph documents into the durable store, and the single-threaded state
// machine that drives tasks through pending -> ready -> running ->
// completed|failed|cancelled as the worker pool reports progress.
package graphengine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/johnplanow/substrate-sub008/internal/bus"
	"github.com/johnplanow/substrate-sub008/internal/models"
	"github.com/johnplanow/substrate-sub008/internal/store"
)

// State is the engine's own run state, distinct from any one session's
// status.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateExecuting
	StatePaused
)

// Engine is the task graph engine. One Engine drives one session at a time;
// all public methods serialize through mu, matching the durable store's
// single-writer-connection contract.
type Engine struct {
	mu    sync.Mutex
	store *store.Store
	bus   *bus.Bus
	state State

	sessionID string
	running   map[string]bool // taskID -> true while running
}

// New creates an engine bound to a store and event bus.
func New(st *store.Store, b *bus.Bus) *Engine {
	return &Engine{store: st, bus: b, state: StateIdle, running: make(map[string]bool)}
}

// Load validates a parsed document and persists its session, tasks, and
// dependency edges as a single transaction. It does not start execution.
// Returns the new session id.
func Load(ctx context.Context, st *store.Store, doc *Document, source string, knownAgents map[string]bool) (string, error) {
	result := Validate(doc, knownAgents)
	if !result.OK() {
		return "", fmt.Errorf("task graph validation failed: %v", result.Errors)
	}

	sessionID := uuid.NewString()

	err := st.Transaction(ctx, func(tx *sql.Tx) error {
		session := &models.Session{
			ID:          sessionID,
			Name:        doc.Session.Name,
			GraphSource: source,
			Status:      models.SessionActive,
			BudgetUSD:   doc.Session.BudgetUSD,
			BaseBranch:  doc.Session.BaseBranch,
		}
		if session.BaseBranch == "" {
			session.BaseBranch = "main"
		}
		if err := store.CreateSession(ctx, tx, session); err != nil {
			return err
		}

		for id, td := range doc.Tasks {
			maxRetries := td.MaxRetries
			if maxRetries == 0 {
				maxRetries = defaultMaxRetries
			}
			task := &models.Task{
				ID:         id,
				SessionID:  sessionID,
				Name:       td.Name,
				Prompt:     td.Prompt,
				Type:       td.Type,
				Status:     models.TaskPending,
				AgentPref:  td.Agent,
				ModelHint:  td.Model,
				MaxRetries: maxRetries,
				BudgetUSD:  td.BudgetUSD,
			}
			if err := store.CreateTask(ctx, tx, task); err != nil {
				return err
			}
		}

		for id, td := range doc.Tasks {
			for _, dep := range td.DependsOn {
				if err := store.CreateDependency(ctx, tx, &models.Dependency{SessionID: sessionID, TaskID: id, DependsOn: dep}); err != nil {
					return err
				}
			}
		}

		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind:      string(bus.KindGraphLoaded),
			SessionID: sessionID,
			NewStatus: string(models.SessionActive),
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("persist task graph: %w", err)
	}

	return sessionID, nil
}

// Attach binds the engine to a session without changing its run state, so
// lifecycle paths that act on a session before StartExecution (a cancel
// signal, a shutdown) address the right rows.
func (e *Engine) Attach(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
}

// StartExecution transitions the engine through Loading into Executing for
// sessionID, marks the session active (a resumed session arrives here still
// interrupted), and returns the ids of every task immediately ready to
// dispatch. A graph whose ready set is already empty with nothing running —
// including a zero-task graph — finalizes and emits graph:complete here.
func (e *Engine) StartExecution(ctx context.Context, sessionID string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessionID = sessionID
	e.state = StateLoading

	err := e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateSessionStatus(ctx, tx, sessionID, models.SessionActive); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(bus.KindSessionStarted), SessionID: sessionID,
			NewStatus: string(models.SessionActive),
		})
		return err
	})
	if err != nil {
		e.state = StateIdle
		return nil, fmt.Errorf("start execution: %w", err)
	}

	e.state = StateExecuting
	e.bus.Emit(bus.Event{Kind: bus.KindSessionStarted, SessionID: sessionID})

	return e.advance(ctx)
}

// MarkTaskRunning atomically claims a task for a worker. The underlying
// status write is a compare-and-set on pending|ready, so of two workers
// racing for the same task exactly one wins; the loser gets an error
// wrapping store.ErrNotFound and must walk away without touching the row.
// The worker pool records the worktree columns separately once the
// directory exists.
func (e *Engine) MarkTaskRunning(ctx context.Context, taskID, workerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.AssignTaskWorker(ctx, tx, e.sessionID, taskID, workerID); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(bus.KindTaskRunning), SessionID: e.sessionID, TaskID: taskID,
			OldStatus: string(models.TaskPending), NewStatus: string(models.TaskRunning), AgentID: workerID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	e.running[taskID] = true
	e.bus.Emit(bus.Event{Kind: bus.KindTaskRunning, SessionID: e.sessionID, Payload: bus.TaskRunningPayload{
		TaskID: taskID, WorkerID: workerID,
	}})
	return nil
}

// MarkTaskComplete records a successful task completion, computes any newly
// ready successors, and emits graph:complete once nothing remains running or
// ready.
func (e *Engine) MarkTaskComplete(ctx context.Context, taskID, output string, costUSD float64) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Session-level cumulative cost is NOT folded in here: the worker pool
	// already accrued it when it recorded the cost entry, and doing it in
	// both places would double every readout and trip session budget checks
	// against an inflated total. Only the task row's own cost accrues here.
	err := e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.CompleteTask(ctx, tx, e.sessionID, taskID, output, costUSD); err != nil {
			return err
		}
		delta := costUSD
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(bus.KindTaskComplete), SessionID: e.sessionID, TaskID: taskID,
			OldStatus: string(models.TaskRunning), NewStatus: string(models.TaskCompleted), CostDelta: &delta,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark task complete: %w", err)
	}

	delete(e.running, taskID)
	e.bus.Emit(bus.Event{Kind: bus.KindTaskComplete, SessionID: e.sessionID, Payload: bus.TaskCompletePayload{TaskID: taskID, CostUSD: costUSD}})

	return e.advance(ctx)
}

// MarkTaskFailed records a failed attempt. If the task has retries
// remaining it returns to pending (and is re-emitted as task:ready once its
// dependencies, unaffected by its own failure, are already satisfied);
// otherwise it becomes a terminal failure.
func (e *Engine) MarkTaskFailed(ctx context.Context, taskID string, kind models.FailureKind, errText string) (retried bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := store.GetTask(ctx, e.store.DB(), e.sessionID, taskID)
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}
	retried = task.CanRetry()

	err = e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.FailTask(ctx, tx, e.sessionID, taskID, errText, retried); err != nil {
			return err
		}
		newStatus := models.TaskFailed
		evKind := bus.KindTaskFailed
		if retried {
			newStatus = models.TaskPending
			evKind = bus.KindTaskRetrying
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(evKind), SessionID: e.sessionID, TaskID: taskID,
			OldStatus: string(models.TaskRunning), NewStatus: string(newStatus),
			Data: fmt.Sprintf("%s: %s", kind, errText),
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("mark task failed: %w", err)
	}

	delete(e.running, taskID)

	retryCount := task.RetryCount
	if retried {
		retryCount++
	}
	payload := bus.TaskFailedPayload{TaskID: taskID, FailureKind: kind, Err: errText, RetryCount: retryCount, WillRetry: retried}
	if retried {
		e.bus.Emit(bus.Event{Kind: bus.KindTaskRetrying, SessionID: e.sessionID, Payload: payload})
		if e.state == StateExecuting {
			e.bus.Emit(bus.Event{Kind: bus.KindTaskReady, SessionID: e.sessionID, Payload: bus.TaskReadyPayload{TaskID: taskID}})
		}
	} else {
		e.bus.Emit(bus.Event{Kind: bus.KindTaskFailed, SessionID: e.sessionID, Payload: payload})
	}

	if !retried {
		if _, err := e.advance(ctx); err != nil {
			return retried, err
		}
	}

	return retried, nil
}

// MarkTaskCancelled records a task as cancelled without touching its
// dependents; cancellation is terminal and does not retry.
func (e *Engine) MarkTaskCancelled(ctx context.Context, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.CancelTask(ctx, tx, e.sessionID, taskID); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(bus.KindTaskCancelled), SessionID: e.sessionID, TaskID: taskID,
			NewStatus: string(models.TaskCancelled),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("mark task cancelled: %w", err)
	}

	delete(e.running, taskID)
	e.bus.Emit(bus.Event{Kind: bus.KindTaskCancelled, SessionID: e.sessionID, Payload: bus.TaskCancelledPayload{TaskID: taskID}})

	_, err = e.advance(ctx)
	return err
}

// Pause transitions the engine to StatePaused. In-flight tasks are left
// running; while paused the engine emits no task:ready, so nothing new is
// dispatched until Resume.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StatePaused
	return e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateSessionStatus(ctx, tx, e.sessionID, models.SessionPaused); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{Kind: string(bus.KindSessionPaused), SessionID: e.sessionID})
		return err
	})
}

// Resume transitions the engine back to StateExecuting and returns any
// tasks that are ready to dispatch.
func (e *Engine) Resume(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	e.state = StateExecuting
	err := e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if err := store.UpdateSessionStatus(ctx, tx, e.sessionID, models.SessionActive); err != nil {
			return err
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{Kind: string(bus.KindSessionResumed), SessionID: e.sessionID})
		return err
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.bus.Emit(bus.Event{Kind: bus.KindSessionResumed, SessionID: e.sessionID})

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advance(ctx)
}

// State returns the engine's current run state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// advance recomputes the ready-tasks view and, if nothing is ready and
// nothing is running, declares the graph complete. A paused engine emits no
// task:ready events — in-flight tasks still settle through here, but their
// newly ready successors wait for Resume to re-announce them. Callers must
// hold mu.
func (e *Engine) advance(ctx context.Context) ([]string, error) {
	ready, err := store.ReadyTaskIDs(ctx, e.store.DB(), e.sessionID)
	if err != nil {
		return nil, fmt.Errorf("compute ready tasks: %w", err)
	}

	if e.state == StateExecuting {
		for _, id := range ready {
			e.bus.Emit(bus.Event{Kind: bus.KindTaskReady, SessionID: e.sessionID, Payload: bus.TaskReadyPayload{TaskID: id}})
		}
	}

	if len(ready) == 0 && len(e.running) == 0 {
		if err := e.finalizeSession(ctx); err != nil {
			return ready, err
		}
	}

	return ready, nil
}

// finalizeSession marks the session completed or failed depending on
// whether any task ended in a terminal failure, and emits graph:complete.
// Callers must hold mu.
func (e *Engine) finalizeSession(ctx context.Context) error {
	tasks, err := store.ListTasks(ctx, e.store.DB(), e.sessionID)
	if err != nil {
		return fmt.Errorf("list tasks for finalize: %w", err)
	}

	var completed, failed, cancelled, unreachable int
	anyFailed := false
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			completed++
		case models.TaskFailed:
			failed++
			anyFailed = true
		case models.TaskCancelled:
			cancelled++
		case models.TaskPending:
			unreachable++
		}
	}

	finalStatus := models.SessionCompleted
	switch {
	case anyFailed:
		finalStatus = models.SessionFailed
	case cancelled > 0:
		finalStatus = models.SessionCancelled
	}

	// A session already moved to a terminal status by something outside the
	// ready/running accounting above (the budget enforcer's terminate-all
	// action, landed through the worker pool while this task's own
	// cancellation was still in flight) must not be clobbered back to
	// whatever this purely task-count-derived status would otherwise be.
	current, err := store.GetSession(ctx, e.store.DB(), e.sessionID)
	if err != nil {
		return fmt.Errorf("load session for finalize: %w", err)
	}
	skipStatus := current.IsTerminal()
	if skipStatus {
		finalStatus = current.Status
	}

	err = e.store.Transaction(ctx, func(tx *sql.Tx) error {
		if !skipStatus {
			if err := store.UpdateSessionStatus(ctx, tx, e.sessionID, finalStatus); err != nil {
				return err
			}
		}
		_, err := store.AppendLogEntry(ctx, tx, &models.LogEntry{
			Kind: string(bus.KindGraphComplete), SessionID: e.sessionID, NewStatus: string(finalStatus),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}

	e.state = StateIdle
	e.bus.Emit(bus.Event{Kind: bus.KindGraphComplete, SessionID: e.sessionID, Payload: bus.GraphCompletePayload{
		Completed: completed, Failed: failed, Cancelled: cancelled, Unreachable: unreachable,
	}})
	switch finalStatus {
	case models.SessionFailed:
		e.bus.Emit(bus.Event{Kind: bus.KindSessionFailed, SessionID: e.sessionID})
	case models.SessionCancelled:
		e.bus.Emit(bus.Event{Kind: bus.KindSessionCancelled, SessionID: e.sessionID})
	default:
		e.bus.Emit(bus.Event{Kind: bus.KindSessionCompleted, SessionID: e.sessionID})
	}

	return nil
}
