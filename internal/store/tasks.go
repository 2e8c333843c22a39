package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

// CreateTask inserts a new task row inside tx.
func CreateTask(ctx context.Context, tx *sql.Tx, t *models.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, name, prompt, type, status, agent_pref, model_hint, retry_count, max_retries, cost_usd, budget_usd, worker_id, worktree_path, branch, output, error_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		t.ID, t.SessionID, t.Name, t.Prompt, t.Type, t.Status, t.AgentPref, t.ModelHint, t.RetryCount, t.MaxRetries, t.CostUSD, t.BudgetUSD, t.WorkerID, t.WorktreePath, t.Branch, t.Output, t.ErrorText)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// CreateDependency inserts a dependency edge inside tx.
func CreateDependency(ctx context.Context, tx *sql.Tx, d *models.Dependency) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_dependencies (session_id, task_id, depends_on) VALUES (?, ?, ?)`,
		d.SessionID, d.TaskID, d.DependsOn)
	if err != nil {
		return fmt.Errorf("insert dependency %s->%s: %w", d.TaskID, d.DependsOn, err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	var t models.Task
	var cleanedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.Prompt, &t.Type, &t.Status, &t.AgentPref, &t.ModelHint,
		&t.RetryCount, &t.MaxRetries, &t.CostUSD, &t.BudgetUSD, &t.WorkerID, &t.WorktreePath, &t.Branch,
		&t.Output, &t.ErrorText, &cleanedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if cleanedAt.Valid {
		t.WorktreeCleanedAt = &cleanedAt.Time
	}
	return &t, nil
}

const taskColumns = `id, session_id, name, prompt, type, status, agent_pref, model_hint, retry_count, max_retries, cost_usd, budget_usd, worker_id, worktree_path, branch, output, error_text, worktree_cleaned_at, created_at, updated_at`

// GetTask loads a single task by session and id from s, letting *Store stand
// in directly anywhere a caller only needs read access to one task row.
func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*models.Task, error) {
	return GetTask(ctx, s.db, sessionID, taskID)
}

// GetTask loads a single task by session and id.
func GetTask(ctx context.Context, db dbtx, sessionID, taskID string) (*models.Task, error) {
	row := db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND id = ?`, sessionID, taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// ListTasks returns every task belonging to a session.
func ListTasks(ctx context.Context, db dbtx, sessionID string) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDependencies returns every dependency edge within a session.
func ListDependencies(ctx context.Context, db dbtx, sessionID string) ([]*models.Dependency, error) {
	rows, err := db.QueryContext(ctx, `SELECT session_id, task_id, depends_on FROM task_dependencies WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()

	var out []*models.Dependency
	for rows.Next() {
		var d models.Dependency
		if err := rows.Scan(&d.SessionID, &d.TaskID, &d.DependsOn); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ReadyTaskIDs returns the ids of every task in ready_tasks for a session,
// i.e. pending tasks whose dependencies have all completed.
func ReadyTaskIDs(ctx context.Context, db dbtx, sessionID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM ready_tasks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ready task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTaskStatus sets a task's status only; the worker and worktree
// columns are written by AssignTaskWorker and SetTaskWorktree.
func UpdateTaskStatus(ctx context.Context, tx *sql.Tx, sessionID, taskID string, status models.TaskStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ? AND id = ?`, status, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return mustAffectOne(res)
}

// AssignTaskWorker atomically claims a task for a worker: the status update
// is a compare-and-set guarded on the task still being claimable, so two
// workers racing for the same task see exactly one winner. The loser gets
// ErrNotFound. The guard also keeps a straggler from regressing a task that
// already reached a terminal status back to running.
func AssignTaskWorker(ctx context.Context, tx *sql.Tx, sessionID, taskID, workerID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ? AND status IN (?, ?)`,
		models.TaskRunning, workerID, sessionID, taskID,
		models.TaskPending, models.TaskReady)
	if err != nil {
		return fmt.Errorf("assign task worker: %w", err)
	}
	return mustAffectOne(res)
}

// SetTaskWorktree records the worktree path and branch assigned to a claimed
// task, written once the directory actually exists on disk.
func SetTaskWorktree(ctx context.Context, tx *sql.Tx, sessionID, taskID, worktreePath, branch string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET worktree_path = ?, branch = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ?`,
		worktreePath, branch, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("set task worktree: %w", err)
	}
	return mustAffectOne(res)
}

// CompleteTask marks a task completed, records its output and cost.
func CompleteTask(ctx context.Context, tx *sql.Tx, sessionID, taskID, output string, costUSD float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output = ?, cost_usd = cost_usd + ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ?`,
		models.TaskCompleted, output, costUSD, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return mustAffectOne(res)
}

// FailTask records a failed attempt. If retry is true the task returns to
// pending with retry_count incremented; otherwise it moves to failed.
func FailTask(ctx context.Context, tx *sql.Tx, sessionID, taskID, errorText string, retry bool) error {
	status := models.TaskFailed
	if retry {
		status = models.TaskPending
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_text = ?, retry_count = retry_count + CASE WHEN ? THEN 1 ELSE 0 END,
			worker_id = '', worktree_path = '', branch = '', updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND id = ?`,
		status, errorText, retry, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return mustAffectOne(res)
}

// CancelTask marks a task cancelled.
func CancelTask(ctx context.Context, tx *sql.Tx, sessionID, taskID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE session_id = ? AND id = ?`, models.TaskCancelled, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return mustAffectOne(res)
}

// MarkWorktreeCleaned records the cleanup timestamp for a task's worktree.
func MarkWorktreeCleaned(ctx context.Context, tx *sql.Tx, sessionID, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET worktree_cleaned_at = CURRENT_TIMESTAMP WHERE session_id = ? AND id = ?`, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("mark worktree cleaned: %w", err)
	}
	return nil
}

// ListRunningTasks returns every task currently in the running state across
// a session, used by crash recovery to find orphaned work on startup.
func ListRunningTasks(ctx context.Context, db dbtx, sessionID string) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status = ?`, sessionID, models.TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
