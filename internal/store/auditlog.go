package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

// AppendLogEntry writes one execution-log row inside tx. Every state
// transition the task graph engine makes writes its log entry in the same
// transaction as the status change it describes.
func AppendLogEntry(ctx context.Context, tx *sql.Tx, e *models.LogEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO execution_log (kind, session_id, task_id, old_status, new_status, agent_id, cost_delta, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		e.Kind, e.SessionID, e.TaskID, e.OldStatus, e.NewStatus, e.AgentID, e.CostDelta, e.Data)
	if err != nil {
		return 0, fmt.Errorf("append log entry: %w", err)
	}
	return res.LastInsertId()
}

// ListLogEntries returns every execution-log row for a session, oldest
// first, for use by the report renderer and the CLI's exit-code check.
func ListLogEntries(ctx context.Context, db dbtx, sessionID string) ([]*models.LogEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, kind, session_id, task_id, old_status, new_status, agent_id, cost_delta, data, created_at
		FROM execution_log WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	defer rows.Close()

	var out []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.Kind, &e.SessionID, &e.TaskID, &e.OldStatus, &e.NewStatus, &e.AgentID, &e.CostDelta, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
