package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

// RecordCostEntry inserts an append-only cost record and returns its id.
func RecordCostEntry(ctx context.Context, tx *sql.Tx, c *models.CostEntry) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO cost_entries (session_id, task_id, agent_id, billing_mode, estimated_cost, actual_cost, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		c.SessionID, c.TaskID, c.AgentID, c.BillingMode, c.EstimatedCost, c.ActualCost, c.InputTokens, c.OutputTokens)
	if err != nil {
		return 0, fmt.Errorf("insert cost entry: %w", err)
	}
	return res.LastInsertId()
}

// SumSessionCost returns the sum of effective cost (actual if set, else
// estimated) for every cost entry recorded against a session.
func SumSessionCost(ctx context.Context, db dbtx, sessionID string) (float64, error) {
	row := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(COALESCE(actual_cost, estimated_cost)), 0) FROM cost_entries WHERE session_id = ?`, sessionID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum session cost: %w", err)
	}
	return total, nil
}

// SumTaskCost returns the sum of effective cost for a single task.
func SumTaskCost(ctx context.Context, db dbtx, sessionID, taskID string) (float64, error) {
	row := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(COALESCE(actual_cost, estimated_cost)), 0) FROM cost_entries WHERE session_id = ? AND task_id = ?`, sessionID, taskID)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum task cost: %w", err)
	}
	return total, nil
}

// ListCostEntries returns every cost entry recorded for a session, ordered
// oldest first.
func ListCostEntries(ctx context.Context, db dbtx, sessionID string) ([]*models.CostEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, task_id, agent_id, billing_mode, estimated_cost, actual_cost, input_tokens, output_tokens, created_at
		FROM cost_entries WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	defer rows.Close()

	var out []*models.CostEntry
	for rows.Next() {
		var c models.CostEntry
		if err := rows.Scan(&c.ID, &c.SessionID, &c.TaskID, &c.AgentID, &c.BillingMode, &c.EstimatedCost, &c.ActualCost, &c.InputTokens, &c.OutputTokens, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cost entry: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
