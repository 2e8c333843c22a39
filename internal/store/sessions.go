package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

// ErrNotFound is returned by single-row lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// CreateSession inserts a new session row inside tx.
func CreateSession(ctx context.Context, tx *sql.Tx, s *models.Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, name, graph_source, status, cumulative_cost, planning_cost, budget_usd, base_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		s.ID, s.Name, s.GraphSource, s.Status, s.CumulativeCost, s.PlanningCost, s.BudgetUSD, s.BaseBranch)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id using db, which may be *sql.DB or *sql.Tx.
func GetSession(ctx context.Context, db dbtx, id string) (*models.Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, name, graph_source, status, cumulative_cost, planning_cost, budget_usd, base_branch, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var s models.Session
	if err := row.Scan(&s.ID, &s.Name, &s.GraphSource, &s.Status, &s.CumulativeCost, &s.PlanningCost, &s.BudgetUSD, &s.BaseBranch, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// UpdateSessionStatus sets a session's status.
func UpdateSessionStatus(ctx context.Context, tx *sql.Tx, id string, status models.SessionStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return mustAffectOne(res)
}

// AddSessionCost adds delta to a session's cumulative_cost, optionally also
// tracking it as planning cost.
func AddSessionCost(ctx context.Context, tx *sql.Tx, id string, delta float64, isPlanning bool) error {
	var err error
	if isPlanning {
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET cumulative_cost = cumulative_cost + ?, planning_cost = planning_cost + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, delta, delta, id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET cumulative_cost = cumulative_cost + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, delta, id)
	}
	if err != nil {
		return fmt.Errorf("add session cost: %w", err)
	}
	return nil
}

// ListActiveSessions returns sessions not in a terminal status, used by
// crash recovery on startup to find interrupted runs.
func ListActiveSessions(ctx context.Context, db dbtx) ([]*models.Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, graph_source, status, cumulative_cost, planning_cost, budget_usd, base_branch, created_at, updated_at
		FROM sessions WHERE status IN (?, ?, ?)`,
		models.SessionActive, models.SessionPaused, models.SessionInterrupted)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.GraphSource, &s.Status, &s.CumulativeCost, &s.PlanningCost, &s.BudgetUSD, &s.BaseBranch, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// ListSessions returns every session ordered most-recently-updated first,
// used by the status command when no specific session id is given.
func ListSessions(ctx context.Context, db dbtx) ([]*models.Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, name, graph_source, status, cumulative_cost, planning_cost, budget_usd, base_branch, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.GraphSource, &s.Status, &s.CumulativeCost, &s.PlanningCost, &s.BudgetUSD, &s.BaseBranch, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx, letting read helpers work
// inside or outside a transaction.
type dbtx interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func mustAffectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
