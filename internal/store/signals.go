package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/johnplanow/substrate-sub008/internal/models"
)

// EmitSignal appends a new out-of-band instruction for a session. Rows live
// only until the running orchestrator's poller consumes them.
func EmitSignal(ctx context.Context, tx *sql.Tx, sessionID string, kind models.SignalKind) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO session_signals (session_id, kind, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)`, sessionID, kind)
	if err != nil {
		return 0, fmt.Errorf("emit signal: %w", err)
	}
	return res.LastInsertId()
}

// ConsumeSignals reads every pending signal for a session, oldest first, and
// deletes the rows it read in the same transaction, so no signal is ever
// acted on twice — even across orchestrator restarts. Writers inserting
// concurrently are unaffected: a row inserted after the read simply survives
// for the next poll.
func ConsumeSignals(ctx context.Context, st *Store, sessionID string) ([]*models.Signal, error) {
	var out []*models.Signal
	err := st.Transaction(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, session_id, kind, created_at FROM session_signals
			WHERE session_id = ? ORDER BY id ASC`, sessionID)
		if err != nil {
			return fmt.Errorf("query signals: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s models.Signal
			if err := rows.Scan(&s.ID, &s.SessionID, &s.Kind, &s.CreatedAt); err != nil {
				return fmt.Errorf("scan signal: %w", err)
			}
			out = append(out, &s)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		for _, s := range out {
			if _, err := tx.ExecContext(ctx, `DELETE FROM session_signals WHERE id = ?`, s.ID); err != nil {
				return fmt.Errorf("delete consumed signal %d: %w", s.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
