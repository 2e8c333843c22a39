package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one numbered, idempotent schema change. Re-running an
// already-applied migration against a fresh connection is a no-op: CREATE
// TABLE/INDEX statements all use IF NOT EXISTS.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all schema migrations. Re-opening the
// store applies zero of them once every version here has been recorded.
var migrations = []migration{
	{
		Version:     1,
		Description: "sessions, tasks, dependencies",
		SQL: `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	graph_source     TEXT,
	status           TEXT NOT NULL,
	cumulative_cost  REAL NOT NULL DEFAULT 0,
	planning_cost    REAL NOT NULL DEFAULT 0,
	budget_usd       REAL NOT NULL DEFAULT 0,
	base_branch      TEXT NOT NULL DEFAULT 'main',
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT NOT NULL,
	session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name                TEXT NOT NULL,
	prompt              TEXT NOT NULL,
	type                TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	agent_pref          TEXT NOT NULL DEFAULT '',
	model_hint          TEXT NOT NULL DEFAULT '',
	retry_count         INTEGER NOT NULL DEFAULT 0,
	max_retries         INTEGER NOT NULL DEFAULT 0,
	cost_usd            REAL NOT NULL DEFAULT 0,
	budget_usd          REAL NOT NULL DEFAULT 0,
	worker_id           TEXT NOT NULL DEFAULT '',
	worktree_path       TEXT NOT NULL DEFAULT '',
	branch              TEXT NOT NULL DEFAULT '',
	output              TEXT NOT NULL DEFAULT '',
	error_text          TEXT NOT NULL DEFAULT '',
	worktree_cleaned_at TIMESTAMP,
	created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status);

CREATE TABLE IF NOT EXISTS task_dependencies (
	session_id TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	PRIMARY KEY (session_id, task_id, depends_on),
	FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE,
	FOREIGN KEY (session_id, depends_on) REFERENCES tasks(session_id, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(session_id, task_id);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON task_dependencies(session_id, depends_on);
`,
	},
	{
		Version:     2,
		Description: "cost entries, session signals, execution log",
		SQL: `
CREATE TABLE IF NOT EXISTS cost_entries (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	task_id        TEXT NOT NULL DEFAULT '',
	agent_id       TEXT NOT NULL DEFAULT '',
	billing_mode   TEXT NOT NULL,
	estimated_cost REAL NOT NULL DEFAULT 0,
	actual_cost    REAL,
	input_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens  INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cost_entries_session ON cost_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_cost_entries_task ON cost_entries(session_id, task_id);

CREATE TABLE IF NOT EXISTS session_signals (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_signals_session ON session_signals(session_id, id);

CREATE TABLE IF NOT EXISTS execution_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL DEFAULT '',
	old_status  TEXT NOT NULL DEFAULT '',
	new_status  TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	cost_delta  REAL,
	data        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_execution_log_session ON execution_log(session_id, id);
`,
	},
	{
		Version:     3,
		Description: "ready-tasks view",
		SQL: `
CREATE VIEW IF NOT EXISTS ready_tasks AS
SELECT t.session_id, t.id
FROM tasks t
WHERE t.status = 'pending'
  AND NOT EXISTS (
	SELECT 1
	FROM task_dependencies d
	JOIN tasks dt ON dt.session_id = d.session_id AND dt.id = d.depends_on
	WHERE d.session_id = t.session_id
	  AND d.task_id = t.id
	  AND dt.status != 'completed'
  );
`,
	},
}

// ensureMigrationsTable creates the bookkeeping table that records which
// migrations have already run.
func ensureMigrationsTable(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	return err
}

// applyMigrations runs every migration not already recorded, inside one
// serializable transaction. Re-opening the store once fully migrated applies
// zero migrations.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if err := ensureMigrationsTable(ctx, tx); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("query applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.Version, m.Description); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	return tx.Commit()
}
