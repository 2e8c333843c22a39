// Package store implements the durable store: the embedded SQLite-backed
// record of sessions, tasks, dependencies, costs, signals, and the execution
// log. It is the single source of truth the task graph engine, worker pool,
// and budget enforcer all read from and write through.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite connection configured for a single-writer, many-reader
// orchestration process: WAL journaling, foreign keys enforced, and busy
// retries so concurrent readers never see SQLITE_BUSY under normal load.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and applies
// any outstanding migrations. path may be ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// The orchestration core serializes all writes through one connection;
	// SQLite does not support concurrent writers regardless of WAL mode.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoint flushes the write-ahead log into the main database file, called
// on orchestrator shutdown so a subsequent process (or a bare file copy)
// sees every committed write without replaying the WAL.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	return nil
}

// Transaction runs fn inside a single SQLite transaction, committing on a
// nil return and rolling back otherwise. Callers that need to emit events as
// a side effect of a write must do so only after Transaction returns nil, per
// the durable store's "emit after commit" contract.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for callers (e.g. the report package)
// that only need read access and don't need Store's write helpers.
func (s *Store) DB() *sql.DB {
	return s.db
}
