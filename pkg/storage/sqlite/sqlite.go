// Package sqlite stores due records and members in a local SQLite database.
//
// It backs single-node deployments and development setups where running
// PostgreSQL is not worth it. Semantics match the PostgreSQL store: a unique
// (member, period) constraint, conditional status updates and pending-only
// deletes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

const schema = `
	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		full_name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP,
		registered_on DATE
	);

	CREATE TABLE IF NOT EXISTS member_dues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		member_id INTEGER NOT NULL,
		member_name TEXT NOT NULL DEFAULT '',
		period_year INTEGER NOT NULL CHECK (period_year >= 2000),
		period_month INTEGER NOT NULL CHECK (period_month BETWEEN 1 AND 12),
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'overdue', 'paid', 'rejected')),
		registration_date TIMESTAMP NOT NULL,
		due_date TEXT NOT NULL,
		payment_date TIMESTAMP,
		payment_method TEXT NOT NULL DEFAULT '',
		proof_ref TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (member_id, period_year, period_month)
	);

	CREATE INDEX IF NOT EXISTS idx_member_dues_status_due_date ON member_dues(status, due_date);
`

// Open opens the database at path (":memory:" for a throwaway database) and
// applies the schema. SQLite allows one writer at a time, so the pool is
// limited to a single connection.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure sqlite schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}
