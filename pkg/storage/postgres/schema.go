package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the billing tables. The members table is normally owned by
// the club administration system; it is created here only when missing so a
// fresh database works out of the box.
const schema = `
	CREATE TABLE IF NOT EXISTS members (
		id BIGSERIAL PRIMARY KEY,
		full_name VARCHAR(255) NOT NULL,
		email VARCHAR(255),
		role VARCHAR(50) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		registered_on DATE
	);

	CREATE TABLE IF NOT EXISTS member_dues (
		id BIGSERIAL PRIMARY KEY,
		member_id BIGINT NOT NULL,
		member_name VARCHAR(255) NOT NULL DEFAULT '',
		period_year INTEGER NOT NULL CHECK (period_year >= 2000),
		period_month INTEGER NOT NULL CHECK (period_month BETWEEN 1 AND 12),
		amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
		status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'overdue', 'paid', 'rejected')),
		registration_date TIMESTAMP WITH TIME ZONE NOT NULL,
		due_date DATE NOT NULL,
		payment_date TIMESTAMP WITH TIME ZONE,
		payment_method VARCHAR(50) NOT NULL DEFAULT '',
		proof_ref TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT member_dues_member_period_key UNIQUE (member_id, period_year, period_month)
	);

	CREATE INDEX IF NOT EXISTS idx_member_dues_status_due_date ON member_dues(status, due_date);
	CREATE INDEX IF NOT EXISTS idx_members_active_role ON members(is_active, role);
`

// EnsureSchema creates the billing tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure billing schema: %w", err)
	}
	return nil
}
