package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dialect selects SQL syntax for the billing database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS billing_audit_events (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor VARCHAR(255) NOT NULL DEFAULT '',
		request_id VARCHAR(100) NOT NULL DEFAULT '',
		run_id VARCHAR(100) NOT NULL DEFAULT '',
		due_id BIGINT,
		member_id BIGINT,
		period VARCHAR(7) NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_billing_audit_timestamp ON billing_audit_events(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_billing_audit_due ON billing_audit_events(due_id);
	CREATE INDEX IF NOT EXISTS idx_billing_audit_member ON billing_audit_events(member_id);
`

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS billing_audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		event_type TEXT NOT NULL,
		status TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		request_id TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		due_id INTEGER,
		member_id INTEGER,
		period TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_billing_audit_timestamp ON billing_audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_billing_audit_due ON billing_audit_events(due_id);
	CREATE INDEX IF NOT EXISTS idx_billing_audit_member ON billing_audit_events(member_id);
`

const auditColumns = `id, timestamp, event_type, status, actor, request_id, run_id,
	due_id, member_id, period, message, error_message, metadata`

// SQLStore keeps audit events in the billing database
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates a store over db. Call EnsureSchema before use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// EnsureSchema creates the audit table and indexes if they do not exist
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	schema := postgresSchema
	if s.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// Log inserts event and sets its ID
func (s *SQLStore) Log(ctx context.Context, event *Event) error {
	var metadata sql.NullString
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = sql.NullString{String: string(data), Valid: true}
	}

	binds := make([]string, 12)
	for i := range binds {
		binds[i] = s.placeholder(i + 1)
	}
	query := `INSERT INTO billing_audit_events (
		timestamp, event_type, status, actor, request_id, run_id,
		due_id, member_id, period, message, error_message, metadata
	) VALUES (` + strings.Join(binds, ", ") + `)`

	args := []interface{}{
		event.Timestamp.UTC(), string(event.EventType), string(event.Status),
		event.Actor, event.RequestID, event.RunID,
		nullInt64(event.DueID), nullInt64(event.MemberID), event.Period,
		event.Message, event.ErrorMessage, metadata,
	}

	if s.dialect == DialectSQLite {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read audit event id: %w", err)
		}
		event.ID = id
		return nil
	}

	if err := s.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&event.ID); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Search returns matching events, newest first
func (s *SQLStore) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(expr string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(expr, s.placeholder(len(args))))
	}

	if len(filter.EventTypes) > 0 {
		binds := make([]string, 0, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			args = append(args, string(t))
			binds = append(binds, s.placeholder(len(args)))
		}
		conds = append(conds, "event_type IN ("+strings.Join(binds, ", ")+")")
	}
	if filter.DueID != nil {
		add("due_id = %s", *filter.DueID)
	}
	if filter.MemberID != nil {
		add("member_id = %s", *filter.MemberID)
	}
	if filter.Actor != "" {
		add("actor = %s", filter.Actor)
	}
	if filter.Since != nil {
		add("timestamp >= %s", filter.Since.UTC())
	}
	if filter.Until != nil {
		add("timestamp < %s", filter.Until.UTC())
	}

	query := "SELECT " + auditColumns + " FROM billing_audit_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.limit())
	query += " ORDER BY timestamp DESC, id DESC LIMIT " + s.placeholder(len(args))
	args = append(args, max(filter.Offset, 0))
	query += " OFFSET " + s.placeholder(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// Close is a no-op; the database handle belongs to the caller
func (s *SQLStore) Close() error {
	return nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		event     Event
		ts        time.Time
		eventType string
		status    string
		dueID     sql.NullInt64
		memberID  sql.NullInt64
		metadata  sql.NullString
	)
	if err := rows.Scan(&event.ID, &ts, &eventType, &status, &event.Actor, &event.RequestID, &event.RunID,
		&dueID, &memberID, &event.Period, &event.Message, &event.ErrorMessage, &metadata); err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Timestamp = ts.UTC()
	event.EventType = EventType(eventType)
	event.Status = Status(status)
	if dueID.Valid {
		event.DueID = &dueID.Int64
	}
	if memberID.Valid {
		event.MemberID = &memberID.Int64
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit metadata: %w", err)
		}
	}
	return &event, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
