package members

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresDirectory reads members from the club database
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a new PostgresDirectory
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// ListActiveBillableMembers returns active members holding one of the given roles
func (d *PostgresDirectory) ListActiveBillableMembers(ctx context.Context, roles []Role) ([]*Member, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, full_name, email, role, is_active, created_at, registered_on
		FROM members
		WHERE is_active = TRUE AND role = ANY($1)
		ORDER BY id ASC
	`
	rows, err := d.db.QueryContext(ctx, query, pq.Array(RoleStrings(roles)))
	if err != nil {
		return nil, fmt.Errorf("failed to list billable members: %w", err)
	}
	defer rows.Close()

	var list []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}

	return list, nil
}

// GetMember retrieves a member by ID
func (d *PostgresDirectory) GetMember(ctx context.Context, id int64) (*Member, error) {
	query := `
		SELECT id, full_name, email, role, is_active, created_at, registered_on
		FROM members
		WHERE id = $1
	`
	m, err := scanMember(d.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*Member, error) {
	m := &Member{}
	var email sql.NullString
	var createdAt, registeredOn sql.NullTime
	if err := row.Scan(&m.ID, &m.FullName, &email, &m.Role, &m.Active, &createdAt, &registeredOn); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}
	if email.Valid {
		m.Email = email.String
	}
	m.CreatedAt = nullTimePtr(createdAt)
	m.RegisteredOn = nullTimePtr(registeredOn)
	return m, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
