package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/members"
)

const memberColumns = `id, full_name, email, role, is_active, created_at, registered_on`

// MemberDirectory reads and writes members in SQLite
type MemberDirectory struct {
	db *sql.DB
}

// NewMemberDirectory creates a MemberDirectory
func NewMemberDirectory(db *sql.DB) *MemberDirectory {
	return &MemberDirectory{db: db}
}

// ListActiveBillableMembers returns active members holding one of the given roles
func (d *MemberDirectory) ListActiveBillableMembers(ctx context.Context, roles []members.Role) ([]*members.Member, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(roles))
	args := make([]interface{}, len(roles))
	for i, r := range roles {
		placeholders[i] = "?"
		args[i] = string(r)
	}

	query := `SELECT ` + memberColumns + ` FROM members
		WHERE is_active = 1 AND role IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list billable members: %w", err)
	}
	defer rows.Close()

	var list []*members.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return list, nil
}

// GetMember retrieves a member by ID
func (d *MemberDirectory) GetMember(ctx context.Context, id int64) (*members.Member, error) {
	m, err := scanMember(d.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, members.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

// SaveMember inserts m, or updates it when m.ID is already set
func (d *MemberDirectory) SaveMember(ctx context.Context, m *members.Member) error {
	if m.ID == 0 {
		result, err := d.db.ExecContext(ctx,
			`INSERT INTO members (full_name, email, role, is_active, created_at, registered_on) VALUES (?, ?, ?, ?, ?, ?)`,
			m.FullName, m.Email, string(m.Role), m.Active, utcPtr(m.CreatedAt), utcPtr(m.RegisteredOn),
		)
		if err != nil {
			return fmt.Errorf("failed to insert member: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get member id: %w", err)
		}
		m.ID = id
		return nil
	}

	result, err := d.db.ExecContext(ctx,
		`UPDATE members SET full_name = ?, email = ?, role = ?, is_active = ?, created_at = ?, registered_on = ? WHERE id = ?`,
		m.FullName, m.Email, string(m.Role), m.Active, utcPtr(m.CreatedAt), utcPtr(m.RegisteredOn), m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update member: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return members.ErrNotFound
	}
	return nil
}

func scanMember(row rowScanner) (*members.Member, error) {
	var (
		m            members.Member
		email        sql.NullString
		role         string
		createdAt    sql.NullTime
		registeredOn sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.FullName, &email, &role, &m.Active, &createdAt, &registeredOn); err != nil {
		return nil, err
	}

	m.Email = email.String
	m.Role = members.Role(role)
	if createdAt.Valid {
		t := createdAt.Time
		m.CreatedAt = &t
	}
	if registeredOn.Valid {
		t := time.Date(registeredOn.Time.Year(), registeredOn.Time.Month(), registeredOn.Time.Day(), 0, 0, 0, 0, time.UTC)
		m.RegisteredOn = &t
	}
	return &m, nil
}
