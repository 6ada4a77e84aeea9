package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/dues"
)

const dueColumns = `id, member_id, member_name, period_year, period_month, amount, status,
	registration_date, due_date, payment_date, payment_method, proof_ref, notes, created_at, updated_at`

// DueStore implements dues.Store on SQLite
type DueStore struct {
	db *sql.DB
}

// NewDueStore creates a DueStore. The schema must already exist (see Open).
func NewDueStore(db *sql.DB) *DueStore {
	return &DueStore{db: db}
}

// Create inserts rec and sets its ID
func (s *DueStore) Create(ctx context.Context, rec *dues.DueRecord) error {
	query := `
		INSERT INTO member_dues (
			member_id, member_name, period_year, period_month, amount, status,
			registration_date, due_date, payment_date, payment_method, proof_ref, notes,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.MemberID, rec.MemberName, rec.Period.Year, int(rec.Period.Month), rec.Amount.String(), string(rec.Status),
		rec.RegistrationDate.UTC(), formatDate(rec.DueDate), utcPtr(rec.PaymentDate), rec.PaymentMethod, rec.ProofRef, rec.Notes,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return dues.ErrDuplicate
		}
		return fmt.Errorf("failed to insert due record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get due record id: %w", err)
	}
	rec.ID = id
	return nil
}

// Update writes the mutable fields of rec if the stored status is still expected
func (s *DueStore) Update(ctx context.Context, rec *dues.DueRecord, expected dues.Status) error {
	query := `
		UPDATE member_dues
		SET status = ?, payment_date = ?, payment_method = ?, proof_ref = ?, notes = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(rec.Status), utcPtr(rec.PaymentDate), rec.PaymentMethod, rec.ProofRef, rec.Notes, rec.UpdatedAt.UTC(),
		rec.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update due record: %w", err)
	}
	return s.checkAffected(ctx, result, rec.ID)
}

// ExistsFor reports whether a record exists for the member and period
func (s *DueStore) ExistsFor(ctx context.Context, memberID int64, period dues.Period) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM member_dues WHERE member_id = ? AND period_year = ? AND period_month = ?)`,
		memberID, period.Year, int(period.Month),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check due record: %w", err)
	}
	return exists, nil
}

// FindPendingDueBefore returns pending records whose due date is before cutoff's date.
// Due dates are stored as YYYY-MM-DD, so string comparison orders them.
func (s *DueStore) FindPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*dues.DueRecord, error) {
	query := `SELECT ` + dueColumns + ` FROM member_dues WHERE status = ? AND due_date < ? ORDER BY due_date ASC, id ASC`
	return s.query(ctx, query, string(dues.StatusPending), formatDate(cutoff))
}

// FindByID retrieves a record by ID
func (s *DueStore) FindByID(ctx context.Context, id int64) (*dues.DueRecord, error) {
	rec, err := scanDue(s.db.QueryRowContext(ctx, `SELECT `+dueColumns+` FROM member_dues WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, dues.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get due record: %w", err)
	}
	return rec, nil
}

// ListByMember returns a member's records ordered by period
func (s *DueStore) ListByMember(ctx context.Context, memberID int64) ([]*dues.DueRecord, error) {
	query := `SELECT ` + dueColumns + ` FROM member_dues WHERE member_id = ? ORDER BY period_year ASC, period_month ASC`
	return s.query(ctx, query, memberID)
}

// Delete removes a pending record
func (s *DueStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM member_dues WHERE id = ? AND status = ?`, id, string(dues.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to delete due record: %w", err)
	}
	return s.checkAffected(ctx, result, id)
}

func (s *DueStore) checkAffected(ctx context.Context, result sql.Result, id int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM member_dues WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return dues.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check due record status: %w", err)
	}
	return fmt.Errorf("due record %d is %s: %w", id, status, dues.ErrConflict)
}

func (s *DueStore) query(ctx context.Context, query string, args ...interface{}) ([]*dues.DueRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due records: %w", err)
	}
	defer rows.Close()

	var list []*dues.DueRecord
	for rows.Next() {
		rec, err := scanDue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due record: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due records: %w", err)
	}
	return list, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDue(row rowScanner) (*dues.DueRecord, error) {
	var (
		rec         dues.DueRecord
		month       int
		status      string
		dueDate     string
		paymentDate sql.NullTime
	)

	err := row.Scan(
		&rec.ID, &rec.MemberID, &rec.MemberName, &rec.Period.Year, &month, &rec.Amount, &status,
		&rec.RegistrationDate, &dueDate, &paymentDate, &rec.PaymentMethod, &rec.ProofRef, &rec.Notes,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	due, err := time.Parse(time.DateOnly, dueDate)
	if err != nil {
		return nil, fmt.Errorf("invalid due date %q: %w", dueDate, err)
	}

	parsed, ok := dues.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("due record %d has unknown status %q", rec.ID, status)
	}
	rec.Status = parsed
	rec.Period.Month = time.Month(month)
	rec.DueDate = due
	if paymentDate.Valid {
		t := paymentDate.Time
		rec.PaymentDate = &t
	}
	return &rec, nil
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
