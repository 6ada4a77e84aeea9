package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/clubhouse/pkg/dues"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

const dueColumns = `id, member_id, member_name, period_year, period_month, amount, status,
	registration_date, due_date, payment_date, payment_method, proof_ref, notes, created_at, updated_at`

// DueStore implements dues.Store on PostgreSQL.
//
// Writes and the reads that guard them (ExistsFor, FindPendingDueBefore) go to
// the primary. FindByID and ListByMember may be served by a replica.
type DueStore struct {
	db     *sql.DB
	reader func() *sql.DB
}

// NewDueStore creates a store that uses db for everything
func NewDueStore(db *sql.DB) *DueStore {
	return &DueStore{
		db:     db,
		reader: func() *sql.DB { return db },
	}
}

// NewDueStoreWithReplicas creates a store that sends display reads to the
// manager's replicas
func NewDueStoreWithReplicas(cm *ConnectionManager) *DueStore {
	return &DueStore{
		db:     cm.Primary(),
		reader: cm.Replica,
	}
}

// Create inserts rec and sets its ID. A second record for the same member and
// period fails with dues.ErrDuplicate.
func (s *DueStore) Create(ctx context.Context, rec *dues.DueRecord) error {
	query := `
		INSERT INTO member_dues (
			member_id, member_name, period_year, period_month, amount, status,
			registration_date, due_date, payment_date, payment_method, proof_ref, notes,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8::date, $9, $10, $11, $12,
			$13, $14
		) RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		rec.MemberID, rec.MemberName, rec.Period.Year, int(rec.Period.Month), rec.Amount, string(rec.Status),
		rec.RegistrationDate, formatDate(rec.DueDate), rec.PaymentDate, rec.PaymentMethod, rec.ProofRef, rec.Notes,
		rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return dues.ErrDuplicate
		}
		return fmt.Errorf("failed to insert due record: %w", err)
	}

	return nil
}

// Update writes the mutable fields of rec if the stored status is still expected
func (s *DueStore) Update(ctx context.Context, rec *dues.DueRecord, expected dues.Status) error {
	query := `
		UPDATE member_dues
		SET status = $1, payment_date = $2, payment_method = $3, proof_ref = $4, notes = $5, updated_at = $6
		WHERE id = $7 AND status = $8
	`

	result, err := s.db.ExecContext(ctx, query,
		string(rec.Status), rec.PaymentDate, rec.PaymentMethod, rec.ProofRef, rec.Notes, rec.UpdatedAt,
		rec.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update due record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.missOrConflict(ctx, rec.ID)
	}

	return nil
}

// ExistsFor reports whether a record exists for the member and period
func (s *DueStore) ExistsFor(ctx context.Context, memberID int64, period dues.Period) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM member_dues
			WHERE member_id = $1 AND period_year = $2 AND period_month = $3
		)
	`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, memberID, period.Year, int(period.Month)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check due record: %w", err)
	}
	return exists, nil
}

// FindPendingDueBefore returns pending records whose due date is before cutoff's date
func (s *DueStore) FindPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*dues.DueRecord, error) {
	query := `
		SELECT ` + dueColumns + `
		FROM member_dues
		WHERE status = $1 AND due_date < $2::date
		ORDER BY due_date ASC, id ASC
	`
	return s.query(ctx, s.db, query, string(dues.StatusPending), formatDate(cutoff))
}

// FindByID retrieves a record by ID
func (s *DueStore) FindByID(ctx context.Context, id int64) (*dues.DueRecord, error) {
	query := `SELECT ` + dueColumns + ` FROM member_dues WHERE id = $1`

	rec, err := scanDue(s.reader().QueryRowContext(ctx, query, id))
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
	query := `
		SELECT ` + dueColumns + `
		FROM member_dues
		WHERE member_id = $1
		ORDER BY period_year ASC, period_month ASC
	`
	return s.query(ctx, s.reader(), query, memberID)
}

// Delete removes a pending record
func (s *DueStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM member_dues WHERE id = $1 AND status = $2`, id, string(dues.StatusPending))
	if err != nil {
		return fmt.Errorf("failed to delete due record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.missOrConflict(ctx, id)
	}

	return nil
}

// missOrConflict explains why a conditional write touched no row
func (s *DueStore) missOrConflict(ctx context.Context, id int64) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM member_dues WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return dues.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check due record status: %w", err)
	}
	return fmt.Errorf("due record %d is %s: %w", id, status, dues.ErrConflict)
}

func (s *DueStore) query(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]*dues.DueRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
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
		dueDate     time.Time
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

	parsed, ok := dues.ParseStatus(status)
	if !ok {
		return nil, fmt.Errorf("due record %d has unknown status %q", rec.ID, status)
	}
	rec.Status = parsed
	rec.Period.Month = time.Month(month)
	rec.DueDate = dues.StartOfDay(dueDate)
	if paymentDate.Valid {
		t := paymentDate.Time
		rec.PaymentDate = &t
	}

	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}
