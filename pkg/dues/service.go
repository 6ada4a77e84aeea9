package dues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/platinummonkey/clubhouse/pkg/observability"
	"github.com/sirupsen/logrus"
)

// Service implements the staff-driven operations on due records
type Service struct {
	store     Store
	directory MemberDirectory
	cfg       Config
	logger    logrus.FieldLogger
	metrics   *observability.BillingMetrics
}

// NewService creates the manual operations service. metrics may be nil.
func NewService(store Store, directory MemberDirectory, cfg Config, logger logrus.FieldLogger, metrics *observability.BillingMetrics) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		store:     store,
		directory: directory,
		cfg:       cfg.clone(),
		logger:    logger.WithField("component", "dues_service"),
		metrics:   metrics,
	}
}

// CreateManual creates a due record on behalf of staff. Member, period and
// amount must all be given; none of them is defaulted.
func (s *Service) CreateManual(ctx context.Context, req CreateDueRequest, now time.Time) (*DueRecord, error) {
	if req.MemberID <= 0 {
		return nil, required("member_id")
	}
	if req.Month == 0 && req.Year == 0 {
		return nil, required("period")
	}
	period, err := NewPeriod(req.Month, req.Year)
	if err != nil {
		return nil, err
	}
	if req.Amount == nil {
		return nil, required("amount")
	}
	if err := ValidateAmount(*req.Amount); err != nil {
		return nil, err
	}

	member, err := s.directory.GetMember(ctx, req.MemberID)
	if err != nil {
		if errors.Is(err, members.ErrNotFound) {
			return nil, &ValidationError{Field: "member_id", Message: fmt.Sprintf("member %d does not exist", req.MemberID)}
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	exists, err := s.store.ExistsFor(ctx, member.ID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing due: %w", err)
	}
	if exists {
		return nil, ErrDuplicate
	}

	rec := newDueRecord(member, period, *req.Amount, s.cfg.DueDayOfMonth, now)
	rec.appendNote(req.Notes)
	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create due: %w", err)
	}

	s.metrics.RecordDueCreated(SourceManual)
	s.logger.WithFields(logrus.Fields{
		"due_id":    rec.ID,
		"member_id": rec.MemberID,
		"period":    period.String(),
	}).Info("Created manual due record")

	return rec, nil
}

// ConfirmPayment marks a pending or overdue record as paid
func (s *Service) ConfirmPayment(ctx context.Context, id int64, req ConfirmPaymentRequest, now time.Time) (*DueRecord, error) {
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, required("payment_method")
	}
	rec, err := s.mutate(ctx, id, func(rec *DueRecord) error {
		return rec.MarkPaid(now, req.PaymentMethod, req.ProofRef)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(StatusPaid))
	s.logger.WithFields(logrus.Fields{
		"due_id":         rec.ID,
		"payment_method": rec.PaymentMethod,
	}).Info("Payment confirmed")
	return rec, nil
}

// RejectPayment rejects a pending or overdue record, keeping reason in its notes
func (s *Service) RejectPayment(ctx context.Context, id int64, reason string, now time.Time) (*DueRecord, error) {
	rec, err := s.mutate(ctx, id, func(rec *DueRecord) error {
		return rec.MarkRejected(now, reason)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTransition(string(StatusRejected))
	s.logger.WithField("due_id", rec.ID).Info("Payment rejected")
	return rec, nil
}

// AddNote appends an annotation to a record in any state
func (s *Service) AddNote(ctx context.Context, id int64, note string, now time.Time) (*DueRecord, error) {
	return s.mutate(ctx, id, func(rec *DueRecord) error {
		return rec.AddNote(now, note)
	})
}

// Delete removes a record that is still pending. It returns ErrNotFound for
// unknown records and ErrNotPending for records in any other state.
func (s *Service) Delete(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.CanDelete() {
		return fmt.Errorf("due record %d is %s: %w", id, rec.Status, ErrNotPending)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("due record %d left pending: %w", id, ErrNotPending)
		}
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"due_id":    id,
		"member_id": rec.MemberID,
		"period":    rec.Period.String(),
	}).Info("Deleted due record")
	return nil
}

// Get returns a record by ID
func (s *Service) Get(ctx context.Context, id int64) (*DueRecord, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get due record: %w", err)
	}
	return rec, nil
}

// ListForMember returns a member's records, oldest period first
func (s *Service) ListForMember(ctx context.Context, memberID int64) ([]*DueRecord, error) {
	if memberID <= 0 {
		return nil, required("member_id")
	}
	recs, err := s.store.ListByMember(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list member dues: %w", err)
	}
	return recs, nil
}

// mutate re-reads the record, applies change and writes it back only if its
// status has not moved in the meantime.
func (s *Service) mutate(ctx context.Context, id int64, change func(*DueRecord) error) (*DueRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := rec.Status
	if err := change(rec); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, rec, previous); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update due record: %w", err)
	}
	return rec, nil
}
