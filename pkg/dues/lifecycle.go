package dues

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// NotesSeparator joins successive notes on a record
const NotesSeparator = " | "

// CanTransition reports whether a record may move from one status to another
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		switch to {
		case StatusOverdue, StatusPaid, StatusRejected:
			return true
		}
		return false
	case StatusOverdue:
		switch to {
		case StatusPaid, StatusRejected:
			return true
		}
		return false
	case StatusPaid, StatusRejected:
		return false
	default:
		return false
	}
}

func (r *DueRecord) transition(to Status, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{From: r.Status, To: to}
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// MarkOverdue moves a pending record to overdue. Any other state is rejected
// and the record is left untouched.
func (r *DueRecord) MarkOverdue(now time.Time) error {
	return r.transition(StatusOverdue, now)
}

// MarkPaid records a payment on a pending or overdue record
func (r *DueRecord) MarkPaid(now time.Time, method, proofRef string) error {
	if !CanTransition(r.Status, StatusPaid) {
		return &TransitionError{From: r.Status, To: StatusPaid}
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return required("payment_method")
	}
	if n := utf8.RuneCountInString(method); n > MaxPaymentMethodLength {
		return &ValidationError{
			Field:   "payment_method",
			Message: fmt.Sprintf("must be at most %d characters, got %d", MaxPaymentMethodLength, n),
		}
	}

	paidAt := now
	r.PaymentDate = &paidAt
	r.PaymentMethod = method
	if proofRef = strings.TrimSpace(proofRef); proofRef != "" {
		r.ProofRef = proofRef
	}
	return r.transition(StatusPaid, now)
}

// MarkRejected rejects a pending or overdue record, appending reason to the notes
func (r *DueRecord) MarkRejected(now time.Time, reason string) error {
	if err := r.transition(StatusRejected, now); err != nil {
		return err
	}
	r.appendNote(reason)
	return nil
}

// AddNote appends an annotation without changing state
func (r *DueRecord) AddNote(now time.Time, note string) error {
	if strings.TrimSpace(note) == "" {
		return required("note")
	}
	r.appendNote(note)
	r.UpdatedAt = now
	return nil
}

// CanDelete reports whether the record may still be deleted
func (r *DueRecord) CanDelete() bool {
	return r.Status == StatusPending
}

func (r *DueRecord) appendNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	if r.Notes == "" {
		r.Notes = note
		return
	}
	r.Notes = r.Notes + NotesSeparator + note
}
