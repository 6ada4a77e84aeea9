package dues

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents where a due record is in its lifecycle
type Status string

const (
	StatusPending  Status = "pending"
	StatusOverdue  Status = "overdue"
	StatusPaid     Status = "paid"
	StatusRejected Status = "rejected"
)

// ParseStatus converts a stored value into a Status
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusOverdue, StatusPaid, StatusRejected:
		return Status(s), true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transition is allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusRejected:
		return true
	default:
		return false
	}
}

// Known payment methods. Other values are accepted as free text.
const (
	PaymentMethodCash     = "cash"
	PaymentMethodTransfer = "transfer"
	PaymentMethodCard     = "card"
)

// Limits of the member_dues columns
const (
	AmountScale            = 2
	MaxPaymentMethodLength = 50
)

// maxAmount is the smallest value NUMERIC(12, 2) cannot hold
var maxAmount = decimal.New(1, 12-AmountScale)

// ValidateAmount checks that amount is positive and storable without
// rounding
func ValidateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return &ValidationError{Field: "amount", Message: "must be positive"}
	case !amount.Equal(amount.Round(AmountScale)):
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("must have at most %d decimal places, got %s", AmountScale, amount)}
	case amount.GreaterThanOrEqual(maxAmount):
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("must be less than %s, got %s", maxAmount, amount)}
	}
	return nil
}

// DueRecord is one billing obligation of one member for one period
type DueRecord struct {
	ID       int64 `json:"id"`
	MemberID int64 `json:"member_id"`
	// MemberName is frozen when the record is created; later renames are not reflected.
	MemberName       string          `json:"member_name"`
	Period           Period          `json:"period"`
	Amount           decimal.Decimal `json:"amount"`
	Status           Status          `json:"status"`
	RegistrationDate time.Time       `json:"registration_date"`
	DueDate          time.Time       `json:"due_date"`
	PaymentDate      *time.Time      `json:"payment_date,omitempty"`
	PaymentMethod    string          `json:"payment_method,omitempty"`
	ProofRef         string          `json:"proof_ref,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CreateDueRequest is the input for manually creating a due record
type CreateDueRequest struct {
	MemberID int64            `json:"member_id"`
	Month    int              `json:"month"`
	Year     int              `json:"year"`
	Amount   *decimal.Decimal `json:"amount"`
	Notes    string           `json:"notes,omitempty"`
}

// ConfirmPaymentRequest is the input for marking a due record as paid
type ConfirmPaymentRequest struct {
	PaymentMethod string `json:"payment_method"`
	ProofRef      string `json:"proof_ref,omitempty"`
}

// RejectPaymentRequest is the input for rejecting a due record
type RejectPaymentRequest struct {
	Reason string `json:"reason"`
}

// GenerationResult summarizes what a backfill did for one member
type GenerationResult struct {
	MemberID   int64    `json:"member_id"`
	Created    []Period `json:"created,omitempty"`
	Existing   int      `json:"existing"`
	Skipped    bool     `json:"skipped"`
	SkipReason string   `json:"skip_reason,omitempty"`
}

// MemberFailure records why processing one member failed inside a batch
type MemberFailure struct {
	MemberID int64  `json:"member_id"`
	Error    string `json:"error"`
}

// BatchResult summarizes a run over all billable members
type BatchResult struct {
	Period    Period          `json:"period"`
	Members   int             `json:"members"`
	Created   int             `json:"created"`
	Existing  int             `json:"existing"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Failures  []MemberFailure `json:"failures,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// SweepResult summarizes an overdue sweep
type SweepResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Scanned int       `json:"scanned"`
	Marked  int       `json:"marked"`
	// Skipped counts records that left pending between the scan and the write
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}
