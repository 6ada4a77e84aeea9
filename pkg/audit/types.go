package audit

import "time"

// EventType identifies what happened
type EventType string

const (
	// Due record mutations
	EventTypeDueCreated   EventType = "due.created"
	EventTypeDuePaid      EventType = "due.paid"
	EventTypeDueRejected  EventType = "due.rejected"
	EventTypeDueNoteAdded EventType = "due.note_added"
	EventTypeDueDeleted   EventType = "due.deleted"

	// Billing runs
	EventTypeMonthlyGeneration EventType = "billing.monthly_generation"
	EventTypeOverdueSweep      EventType = "billing.overdue_sweep"
	EventTypeMemberBackfill    EventType = "billing.member_backfill"
	EventTypeBulkBackfill      EventType = "billing.bulk_backfill"
)

// Status is the outcome of the audited action
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event is a single audit record
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Status    Status    `json:"status"`

	// Who and where
	Actor     string `json:"actor,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	// What
	DueID    *int64 `json:"due_id,omitempty"`
	MemberID *int64 `json:"member_id,omitempty"`
	Period   string `json:"period,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Filter narrows a Search. Zero fields match everything.
type Filter struct {
	EventTypes []EventType
	DueID      *int64
	MemberID   *int64
	Actor      string
	Since      *time.Time
	Until      *time.Time

	Limit  int
	Offset int
}

const (
	// DefaultSearchLimit applies when Filter.Limit is unset
	DefaultSearchLimit = 100
	// MaxSearchLimit caps Filter.Limit
	MaxSearchLimit = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultSearchLimit
	case f.Limit > MaxSearchLimit:
		return MaxSearchLimit
	default:
		return f.Limit
	}
}
