package dues

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a due record does not exist
	ErrNotFound = errors.New("due record not found")

	// ErrNotPending is returned when deleting a record that left the pending state
	ErrNotPending = errors.New("only pending due records can be deleted")

	// ErrDuplicate is returned when a record already exists for the member and period
	ErrDuplicate = errors.New("due record already exists for member and period")

	// ErrConflict is returned when a record changed state between read and write
	ErrConflict = errors.New("due record was modified concurrently")
)

// ValidationError reports missing or malformed input
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransitionError reports a lifecycle transition that is not permitted
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition due record from %s to %s", e.From, e.To)
}

// IsTransitionError checks if an error is a transition error
func IsTransitionError(err error) bool {
	var t *TransitionError
	return errors.As(err, &t)
}

func required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}
