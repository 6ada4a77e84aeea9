package dues

import (
	"context"
	"time"

	"github.com/platinummonkey/clubhouse/pkg/members"
)

// Store persists due records.
//
// Implementations must enforce uniqueness of (member, period) at the storage
// layer and report collisions as ErrDuplicate; that constraint is the only
// guard against double creation across concurrent runs and instances.
type Store interface {
	// Create inserts a new record and assigns its ID
	Create(ctx context.Context, rec *DueRecord) error

	// Update persists a record only if its stored status still equals expected.
	// It returns ErrConflict when the stored status differs.
	Update(ctx context.Context, rec *DueRecord, expected Status) error

	ExistsFor(ctx context.Context, memberID int64, period Period) (bool, error)

	// FindPendingDueBefore returns pending records whose due date is strictly before cutoff
	FindPendingDueBefore(ctx context.Context, cutoff time.Time) ([]*DueRecord, error)

	FindByID(ctx context.Context, id int64) (*DueRecord, error)
	ListByMember(ctx context.Context, memberID int64) ([]*DueRecord, error)

	// Delete removes a record that is still pending. It returns ErrConflict
	// when the record is no longer pending and ErrNotFound when it is gone.
	Delete(ctx context.Context, id int64) error
}

// MemberDirectory is the read-only view of club members the engine needs
type MemberDirectory interface {
	ListActiveBillableMembers(ctx context.Context, roles []members.Role) ([]*members.Member, error)
	GetMember(ctx context.Context, id int64) (*members.Member, error)
}

// RegistrationPeriod returns the period a member started owing dues.
// The creation timestamp wins over the registration date; when neither is
// known the current period is used as a last resort.
func RegistrationPeriod(m *members.Member, now time.Time) Period {
	switch {
	case m.CreatedAt != nil && !m.CreatedAt.IsZero():
		return PeriodOf(*m.CreatedAt)
	case m.RegisteredOn != nil && !m.RegisteredOn.IsZero():
		return PeriodOf(*m.RegisteredOn)
	default:
		return PeriodOf(now)
	}
}
