package members

import (
	"errors"
	"strings"
	"time"
)

// Role identifies what a member does in the club
type Role string

const (
	RolePlayer   Role = "player"
	RoleCoach    Role = "coach"
	RoleReferee  Role = "referee"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	RoleGuardian Role = "guardian"
)

// ErrNotFound is returned when a member does not exist
var ErrNotFound = errors.New("member not found")

// Member is the slice of a club member the billing engine needs
type Member struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role"`
	Active   bool   `json:"active"`

	// CreatedAt is the precise account creation timestamp, when known.
	CreatedAt *time.Time `json:"created_at,omitempty"`
	// RegisteredOn is the registration date entered by club staff.
	RegisteredOn *time.Time `json:"registered_on,omitempty"`
}

// RoleStrings converts roles to plain strings for SQL array binding
func RoleStrings(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// ParseRole converts a configured role name into a Role
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePlayer, RoleCoach, RoleReferee, RoleStaff, RoleAdmin, RoleGuardian:
		return r, true
	default:
		return "", false
	}
}
