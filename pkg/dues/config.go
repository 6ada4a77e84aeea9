package dues

import (
	"fmt"

	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/shopspring/decimal"
)

// Config controls automatic due generation. Components copy it at
// construction; changing a Config after that has no effect on them.
type Config struct {
	AutomaticGenerationEnabled bool
	// MonthsAhead is how many periods beyond the current one a backfill creates.
	MonthsAhead      int
	MonthlyDueAmount decimal.Decimal
	// DueDayOfMonth is nil when dues fall on the last day of each month.
	DueDayOfMonth *int
	BillableRoles []members.Role
}

// DefaultConfig returns a disabled configuration billing players on the last day of the month
func DefaultConfig() Config {
	return Config{
		AutomaticGenerationEnabled: false,
		MonthsAhead:                0,
		MonthlyDueAmount:           decimal.NewFromInt(30),
		BillableRoles:              []members.Role{members.RolePlayer},
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.MonthsAhead < 0 {
		return fmt.Errorf("months ahead must be zero or positive, got %d", c.MonthsAhead)
	}
	if !c.MonthlyDueAmount.IsPositive() {
		return fmt.Errorf("monthly due amount must be positive, got %s", c.MonthlyDueAmount)
	}
	if err := ValidateAmount(c.MonthlyDueAmount); err != nil {
		return fmt.Errorf("monthly due amount: %w", err)
	}
	if c.DueDayOfMonth != nil && (*c.DueDayOfMonth < 1 || *c.DueDayOfMonth > 31) {
		return fmt.Errorf("due day of month must be between 1 and 31, got %d", *c.DueDayOfMonth)
	}
	if c.AutomaticGenerationEnabled && len(c.BillableRoles) == 0 {
		return fmt.Errorf("at least one billable role is required when automatic generation is enabled")
	}
	for _, r := range c.BillableRoles {
		if r == "" {
			return fmt.Errorf("billable roles must not contain empty values")
		}
	}
	return nil
}

// IsBillable reports whether members with the role owe periodic dues
func (c Config) IsBillable(role members.Role) bool {
	for _, r := range c.BillableRoles {
		if r == role {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	out := c
	out.BillableRoles = append([]members.Role(nil), c.BillableRoles...)
	if c.DueDayOfMonth != nil {
		day := *c.DueDayOfMonth
		out.DueDayOfMonth = &day
	}
	return out
}
