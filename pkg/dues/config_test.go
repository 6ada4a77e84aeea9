package dues

import (
	"testing"

	"github.com/platinummonkey/clubhouse/pkg/members"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default", func(c *Config) {}, ""},
		{"enabled", func(c *Config) { c.AutomaticGenerationEnabled = true }, ""},
		{"negative months ahead", func(c *Config) { c.MonthsAhead = -1 }, "months ahead"},
		{"zero amount", func(c *Config) { c.MonthlyDueAmount = decimal.Zero }, "amount must be positive"},
		{"negative amount", func(c *Config) { c.MonthlyDueAmount = decimal.NewFromInt(-5) }, "amount must be positive"},
		{"fractional cents", func(c *Config) { c.MonthlyDueAmount = decimal.RequireFromString("30.125") }, "decimal places"},
		{"trailing zero cents", func(c *Config) { c.MonthlyDueAmount = decimal.RequireFromString("30.500") }, ""},
		{"amount too large", func(c *Config) { c.MonthlyDueAmount = decimal.NewFromInt(10_000_000_000) }, "less than"},
		{"due day 32", func(c *Config) { c.DueDayOfMonth = intPtr(32) }, "due day"},
		{"due day 0", func(c *Config) { c.DueDayOfMonth = intPtr(0) }, "due day"},
		{"due day 31", func(c *Config) { c.DueDayOfMonth = intPtr(31) }, ""},
		{"enabled without roles", func(c *Config) {
			c.AutomaticGenerationEnabled = true
			c.BillableRoles = nil
		}, "billable role"},
		{"empty role", func(c *Config) { c.BillableRoles = []members.Role{""} }, "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("0.01")))
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("9999999999.99")))

	for _, raw := range []string{"0", "-1", "0.001", "10000000000"} {
		err := ValidateAmount(decimal.RequireFromString(raw))
		var verr *ValidationError
		if assert.ErrorAs(t, err, &verr, raw) {
			assert.Equal(t, "amount", verr.Field)
		}
	}
}

func TestConfig_CopiedAtConstruction(t *testing.T) {
	cfg := enabledConfig()
	cfg.DueDayOfMonth = intPtr(10)
	engine := NewEngine(newMemStore(), &fakeDirectory{}, cfg, testLogger(), nil)

	*cfg.DueDayOfMonth = 20
	cfg.BillableRoles[0] = members.RoleCoach

	assert.Equal(t, 10, *engine.cfg.DueDayOfMonth)
	assert.True(t, engine.cfg.IsBillable(members.RolePlayer))
	assert.False(t, engine.cfg.IsBillable(members.RoleCoach))
}
