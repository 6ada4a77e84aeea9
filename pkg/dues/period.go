package dues

import (
	"fmt"
	"time"
)

// MinPeriodYear is the earliest billing year accepted
const MinPeriodYear = 2000

// Period identifies a monthly billing cycle
type Period struct {
	Month time.Month `json:"month"`
	Year  int        `json:"year"`
}

// NewPeriod builds a validated period
func NewPeriod(month, year int) (Period, error) {
	p := Period{Month: time.Month(month), Year: year}
	if err := p.Validate(); err != nil {
		return Period{}, err
	}
	return p, nil
}

// PeriodOf returns the period containing t, using t's own calendar date
func PeriodOf(t time.Time) Period {
	return Period{Month: t.Month(), Year: t.Year()}
}

// Validate checks the month and year range
func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return &ValidationError{Field: "month", Message: fmt.Sprintf("must be between 1 and 12, got %d", p.Month)}
	}
	if p.Year < MinPeriodYear {
		return &ValidationError{Field: "year", Message: fmt.Sprintf("must be %d or later, got %d", MinPeriodYear, p.Year)}
	}
	return nil
}

// IsZero reports whether the period was never set
func (p Period) IsZero() bool {
	return p.Month == 0 && p.Year == 0
}

// AddMonths returns the period n months later (or earlier for negative n)
func (p Period) AddMonths(n int) Period {
	idx := p.index() + n
	return Period{Month: time.Month(idx%12 + 1), Year: idx / 12}
}

// Before reports whether p is strictly earlier than other
func (p Period) Before(other Period) bool {
	return p.index() < other.index()
}

// FirstDay returns midnight UTC of the first day of the period
func (p Period) FirstDay() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// Days returns the number of days in the period's month
func (p Period) Days() int {
	return p.FirstDay().AddDate(0, 1, -1).Day()
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) index() int {
	return p.Year*12 + int(p.Month) - 1
}
