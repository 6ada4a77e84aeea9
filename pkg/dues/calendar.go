package dues

import "time"

// DueDate returns the date a due for the period must be paid by.
//
// A configured day that does not exist in the period's month (31 in April,
// 30 in February, zero, negative) and a nil day all resolve to the last
// calendar day of the month. This is normalization, not an error.
func DueDate(p Period, dueDay *int) time.Time {
	last := p.Days()
	if dueDay == nil || *dueDay < 1 || *dueDay > last {
		return LastDayOfMonth(p)
	}
	return time.Date(p.Year, p.Month, *dueDay, 0, 0, 0, 0, time.UTC)
}

// LastDayOfMonth returns midnight UTC of the last day of the period
func LastDayOfMonth(p Period) time.Time {
	return time.Date(p.Year, p.Month, p.Days(), 0, 0, 0, 0, time.UTC)
}

// StartOfDay returns midnight UTC of t's calendar date.
// Due dates are stored as UTC dates, so comparisons against "today" use this.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
