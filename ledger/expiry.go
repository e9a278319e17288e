package ledger

import "time"

// EndOfMonthAfterNext returns the last millisecond of the calendar month two
// months after t, evaluated in loc.
//
//	2026-10-17 -> 2026-12-31T23:59:59.999
//	2026-12-05 -> 2027-02-28T23:59:59.999
func EndOfMonthAfterNext(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	firstOfThird := time.Date(local.Year(), local.Month()+3, 1, 0, 0, 0, 0, loc)
	return firstOfThird.Add(-time.Millisecond)
}
