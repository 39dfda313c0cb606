package admission

import "time"

// WindowStart truncates now to the tier's window length in UTC. It is a pure
// function of (now, length): two concurrent requests computing the boundary
// independently always agree on the window identity, which is what makes
// "does a counter for this window exist" a well-posed question safe to race
// on.
func WindowStart(now time.Time, length time.Duration) time.Time {
	return now.UTC().Truncate(length)
}

// WindowEnd returns the exclusive end of the window containing now.
func WindowEnd(now time.Time, length time.Duration) time.Time {
	return WindowStart(now, length).Add(length)
}

// MonthKey returns the calendar-month ledger key (YYYY-MM, UTC) for now.
func MonthKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// MonthBounds returns the half-open [start, end) bounds of the calendar month
// containing now, in UTC.
func MonthBounds(now time.Time) (start, end time.Time) {
	n := now.UTC()
	start = time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
