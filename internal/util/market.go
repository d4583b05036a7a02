package util

import "time"

// nyse is the exchange timezone used for the active-window check. Falls back
// to a fixed UTC-5 offset when the tz database is unavailable.
var nyse = mustLocation("America/New_York")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("EST", -5*3600)
	}
	return loc
}

// ActiveWindow reports whether t falls inside US regular trading hours
// (09:30–16:00 ET, Monday–Friday). Cache TTL policy treats this window as
// the "active" period where quotes go stale quickly.
func ActiveWindow(t time.Time) bool {
	et := t.In(nyse)
	switch et.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	mins := et.Hour()*60 + et.Minute()
	return mins >= 9*60+30 && mins < 16*60
}
