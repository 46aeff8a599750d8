package utils

import "time"

// Day-boundary helpers shared by every ledger rule. "Today" is anchored to a
// single configured location (default UTC) so streaks and daily caps agree on
// when a day rolls over regardless of server locale or DST.

// DayStart truncates t to midnight in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// SameDay reports whether a and b fall on the same calendar day in loc.
func SameDay(a, b time.Time, loc *time.Location) bool {
	return DayStart(a, loc).Equal(DayStart(b, loc))
}

// IsYesterday reports whether last falls on the calendar day immediately
// before today in loc.
func IsYesterday(last, today time.Time, loc *time.Location) bool {
	return DayStart(last, loc).AddDate(0, 0, 1).Equal(DayStart(today, loc))
}

// LoadLocation resolves a timezone name, falling back to UTC on failure.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if Sugar != nil {
			Sugar.Warnf("invalid timezone %q, falling back to UTC", name)
		}
		return time.UTC
	}
	return loc
}
