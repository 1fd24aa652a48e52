/*
Package calendar is the working-day kernel.

PURPOSE:
  Everything that decides whether a calendar day counts as a working day
  lives here: weekly work-week profiles, holiday profiles with recurrence
  rules (fixed date, yearly, Easter-relative), company closures, and
  single-date working-day exceptions. The leave engine never inspects
  weekdays or holidays itself - it asks this package.

KEY CONCEPTS:
  Day:              calendar date, normalized to midnight UTC. No clock.
  WorkWeekProfile:  weekday -> {is_working, hours}. One profile is default.
  HolidayRule:      recurrence rule expanded per year, per queried range.
  Closure:          employer-declared non-working range. NOT subtracted by
                    the kernel; the leave engine applies the closure overlay.
  Exception:        single-date override. Beats both profile and holidays.

EXAMPLE:
  days, _ := kernel.WorkingDays(ctx, start, end, false, false, "milan")
  // days = 11 for 2025-07-10..2025-07-24 under a Mon-Fri profile

SEE ALSO:
  - kernel.go: the counting rule
  - aggregate.go: per-day range view for calendar screens
*/
package calendar

import "time"

// =============================================================================
// DAY ARITHMETIC - dates are days, never clock times
// =============================================================================

// Day truncates t to its calendar day, midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayOf builds the calendar day for year/month/day.
func DayOf(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the day n days after d (negative n goes back).
func AddDays(d time.Time, n int) time.Time {
	return Day(d).AddDate(0, 0, n)
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

// DaysBetween counts whole days from a to b (0 when same day).
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// Overlaps reports whether the inclusive ranges [aStart,aEnd] and
// [bStart,bEnd] share at least one day.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !Day(aStart).After(Day(bEnd)) && !Day(bStart).After(Day(aEnd))
}

// Covers reports whether day d lies inside the inclusive range [start,end].
func Covers(start, end, d time.Time) bool {
	d = Day(d)
	return !d.Before(Day(start)) && !d.After(Day(end))
}

// DayKey is the map key for per-day lookups (ISO date).
func DayKey(d time.Time) string {
	return d.Format("2006-01-02")
}
