/*
kernel.go - The working-day counting rule

PURPOSE:
  One place computes working days. Profile says which weekdays work,
  holiday rules knock days out, exceptions override everything for a
  single date. Half-day endpoint flags contribute 0.5 instead of 1.

THE RULE (per day):
  1. An exception dated that day decides alone: working -> counts,
     non_working -> does not. Exceptions beat holidays.
  2. Otherwise a holiday never counts.
  3. Otherwise the weekly profile's weekday flag decides.

CLOSURES:
  Deliberately not part of WorkingDays. The leave engine applies the
  closure overlay when recomputing requests that overlap a closure,
  and the range aggregator shows closures in the per-day view.

SEE ALSO:
  - aggregate.go: per-day view built from the same primitives
*/
package calendar

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	oneDay  = decimal.NewFromInt(1)
	halfDay = decimal.New(5, -1)
)

// Kernel answers working-day questions for a location.
type Kernel struct {
	store Store
	log   zerolog.Logger
}

func NewKernel(store Store, log zerolog.Logger) *Kernel {
	return &Kernel{store: store, log: log.With().Str("component", "calendar").Logger()}
}

// =============================================================================
// LOCATION CONFIG - profile + holidays + exceptions resolved for a range
// =============================================================================

// dayRules holds everything needed to classify the days of one query range.
type dayRules struct {
	profile    *WorkWeekProfile
	holidays   map[string]Holiday             // DayKey -> holiday
	exceptions map[string]WorkingDayException // DayKey -> exception
}

// IsWorking applies the counting rule to a single day.
func (r *dayRules) IsWorking(d time.Time) bool {
	if ex, ok := r.exceptions[DayKey(d)]; ok {
		return ex.Type == ExceptionWorking
	}
	if _, ok := r.holidays[DayKey(d)]; ok {
		return false
	}
	return r.profile.IsWorkingDay(d.Weekday())
}

// Holiday returns the holiday name for d, or "".
func (r *dayRules) Holiday(d time.Time) string {
	if h, ok := r.holidays[DayKey(d)]; ok {
		return h.Name
	}
	return ""
}

// load resolves the effective configuration for location over [from,to].
//
// Resolution: the location's calendar row, else the default row (location
// ""), else default profile with every holiday profile subscribed, else the
// built-in Mon-Fri profile.
func (k *Kernel) load(ctx context.Context, location string, from, to time.Time) (*dayRules, error) {
	var (
		profile        *WorkWeekProfile
		holidayProfile []HolidayRule
		err            error
	)

	lc, err := k.store.GetLocationCalendar(ctx, location)
	if err == ErrNotFound && location != "" {
		lc, err = k.store.GetLocationCalendar(ctx, "")
	}
	switch err {
	case nil:
		profile, err = k.store.GetProfile(ctx, lc.ProfileID)
		if err != nil {
			return nil, err
		}
		holidayProfile, err = k.store.ListHolidayRules(ctx, lc.HolidayProfileIDs)
		if err != nil {
			return nil, err
		}
	case ErrNotFound:
		profile, err = k.store.DefaultProfile(ctx)
		if err == ErrNotFound {
			profile = MondayToFriday()
		} else if err != nil {
			return nil, err
		}
		holidayProfile, err = k.store.ListHolidayRules(ctx, nil)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	rules := &dayRules{
		profile:    profile,
		holidays:   make(map[string]Holiday),
		exceptions: make(map[string]WorkingDayException),
	}
	for _, h := range ExpandRules(holidayProfile, from.Year(), to.Year()) {
		if Covers(from, to, h.Date) {
			rules.holidays[DayKey(h.Date)] = h
		}
	}

	exceptions, err := k.store.ListExceptions(ctx, from, to, location)
	if err != nil {
		return nil, err
	}
	for _, ex := range exceptions {
		rules.exceptions[DayKey(ex.Date)] = ex
	}
	return rules, nil
}

// =============================================================================
// RULE EXPANSION - recurrence rules to concrete dates
// =============================================================================

// ExpandRules materializes holiday rules for every year in [fromYear,toYear].
// Yearly rules that produce an invalid date (Feb 29 off leap years) are
// dropped for that year.
func ExpandRules(rules []HolidayRule, fromYear, toYear int) []Holiday {
	var out []Holiday
	for year := fromYear; year <= toYear; year++ {
		for _, r := range rules {
			switch r.Type {
			case RuleFixed:
				if r.Date != nil && r.Date.Year() == year {
					out = append(out, Holiday{Date: Day(*r.Date), Name: r.Name})
				}
			case RuleYearly:
				d := DayOf(year, r.Month, r.Day)
				if d.Month() != r.Month || d.Day() != r.Day {
					continue // rolled over: invalid date for this year
				}
				out = append(out, Holiday{Date: d, Name: r.Name})
			case RuleEasterRelative:
				out = append(out, Holiday{Date: AddDays(Easter(year), r.Offset), Name: r.Name})
			}
		}
	}
	return out
}

// =============================================================================
// WORKING DAYS
// =============================================================================

// WorkingDays counts working days in [start,end] for the location. A counted
// endpoint whose half-day flag is set contributes 0.5. A single-day range
// with either flag set contributes 0.5.
func (k *Kernel) WorkingDays(ctx context.Context, start, end time.Time, startHalf, endHalf bool, location string) (decimal.Decimal, error) {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return decimal.Zero, ErrInvalidRange
	}
	rules, err := k.load(ctx, location, start, end)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for d := start; !d.After(end); d = AddDays(d, 1) {
		if !rules.IsWorking(d) {
			continue
		}
		w := oneDay
		if startHalf && SameDay(d, start) {
			w = halfDay
		}
		if endHalf && SameDay(d, end) {
			w = halfDay
		}
		total = total.Add(w)
	}
	return total, nil
}

// IsWorkingDay classifies a single day for the location.
func (k *Kernel) IsWorkingDay(ctx context.Context, d time.Time, location string) (bool, error) {
	d = Day(d)
	rules, err := k.load(ctx, location, d, d)
	if err != nil {
		return false, err
	}
	return rules.IsWorking(d), nil
}

// WorkingDaysOf filters days, keeping those that count as working days.
// Used for interruption refunds where specific dates are recalled.
func (k *Kernel) WorkingDaysOf(ctx context.Context, days []time.Time, location string) ([]time.Time, error) {
	if len(days) == 0 {
		return nil, nil
	}
	min, max := Day(days[0]), Day(days[0])
	for _, d := range days[1:] {
		d = Day(d)
		if d.Before(min) {
			min = d
		}
		if d.After(max) {
			max = d
		}
	}
	rules, err := k.load(ctx, location, min, max)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, d := range days {
		if rules.IsWorking(Day(d)) {
			out = append(out, Day(d))
		}
	}
	return out, nil
}

// ClosedDays expands the closures intersecting [from,to] into the set of
// closed dates inside the range. The caller applies the closure overlay.
func (k *Kernel) ClosedDays(ctx context.Context, from, to time.Time, location string) (map[string]Closure, error) {
	from, to = Day(from), Day(to)
	closures, err := k.store.ListClosures(ctx, from, to, location)
	if err != nil {
		return nil, err
	}
	closed := make(map[string]Closure)
	for _, c := range closures {
		for d := Day(c.StartDate); !d.After(Day(c.EndDate)); d = AddDays(d, 1) {
			if Covers(from, to, d) {
				closed[DayKey(d)] = c
			}
		}
	}
	return closed, nil
}
