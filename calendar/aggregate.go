/*
aggregate.go - Calendar Range Aggregator

PURPOSE:
  Builds the per-day view calendar screens consume: for every day of the
  requested range, the holiday name, any overlapping closure, the user's
  approved/pending leaves, events from visible calendars, and whether the
  day works once the closure overlay is applied.

INVARIANT:
  Over a closure-free range the aggregator's WorkingDays equals
  Kernel.WorkingDays for the same range and location. Both are computed
  from the same dayRules; the aggregator only adds the closure overlay.
*/
package calendar

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LeaveRef is the slice of a leave request the aggregator needs. The leave
// package adapts its own model to this.
type LeaveRef struct {
	ID           uuid.UUID `json:"id"`
	TypeCode     string    `json:"type_code"`
	Status       string    `json:"status"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	StartHalfDay bool      `json:"start_half_day"`
	EndHalfDay   bool      `json:"end_half_day"`
}

// LeaveSource lists a user's approved and pending leaves touching a range.
type LeaveSource interface {
	LeavesInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]LeaveRef, error)
}

// Event is an entry from a visible calendar (meetings, company events).
type Event struct {
	ID         uuid.UUID `json:"id"`
	CalendarID uuid.UUID `json:"calendar_id"`
	Title      string    `json:"title"`
	Date       time.Time `json:"date"`
}

// EventSource lists events visible to a user in a range. Optional.
type EventSource interface {
	EventsInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]Event, error)
}

// DayView is one day of the aggregated range.
type DayView struct {
	Date         time.Time  `json:"date"`
	IsWorkingDay bool       `json:"is_working_day"`
	Holiday      string     `json:"holiday,omitempty"`
	Closure      *Closure   `json:"closure,omitempty"`
	Leaves       []LeaveRef `json:"leaves,omitempty"`
	Events       []Event    `json:"events,omitempty"`
}

// RangeView is the aggregated answer for [Start,End].
type RangeView struct {
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Location    string          `json:"location,omitempty"`
	Days        []DayView       `json:"days"`
	WorkingDays decimal.Decimal `json:"working_days"`
}

// Aggregator fuses kernel rules, closures, leaves and events into DayViews.
type Aggregator struct {
	kernel *Kernel
	leaves LeaveSource
	events EventSource
	log    zerolog.Logger
}

// NewAggregator builds an aggregator. leaves and events may be nil; the
// corresponding view fields stay empty.
func NewAggregator(kernel *Kernel, leaves LeaveSource, events EventSource, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		kernel: kernel,
		leaves: leaves,
		events: events,
		log:    log.With().Str("component", "calendar_aggregator").Logger(),
	}
}

// BuildRange assembles the per-day view for [start,end].
func (a *Aggregator) BuildRange(ctx context.Context, userID uuid.UUID, start, end time.Time, location string) (*RangeView, error) {
	start, end = Day(start), Day(end)
	if end.Before(start) {
		return nil, ErrInvalidRange
	}

	rules, err := a.kernel.load(ctx, location, start, end)
	if err != nil {
		return nil, err
	}
	closed, err := a.kernel.ClosedDays(ctx, start, end, location)
	if err != nil {
		return nil, err
	}

	var leaves []LeaveRef
	if a.leaves != nil {
		if leaves, err = a.leaves.LeavesInRange(ctx, userID, start, end); err != nil {
			return nil, err
		}
	}
	var events []Event
	if a.events != nil {
		if events, err = a.events.EventsInRange(ctx, userID, start, end); err != nil {
			return nil, err
		}
	}

	view := &RangeView{Start: start, End: end, Location: location, WorkingDays: decimal.Zero}
	for d := start; !d.After(end); d = AddDays(d, 1) {
		dv := DayView{Date: d, Holiday: rules.Holiday(d)}

		working := rules.IsWorking(d)
		if c, ok := closed[DayKey(d)]; ok {
			closure := c
			dv.Closure = &closure
			working = false
		}
		dv.IsWorkingDay = working
		if working {
			view.WorkingDays = view.WorkingDays.Add(oneDay)
		}

		for _, l := range leaves {
			if Covers(l.StartDate, l.EndDate, d) {
				dv.Leaves = append(dv.Leaves, l)
			}
		}
		for _, e := range events {
			if SameDay(e.Date, d) {
				dv.Events = append(dv.Events, e)
			}
		}
		view.Days = append(view.Days, dv)
	}
	return view, nil
}
