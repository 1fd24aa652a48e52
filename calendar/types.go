package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a calendar entity does not exist.
	ErrNotFound = errors.New("calendar: not found")

	// ErrInvalidRange is returned when end precedes start.
	ErrInvalidRange = errors.New("calendar: end date before start date")
)

// =============================================================================
// WORK WEEK PROFILE - weekday -> working flag + hours
// =============================================================================

// DayConfig describes one weekday of a work-week profile.
type DayConfig struct {
	IsWorking bool            `json:"is_working"`
	Hours     decimal.Decimal `json:"hours"`
}

// WorkWeekProfile maps the seven weekdays to their configuration.
// Days is indexed by time.Weekday (Sunday = 0).
type WorkWeekProfile struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	IsDefault bool         `json:"is_default"`
	Days      [7]DayConfig `json:"days"`
	CreatedAt time.Time    `json:"created_at"`
}

// IsWorkingDay reports whether the profile marks the weekday as working.
func (p *WorkWeekProfile) IsWorkingDay(wd time.Weekday) bool {
	return p.Days[wd].IsWorking
}

// MondayToFriday is the built-in fallback profile used when no profile is
// configured at all: five 8-hour days, weekend off.
func MondayToFriday() *WorkWeekProfile {
	p := &WorkWeekProfile{Name: "Mon-Fri (built-in)"}
	eight := decimal.NewFromInt(8)
	for wd := time.Monday; wd <= time.Friday; wd++ {
		p.Days[wd] = DayConfig{IsWorking: true, Hours: eight}
	}
	return p
}

// =============================================================================
// HOLIDAYS - profiles group fixed dates and recurrence rules
// =============================================================================

// RuleType discriminates holiday recurrence forms.
type RuleType string

const (
	RuleFixed          RuleType = "fixed"           // one specific date
	RuleYearly         RuleType = "yearly"          // every year at month/day
	RuleEasterRelative RuleType = "easter_relative" // Easter Sunday + offset
)

// HolidayProfile groups holiday rules, e.g. "Italian national holidays".
type HolidayProfile struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// HolidayRule is one entry of a holiday profile. Exactly the fields for its
// type are meaningful: Date for fixed, Month/Day for yearly, Offset for
// easter_relative.
type HolidayRule struct {
	ID        uuid.UUID  `json:"id"`
	ProfileID uuid.UUID  `json:"profile_id"`
	Name      string     `json:"name"`
	Type      RuleType   `json:"type"`
	Date      *time.Time `json:"date,omitempty"`
	Month     time.Month `json:"month,omitempty"`
	Day       int        `json:"day,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// Holiday is a rule expanded to a concrete date.
type Holiday struct {
	Date time.Time `json:"date"`
	Name string    `json:"name"`
}

// =============================================================================
// CLOSURES AND EXCEPTIONS
// =============================================================================

// Closure is an employer-declared non-working range, inclusive on both ends.
// Empty Location/Department means company-wide.
type Closure struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	StartDate            time.Time `json:"start_date"`
	EndDate              time.Time `json:"end_date"`
	Location             string    `json:"location,omitempty"`
	Department           string    `json:"department,omitempty"`
	IsPaid               bool      `json:"is_paid"`
	ConsumesLeaveBalance bool      `json:"consumes_leave_balance"`
	LeaveTypeCode        string    `json:"leave_type_code,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// ExceptionType says which way a working-day exception flips a date.
type ExceptionType string

const (
	ExceptionWorking    ExceptionType = "working"
	ExceptionNonWorking ExceptionType = "non_working"
)

// WorkingDayException overrides the profile and the holiday set for one date.
type WorkingDayException struct {
	ID        uuid.UUID     `json:"id"`
	Date      time.Time     `json:"date"`
	Type      ExceptionType `json:"type"`
	Location  string        `json:"location,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// LocationCalendar links a location (empty = default) to its work-week
// profile and the holiday profiles whose rules apply there.
type LocationCalendar struct {
	ID                uuid.UUID   `json:"id"`
	Location          string      `json:"location"`
	ProfileID         uuid.UUID   `json:"profile_id"`
	HolidayProfileIDs []uuid.UUID `json:"holiday_profile_ids"`
}

// =============================================================================
// STORE - persistence needed by the kernel and the config surface
// =============================================================================

// Store is the calendar persistence interface. Read paths serve the kernel;
// write paths serve the configuration API.
type Store interface {
	CreateProfile(ctx context.Context, p *WorkWeekProfile) error
	GetProfile(ctx context.Context, id uuid.UUID) (*WorkWeekProfile, error)
	DefaultProfile(ctx context.Context) (*WorkWeekProfile, error)

	CreateHolidayProfile(ctx context.Context, p *HolidayProfile) error
	AddHolidayRule(ctx context.Context, r *HolidayRule) error
	// ListHolidayRules returns the rules of the given profiles; nil means all.
	ListHolidayRules(ctx context.Context, profileIDs []uuid.UUID) ([]HolidayRule, error)

	CreateClosure(ctx context.Context, c *Closure) error
	UpdateClosure(ctx context.Context, c *Closure) error
	DeleteClosure(ctx context.Context, id uuid.UUID) error
	GetClosure(ctx context.Context, id uuid.UUID) (*Closure, error)
	// ListClosures returns closures intersecting [from,to] whose location
	// scope is empty or equals location.
	ListClosures(ctx context.Context, from, to time.Time, location string) ([]Closure, error)

	CreateException(ctx context.Context, e *WorkingDayException) error
	// ListExceptions returns exceptions dated in [from,to] whose location
	// scope is empty or equals location.
	ListExceptions(ctx context.Context, from, to time.Time, location string) ([]WorkingDayException, error)

	SetLocationCalendar(ctx context.Context, lc *LocationCalendar) error
	GetLocationCalendar(ctx context.Context, location string) (*LocationCalendar, error)
}
