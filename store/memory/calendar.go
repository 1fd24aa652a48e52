package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/calendar"
)

// =============================================================================
// CALENDAR MEMORY STORE
// =============================================================================

// Calendar keeps working-week profiles, holiday rules, closures and
// exceptions in memory. Calendar configuration is read-mostly, so there is
// no transaction simulation here.
type Calendar struct {
	mu        sync.RWMutex
	profiles  map[uuid.UUID]calendar.WorkWeekProfile
	defProf   *uuid.UUID
	hprofiles map[uuid.UUID]calendar.HolidayProfile
	rules     []calendar.HolidayRule
	closures  []calendar.Closure
	excepts   []calendar.WorkingDayException
	locations map[string]calendar.LocationCalendar
}

func NewCalendar() *Calendar {
	return &Calendar{
		profiles:  map[uuid.UUID]calendar.WorkWeekProfile{},
		hprofiles: map[uuid.UUID]calendar.HolidayProfile{},
		locations: map[string]calendar.LocationCalendar{},
	}
}

// -----------------------------------------------------------------------------
// work week profiles

func (m *Calendar) CreateProfile(_ context.Context, p *calendar.WorkWeekProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.profiles[p.ID] = *p
	if p.IsDefault {
		id := p.ID
		m.defProf = &id
	}
	return nil
}

func (m *Calendar) GetProfile(_ context.Context, id uuid.UUID) (*calendar.WorkWeekProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, calendar.ErrNotFound
	}
	return &p, nil
}

func (m *Calendar) DefaultProfile(_ context.Context) (*calendar.WorkWeekProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.defProf == nil {
		return nil, calendar.ErrNotFound
	}
	p := m.profiles[*m.defProf]
	return &p, nil
}

// -----------------------------------------------------------------------------
// holidays

func (m *Calendar) CreateHolidayProfile(_ context.Context, p *calendar.HolidayProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.hprofiles[p.ID] = *p
	return nil
}

func (m *Calendar) AddHolidayRule(_ context.Context, r *calendar.HolidayRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.rules = append(m.rules, *r)
	return nil
}

func (m *Calendar) ListHolidayRules(_ context.Context, profileIDs []uuid.UUID) ([]calendar.HolidayRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if profileIDs == nil {
		out := make([]calendar.HolidayRule, len(m.rules))
		copy(out, m.rules)
		return out, nil
	}
	wanted := make(map[uuid.UUID]bool, len(profileIDs))
	for _, id := range profileIDs {
		wanted[id] = true
	}
	var out []calendar.HolidayRule
	for _, r := range m.rules {
		if wanted[r.ProfileID] {
			out = append(out, r)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// closures

func (m *Calendar) CreateClosure(_ context.Context, c *calendar.Closure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	m.closures = append(m.closures, *c)
	return nil
}

func (m *Calendar) UpdateClosure(_ context.Context, c *calendar.Closure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.closures {
		if m.closures[i].ID == c.ID {
			m.closures[i] = *c
			return nil
		}
	}
	return calendar.ErrNotFound
}

func (m *Calendar) DeleteClosure(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.closures {
		if m.closures[i].ID == id {
			m.closures = append(m.closures[:i], m.closures[i+1:]...)
			return nil
		}
	}
	return calendar.ErrNotFound
}

func (m *Calendar) GetClosure(_ context.Context, id uuid.UUID) (*calendar.Closure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.closures {
		if m.closures[i].ID == id {
			c := m.closures[i]
			return &c, nil
		}
	}
	return nil, calendar.ErrNotFound
}

func (m *Calendar) ListClosures(_ context.Context, from, to time.Time, location string) ([]calendar.Closure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []calendar.Closure
	for _, c := range m.closures {
		if c.Location != "" && c.Location != location {
			continue
		}
		if calendar.Overlaps(c.StartDate, c.EndDate, from, to) {
			out = append(out, c)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// exceptions

func (m *Calendar) CreateException(_ context.Context, e *calendar.WorkingDayException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.excepts = append(m.excepts, *e)
	return nil
}

func (m *Calendar) ListExceptions(_ context.Context, from, to time.Time, location string) ([]calendar.WorkingDayException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []calendar.WorkingDayException
	for _, e := range m.excepts {
		if e.Location != "" && e.Location != location {
			continue
		}
		if calendar.Covers(from, to, e.Date) {
			out = append(out, e)
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// location calendars

func (m *Calendar) SetLocationCalendar(_ context.Context, lc *calendar.LocationCalendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[lc.Location] = *lc
	return nil
}

func (m *Calendar) GetLocationCalendar(_ context.Context, location string) (*calendar.LocationCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lc, ok := m.locations[location]
	if !ok {
		return nil, calendar.ErrNotFound
	}
	return &lc, nil
}
