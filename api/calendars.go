/*
calendars.go - Working-day queries and calendar configuration handlers

ENDPOINTS:
  Queries:
    GET    /api/v1/calendar/working-days     Count working days in a range
    GET    /api/v1/users/{id}/calendar       Per-day range view (aggregator)

  Configuration:
    POST   /api/v1/calendar/profiles                   Work-week profile
    POST   /api/v1/calendar/holiday-profiles           Holiday profile
    POST   /api/v1/calendar/holiday-profiles/{id}/rules  Add a rule
    GET    /api/v1/calendar/holiday-rules              List rules
    GET    /api/v1/calendar/closures                   List closures
    POST   /api/v1/calendar/closures                   Create closure
    PUT    /api/v1/calendar/closures/{id}              Update closure
    DELETE /api/v1/calendar/closures/{id}              Delete closure
    GET    /api/v1/calendar/exceptions                 List exceptions
    POST   /api/v1/calendar/exceptions                 Create exception
    GET    /api/v1/calendar/locations/{location}       Location binding
    PUT    /api/v1/calendar/locations/{location}       Bind location

Closure mutations reprice the approved leaves they touch before the
response goes out; the result carries the number of changed requests.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/calendar"
)

// =============================================================================
// QUERY HANDLERS
// =============================================================================

// GetWorkingDays counts the working days in ?start=&end=, honoring
// ?start_half=&end_half= and ?location=.
func (h *Handler) GetWorkingDays(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, ok := dayRange(w, q.Get("start"), q.Get("end"))
	if !ok {
		return
	}
	startHalf := q.Get("start_half") == "true"
	endHalf := q.Get("end_half") == "true"
	location := q.Get("location")

	days, err := h.Kernel.WorkingDays(r.Context(), start, end, startHalf, endHalf, location)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, WorkingDaysDTO{
		Start:       start.Format("2006-01-02"),
		End:         end.Format("2006-01-02"),
		Location:    location,
		WorkingDays: days.String(),
	})
}

// GetUserCalendar returns the aggregated per-day view for
// ?from=&to=&location=: working flags, holidays, closures and the user's
// leaves overlaid.
func (h *Handler) GetUserCalendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	from, to, ok := dayRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}
	view, err := h.Aggregator.BuildRange(r.Context(), userID, from, to, q.Get("location"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// =============================================================================
// PROFILE HANDLERS
// =============================================================================

// CreateProfile creates a work-week profile.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var p calendar.WorkWeekProfile
	if err := decode(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := h.Calendars.CreateProfile(r.Context(), &p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// CreateHolidayProfile creates an empty holiday profile.
func (h *Handler) CreateHolidayProfile(w http.ResponseWriter, r *http.Request) {
	var p calendar.HolidayProfile
	if err := decode(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := h.Calendars.CreateHolidayProfile(r.Context(), &p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// AddHolidayRule appends a rule to a holiday profile.
func (h *Handler) AddHolidayRule(w http.ResponseWriter, r *http.Request) {
	profileID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body HolidayRuleRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	rule := calendar.HolidayRule{
		ProfileID: profileID,
		Name:      body.Name,
		Type:      calendar.RuleType(body.Type),
		Month:     time.Month(body.Month),
		Day:       body.Day,
		Offset:    body.Offset,
	}
	if body.Date != "" {
		d, err := parseDay(body.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date", err)
			return
		}
		rule.Date = &d
	}
	if err := h.Calendars.AddHolidayRule(r.Context(), &rule); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// ListHolidayRules lists holiday rules; ?profile_id= (repeatable) narrows
// to specific profiles.
func (h *Handler) ListHolidayRules(w http.ResponseWriter, r *http.Request) {
	var profileIDs []uuid.UUID
	for _, s := range r.URL.Query()["profile_id"] {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid profile_id", err)
			return
		}
		profileIDs = append(profileIDs, id)
	}
	rules, err := h.Calendars.ListHolidayRules(r.Context(), profileIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// =============================================================================
// CLOSURE HANDLERS
// =============================================================================

// ListClosures lists closures intersecting ?from=&to= for ?location=.
func (h *Handler) ListClosures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, ok := dayRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}
	closures, err := h.Calendars.ListClosures(r.Context(), from, to, q.Get("location"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closures)
}

// CreateClosure inserts a closure and reprices the approved leaves it
// touches.
func (h *Handler) CreateClosure(w http.ResponseWriter, r *http.Request) {
	c, ok := h.decodeClosure(w, r)
	if !ok {
		return
	}
	if err := h.Calendars.CreateClosure(r.Context(), c); err != nil {
		writeDomainError(w, err)
		return
	}
	changed := h.recalculate(r, c)
	writeJSON(w, http.StatusCreated, ClosureResultDTO{Closure: c, RecalculatedRequests: changed})
}

// UpdateClosure replaces a closure and reprices the approved leaves it
// touches.
func (h *Handler) UpdateClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	c, ok := h.decodeClosure(w, r)
	if !ok {
		return
	}
	c.ID = id
	if err := h.Calendars.UpdateClosure(r.Context(), c); err != nil {
		writeDomainError(w, err)
		return
	}
	changed := h.recalculate(r, c)
	writeJSON(w, http.StatusOK, ClosureResultDTO{Closure: c, RecalculatedRequests: changed})
}

// DeleteClosure removes a closure. The leaves it had repriced are priced
// again from the calendar as it now stands.
func (h *Handler) DeleteClosure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Calendars.GetClosure(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Calendars.DeleteClosure(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	changed := h.recalculate(r, c)
	writeJSON(w, http.StatusOK, ClosureResultDTO{RecalculatedRequests: changed})
}

func (h *Handler) decodeClosure(w http.ResponseWriter, r *http.Request) (*calendar.Closure, bool) {
	var body ClosureRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return nil, false
	}
	start, end, ok := dayRange(w, body.StartDate, body.EndDate)
	if !ok {
		return nil, false
	}
	return &calendar.Closure{
		Name:                 body.Name,
		StartDate:            start,
		EndDate:              end,
		Location:             body.Location,
		Department:           body.Department,
		IsPaid:               body.IsPaid,
		ConsumesLeaveBalance: body.ConsumesLeaveBalance,
		LeaveTypeCode:        body.LeaveTypeCode,
		CreatedAt:            time.Now().UTC(),
	}, true
}

func (h *Handler) recalculate(r *http.Request, c *calendar.Closure) int {
	changed, err := h.Leaves.RecalculateForClosure(r.Context(), *c)
	if err != nil {
		h.Log.Error().Err(err).Str("closure_id", c.ID.String()).Msg("closure recalculation failed")
	}
	return changed
}

// =============================================================================
// EXCEPTION AND LOCATION HANDLERS
// =============================================================================

// ListExceptions lists working-day exceptions in ?from=&to= for ?location=.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, ok := dayRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}
	exceptions, err := h.Calendars.ListExceptions(r.Context(), from, to, q.Get("location"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exceptions)
}

// CreateException flips one date to working or non-working.
func (h *Handler) CreateException(w http.ResponseWriter, r *http.Request) {
	var body ExceptionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	date, err := parseDay(body.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", err)
		return
	}
	e := calendar.WorkingDayException{
		Date:      date,
		Type:      calendar.ExceptionType(body.Type),
		Location:  body.Location,
		Reason:    body.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Calendars.CreateException(r.Context(), &e); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// GetLocationCalendar returns the profile binding of a location.
func (h *Handler) GetLocationCalendar(w http.ResponseWriter, r *http.Request) {
	lc, err := h.Calendars.GetLocationCalendar(r.Context(), chi.URLParam(r, "location"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}

// SetLocationCalendar binds a location to a work-week profile and holiday
// profiles. Upserts.
func (h *Handler) SetLocationCalendar(w http.ResponseWriter, r *http.Request) {
	var body LocationCalendarRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	profileID, err := uuid.Parse(body.ProfileID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid profile_id", err)
		return
	}
	lc := calendar.LocationCalendar{
		Location:  chi.URLParam(r, "location"),
		ProfileID: profileID,
	}
	for _, s := range body.HolidayProfileIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid holiday profile id", err)
			return
		}
		lc.HolidayProfileIDs = append(lc.HolidayProfileIDs, id)
	}
	if err := h.Calendars.SetLocationCalendar(r.Context(), &lc); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lc)
}
