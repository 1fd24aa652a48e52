/*
demo.go - Demo dataset loader

PURPOSE:
  Populates a fresh instance with realistic data for demos and manual
  testing: an Italian-style calendar, the usual leave types, a default
  approval workflow and a small team with balances.

WHAT IT SEEDS:
  Calendar:    Mon-Fri 8h default profile; Italian national holidays
               (fixed dates plus Easter Monday); no closures
  Leave types: vacation, permits, rol, sick (Ferie, Permesso, ROL,
               Malattia)
  Workflow:    default LEAVE_REQUEST config, department manager, ANY mode,
               72h expiry with reminders
  Directory:   one HR admin, one manager, two employees (engineering)
  Balances:    vacation, ROL and permit grants for the two employees

USAGE:

	POST /api/demo/load, or boot the server with KRONOS_DEMO=true

  The response lists the created ids so a demo driver can log in as each
  persona. Loading twice duplicates calendar rows; use a fresh database.

NOTE:
  Only use in development/demo environments. The handler refuses to run
  when the static directory is not wired (production directories are not
  seedable from here).
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// DemoSeedDTO lists what the loader created.
type DemoSeedDTO struct {
	Users      map[string]uuid.UUID `json:"users"`
	LeaveTypes map[string]uuid.UUID `json:"leave_types"`
	WorkflowID uuid.UUID            `json:"workflow_id"`
	ProfileID  uuid.UUID            `json:"profile_id"`
	Year       int                  `json:"year"`
}

// LoadDemo seeds the demo dataset.
func (h *Handler) LoadDemo(w http.ResponseWriter, r *http.Request) {
	if h.Directory == nil {
		writeError(w, http.StatusServiceUnavailable, "demo loading requires the static directory", nil)
		return
	}
	seed, err := h.loadDemoData(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load demo data", err)
		return
	}
	writeJSON(w, http.StatusOK, seed)
}

// SeedDemo loads the demo dataset outside an HTTP request. cmd/server
// calls it on boot when demo mode is on.
func (h *Handler) SeedDemo(ctx context.Context) (*DemoSeedDTO, error) {
	if h.Directory == nil {
		return nil, errors.New("demo seeding requires the static directory")
	}
	return h.loadDemoData(ctx)
}

func (h *Handler) loadDemoData(ctx context.Context) (*DemoSeedDTO, error) {
	year := time.Now().UTC().Year()
	seed := &DemoSeedDTO{
		Users:      map[string]uuid.UUID{},
		LeaveTypes: map[string]uuid.UUID{},
		Year:       year,
	}

	// Work week: Mon-Fri, 8 hours
	profile := calendar.MondayToFriday()
	profile.Name = "Mon-Fri 40h"
	profile.IsDefault = true
	profile.CreatedAt = time.Now().UTC()
	if err := h.Calendars.CreateProfile(ctx, profile); err != nil {
		return nil, err
	}
	seed.ProfileID = profile.ID

	if err := h.seedItalianHolidays(ctx); err != nil {
		return nil, err
	}

	// Directory: a manager over engineering, two reports, one HR admin
	manager := h.Directory.AddUser(directory.User{
		Name:             "Marco Rossi",
		Email:            "marco.rossi@example.com",
		DepartmentID:     "engineering",
		RoleIDs:          []string{"manager"},
		CanApproveLeaves: true,
		Active:           true,
	})
	hr := h.Directory.AddUser(directory.User{
		Name:             "Giulia Bianchi",
		Email:            "giulia.bianchi@example.com",
		DepartmentID:     "hr",
		RoleIDs:          []string{"hr", "admin"},
		CanApproveLeaves: true,
		Active:           true,
	})
	emp1 := h.Directory.AddUser(directory.User{
		Name:         "Luca Ferrari",
		Email:        "luca.ferrari@example.com",
		DepartmentID: "engineering",
		ManagerID:    &manager,
		Active:       true,
	})
	emp2 := h.Directory.AddUser(directory.User{
		Name:         "Sara Colombo",
		Email:        "sara.colombo@example.com",
		DepartmentID: "engineering",
		ManagerID:    &manager,
		Active:       true,
	})
	h.Directory.AddDepartment(directory.Department{ID: "engineering", Name: "Engineering", ManagerID: manager})
	h.Directory.AddDepartment(directory.Department{ID: "hr", Name: "Human Resources", ManagerID: hr})
	seed.Users["manager"] = manager
	seed.Users["hr"] = hr
	seed.Users["employee1"] = emp1
	seed.Users["employee2"] = emp2

	// Leave types, canonical codes with Italian display names
	types := []leave.Type{
		{Code: leave.TypeVacation, Name: "Ferie", RequiresApproval: true, MinNoticeDays: 3},
		{Code: leave.TypePermits, Name: "Permesso", RequiresApproval: true},
		{Code: leave.TypeROL, Name: "ROL"},
		{Code: leave.TypeSick, Name: "Malattia", RequiresProtocol: true, AllowPastDates: true},
	}
	for i := range types {
		types[i].IsActive = true
		created, err := h.Leaves.CreateType(ctx, &types[i])
		if err != nil {
			return nil, err
		}
		seed.LeaveTypes[created.Code] = created.ID
	}

	// Default workflow: the requester's department manager decides, 72h
	// before expiration, reminders at 24h and 4h to go.
	wf := approval.WorkflowConfig{
		EntityType:          leave.EntityType,
		Name:                "Department manager approval",
		MinApprovers:        1,
		Mode:                approval.ModeAny,
		ApproverRoleIDs:     []string{approval.TokenDepartmentManager},
		AutoAssignApprovers: true,
		ExpirationHours:     72,
		ExpirationAction:    approval.ExpireNotifyOnly,
		ReminderHoursBefore: []int{24, 4},
		SendReminders:       true,
		IsActive:            true,
		IsDefault:           true,
	}
	if err := h.Engine.CreateWorkflow(ctx, &wf); err != nil {
		return nil, err
	}
	seed.WorkflowID = wf.ID

	// Balances: a standard Italian package for the two employees
	for _, userID := range []uuid.UUID{emp1, emp2} {
		grants := []struct {
			bucket ledger.BalanceType
			days   string
			note   string
		}{
			{ledger.VacationAC, "26", "annual vacation grant"},
			{ledger.VacationAP, "4", "carried over from last year"},
			{ledger.ROL, "8", "annual ROL grant"},
			{ledger.Permits, "6", "annual permits grant"},
		}
		for _, g := range grants {
			days, _ := decimal.NewFromString(g.days)
			if _, err := h.Balances.Accrue(ctx, ledger.GrantInput{
				UserID:  userID,
				Year:    year,
				Bucket:  g.bucket,
				Days:    days,
				ActorID: hr,
				Note:    g.note,
			}); err != nil {
				return nil, err
			}
		}
	}
	h.Log.Info().Int("year", year).Msg("demo data loaded")
	return seed, nil
}

// seedItalianHolidays loads the national holidays as one profile: the nine
// fixed dates plus Easter Monday.
func (h *Handler) seedItalianHolidays(ctx context.Context) error {
	profile := calendar.HolidayProfile{Name: "Italian national holidays", CreatedAt: time.Now().UTC()}
	if err := h.Calendars.CreateHolidayProfile(ctx, &profile); err != nil {
		return err
	}
	yearly := []struct {
		name  string
		month time.Month
		day   int
	}{
		{"Capodanno", time.January, 1},
		{"Epifania", time.January, 6},
		{"Festa della Liberazione", time.April, 25},
		{"Festa del Lavoro", time.May, 1},
		{"Festa della Repubblica", time.June, 2},
		{"Ferragosto", time.August, 15},
		{"Ognissanti", time.November, 1},
		{"Immacolata Concezione", time.December, 8},
		{"Natale", time.December, 25},
		{"Santo Stefano", time.December, 26},
	}
	for _, y := range yearly {
		rule := calendar.HolidayRule{
			ProfileID: profile.ID,
			Name:      y.name,
			Type:      calendar.RuleYearly,
			Month:     y.month,
			Day:       y.day,
		}
		if err := h.Calendars.AddHolidayRule(ctx, &rule); err != nil {
			return err
		}
	}
	pasquetta := calendar.HolidayRule{
		ProfileID: profile.ID,
		Name:      "Lunedì dell'Angelo",
		Type:      calendar.RuleEasterRelative,
		Offset:    1,
	}
	return h.Calendars.AddHolidayRule(ctx, &pasquetta)
}
