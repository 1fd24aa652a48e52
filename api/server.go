/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route table. This is the
  wiring layer that connects URLs to handlers; all business logic lives in
  the service packages.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. requestLog: Structured request logging (zerolog)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/v1/leave-types/*     Leave type catalog
  /api/v1/leaves/*          Leave lifecycle (submit, cancel, recall, ...)
  /api/v1/interruptions/*   Voluntary work decisions
  /api/v1/approvals/*       Generic approval requests
  /api/v1/workflows/*       Workflow configuration
  /api/v1/users/*           Per-user balance, history, calendar views
  /api/v1/calendar/*        Profiles, holidays, closures, exceptions
  /api/v1/admin/*           Balance grants, carry-over, manual job runs
  /api/demo/load            Demo data loader
  /leaves/internal/*        Approval engine callback receiver

AUTHENTICATION:
  The acting user travels in the X-User-ID header; there is no session
  layer here. An API gateway is expected to authenticate and inject the
  header in real deployments.

SEE ALSO:
  - handlers.go: Leave handlers and shared response helpers
  - approvals.go, calendars.go, balances.go: The other handler groups
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/jobs"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Leaves     *leave.Service
	Engine     *approval.Engine
	Balances   *ledger.Ledger
	Kernel     *calendar.Kernel
	Aggregator *calendar.Aggregator
	Calendars  calendar.Store

	// Directory enables the demo loader to seed users. Optional.
	Directory *directory.Static
	// Jobs enables POST /admin/jobs/{name}/run. Optional.
	Jobs *jobs.Scheduler

	Log zerolog.Logger
}

// NewHandler wires the handler set. The range aggregator is built here so
// the calendar view always reads leaves through the same service the
// lifecycle endpoints mutate.
func NewHandler(leaves *leave.Service, engine *approval.Engine, balances *ledger.Ledger, kernel *calendar.Kernel, calendars calendar.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Leaves:     leaves,
		Engine:     engine,
		Balances:   balances,
		Kernel:     kernel,
		Aggregator: calendar.NewAggregator(kernel, leaves, nil, log),
		Calendars:  calendars,
		Log:        log.With().Str("component", "api").Logger(),
	}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		// Leave type catalog
		r.Route("/leave-types", func(r chi.Router) {
			r.Get("/", h.ListLeaveTypes)
			r.Post("/", h.CreateLeaveType)
			r.Put("/{id}", h.UpdateLeaveType)
		})

		// Leave lifecycle
		r.Route("/leaves", func(r chi.Router) {
			r.Post("/", h.CreateLeave)
			r.Get("/{id}", h.GetLeave)
			r.Put("/{id}", h.ModifyLeave)
			r.Post("/{id}/submit", h.SubmitLeave)
			r.Post("/{id}/validate", h.ValidateLeave)
			r.Post("/{id}/cancel", h.CancelLeave)
			r.Post("/{id}/revoke", h.RevokeLeave)
			r.Post("/{id}/reopen", h.ReopenLeave)
			r.Post("/{id}/condition/accept", h.AcceptCondition)
			r.Post("/{id}/condition/decline", h.DeclineCondition)
			r.Post("/{id}/recall", h.RecallLeave)
			r.Post("/{id}/recall/partial", h.PartialRecallLeave)
			r.Post("/{id}/sickness", h.ReportSickness)
			r.Post("/{id}/voluntary-work", h.RequestVoluntaryWork)
			r.Get("/{id}/interruptions", h.ListInterruptions)
			r.Get("/{id}/transactions", h.ListLeaveTransactions)
		})

		r.Route("/interruptions", func(r chi.Router) {
			r.Post("/{id}/decide", h.DecideInterruption)
		})

		// Generic approval requests
		r.Route("/approvals", func(r chi.Router) {
			r.Post("/", h.CreateApproval)
			r.Get("/pending", h.ListPendingApprovals)
			r.Get("/mine", h.ListMyApprovals)
			r.Get("/{id}", h.GetApproval)
			r.Post("/{id}/decide", h.DecideApproval)
			r.Post("/{id}/cancel", h.CancelApproval)
			r.Get("/{id}/decisions", h.ListApprovalDecisions)
			r.Get("/{id}/history", h.GetApprovalHistory)
		})

		// Workflow configuration
		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", h.ListWorkflows)
			r.Post("/", h.CreateWorkflow)
			r.Get("/{id}", h.GetWorkflow)
			r.Put("/{id}", h.UpdateWorkflow)
		})

		// Per-user views
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/leaves", h.ListUserLeaves)
			r.Get("/calendar", h.GetUserCalendar)
		})

		// Calendar configuration and queries
		r.Route("/calendar", func(r chi.Router) {
			r.Get("/working-days", h.GetWorkingDays)
			r.Post("/profiles", h.CreateProfile)
			r.Post("/holiday-profiles", h.CreateHolidayProfile)
			r.Post("/holiday-profiles/{id}/rules", h.AddHolidayRule)
			r.Get("/holiday-rules", h.ListHolidayRules)
			r.Get("/closures", h.ListClosures)
			r.Post("/closures", h.CreateClosure)
			r.Put("/closures/{id}", h.UpdateClosure)
			r.Delete("/closures/{id}", h.DeleteClosure)
			r.Get("/exceptions", h.ListExceptions)
			r.Post("/exceptions", h.CreateException)
			r.Get("/locations/{location}", h.GetLocationCalendar)
			r.Put("/locations/{location}", h.SetLocationCalendar)
		})

		// Admin operations
		r.Route("/admin", func(r chi.Router) {
			r.Post("/balances/accrue", h.AccrueBalance)
			r.Post("/balances/adjust", h.AdjustBalance)
			r.Post("/balances/carryover", h.TriggerCarryOver)
			r.Post("/jobs/{name}/run", h.RunJob)
		})
	})

	// Demo data loader
	r.Post("/api/demo/load", h.LoadDemo)

	// Approval engine callback receiver. Internal: the engine POSTs here
	// when a leave approval resolves.
	r.Post(leave.CallbackPath, h.ApprovalCallback)

	return r
}

// requestLog logs one line per request with status and latency.
func requestLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
