/*
api_test.go - End-to-end tests over the HTTP surface

Runs the full stack against httptest: sqlite in memory, the in-process
callback sender and a frozen clock. Covers the demo loader, the leave
lifecycle through the approval workflow, callback idempotency, closure
repricing and the admin surface.
*/
package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronos-wfm/kronos-core/api"
	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/jobs"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
	"github.com/kronos-wfm/kronos-core/notify"
	"github.com/kronos-wfm/kronos-core/store/sqlite"
)

// =============================================================================
// TEST SERVER
// =============================================================================

// testServer is the whole application wired the way cmd/server does it,
// behind an httptest listener. The clock is frozen at June 1 of the
// current year; the demo loader seeds balances for the current year, so
// test requests live in July of the same year.
type testServer struct {
	t    *testing.T
	srv  *httptest.Server
	dir  *directory.Static
	at   time.Time
	year int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	dir := directory.NewStatic()
	buf := notify.NewBuffer()
	sink := audit.NewMemory()
	kernel := calendar.NewKernel(db.Calendars(), log)
	balances := ledger.New(db.Leaves().Ledger(), log)

	// In-process callback loop: the engine resolves, the leave service
	// applies the outcome, no network hop.
	var leaves *leave.Service
	sender := approval.SenderFunc(func(ctx context.Context, _ string, p approval.CallbackPayload) error {
		return leaves.HandleApprovalOutcome(ctx, p)
	})
	engine := approval.NewEngine(db.Approvals(), dir, buf, sink, sender, log)
	leaves = leave.NewService(db.Leaves(), kernel, engine, dir, buf, sink, log)

	ts := &testServer{t: t, dir: dir, year: time.Now().UTC().Year()}
	ts.at = time.Date(ts.year, time.June, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return ts.at }
	engine.SetClock(clock)
	leaves.SetClock(clock)
	balances.SetClock(clock)

	sched := jobs.New(engine, balances, log)
	sched.SetClock(clock)

	h := api.NewHandler(leaves, engine, balances, kernel, db.Calendars(), log)
	h.Directory = dir
	h.Jobs = sched

	ts.srv = httptest.NewServer(api.NewRouter(h))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) advance(d time.Duration) { ts.at = ts.at.Add(d) }

// do issues one request. A non-nil body is sent as JSON; a non-nil actor
// travels in X-User-ID.
func (ts *testServer) do(method, path string, actor uuid.UUID, body any) *http.Response {
	ts.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(ts.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != uuid.Nil {
		req.Header.Set("X-User-ID", actor.String())
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(ts.t, err)
	return resp
}

func (ts *testServer) parse(resp *http.Response, dst any) {
	ts.t.Helper()
	defer resp.Body.Close()
	require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(dst))
}

// requireStatus fails with the response body in the message, which beats
// a bare status mismatch when a handler rejects the request.
func (ts *testServer) requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status %d, want %d: %s", resp.StatusCode, want, b)
	}
}

func (ts *testServer) loadDemo(t *testing.T) api.DemoSeedDTO {
	t.Helper()
	resp := ts.do(http.MethodPost, "/api/demo/load", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var seed api.DemoSeedDTO
	ts.parse(resp, &seed)
	return seed
}

func (ts *testServer) createVacation(t *testing.T, userID uuid.UUID, start, end time.Time) leave.Request {
	t.Helper()
	resp := ts.do(http.MethodPost, "/api/v1/leaves", userID, api.CreateLeaveRequest{
		UserID:    userID.String(),
		TypeCode:  leave.TypeVacation,
		StartDate: ymd(start),
		EndDate:   ymd(end),
		Reason:    "Ferie estive",
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	var req leave.Request
	ts.parse(resp, &req)
	return req
}

func (ts *testServer) getLeave(t *testing.T, id uuid.UUID) leave.Request {
	t.Helper()
	resp := ts.do(http.MethodGet, "/api/v1/leaves/"+id.String(), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var req leave.Request
	ts.parse(resp, &req)
	return req
}

func (ts *testServer) balanceOf(t *testing.T, userID uuid.UUID, year int) api.BalanceSummaryDTO {
	t.Helper()
	resp := ts.do(http.MethodGet, fmt.Sprintf("/api/v1/users/%s/balance?year=%d", userID, year), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var sum api.BalanceSummaryDTO
	ts.parse(resp, &sum)
	return sum
}

// approveVacation drives a request from draft to APPROVED through the
// demo workflow: submit as the employee, decide as the manager.
func (ts *testServer) approveVacation(t *testing.T, seed api.DemoSeedDTO, userKey string, start, end time.Time) leave.Request {
	t.Helper()
	emp := seed.Users[userKey]
	created := ts.createVacation(t, emp, start, end)

	resp := ts.do(http.MethodPost, "/api/v1/leaves/"+created.ID.String()+"/submit", emp, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var submitted leave.Request
	ts.parse(resp, &submitted)
	require.Equal(t, leave.StatusPending, submitted.Status)
	require.NotNil(t, submitted.ApprovalRequestID)

	resp = ts.do(http.MethodPost, "/api/v1/approvals/"+submitted.ApprovalRequestID.String()+"/decide",
		seed.Users["manager"], api.DecideApprovalRequest{Decision: string(approval.DecisionApproved)})
	ts.requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	final := ts.getLeave(t, created.ID)
	require.Equal(t, leave.StatusApproved, final.Status)
	return final
}

func bucket(t *testing.T, sum api.BalanceSummaryDTO, b ledger.BalanceType) api.BucketBalanceDTO {
	t.Helper()
	for _, x := range sum.Buckets {
		if x.Bucket == string(b) {
			return x
		}
	}
	t.Fatalf("bucket %s not in summary", b)
	return api.BucketBalanceDTO{}
}

// mondayInJuly returns the first Monday of July. July has no Italian
// national holiday, so Monday through Friday is always five working days.
func mondayInJuly(year int) time.Time {
	d := time.Date(year, time.July, 1, 0, 0, 0, 0, time.UTC)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func ymd(t time.Time) string { return t.Format("2006-01-02") }

// =============================================================================
// DEMO DATA AND CALENDAR QUERIES
// =============================================================================

func TestDemoLoadSeedsWorkingCalendar(t *testing.T) {
	ts := newTestServer(t)
	seed := ts.loadDemo(t)

	assert.Len(t, seed.Users, 4)
	assert.Len(t, seed.LeaveTypes, 4)
	assert.Contains(t, seed.LeaveTypes, leave.TypeVacation)
	assert.NotEqual(t, uuid.Nil, seed.WorkflowID)
	assert.NotEqual(t, uuid.Nil, seed.ProfileID)
	assert.Equal(t, ts.year, seed.Year)

	// A plain July week counts five working days.
	start := mondayInJuly(ts.year)
	end := start.AddDate(0, 0, 4)
	resp := ts.do(http.MethodGet,
		fmt.Sprintf("/api/v1/calendar/working-days?start=%s&end=%s", ymd(start), ymd(end)), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var wd api.WorkingDaysDTO
	ts.parse(resp, &wd)
	assert.Equal(t, "5", wd.WorkingDays)

	// Half-day endpoints shave half a day each.
	resp = ts.do(http.MethodGet,
		fmt.Sprintf("/api/v1/calendar/working-days?start=%s&end=%s&start_half=true&end_half=true",
			ymd(start), ymd(end)), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	ts.parse(resp, &wd)
	assert.Equal(t, "4", wd.WorkingDays)

	// Ferragosto never counts, holiday or weekend.
	ferragosto := time.Date(ts.year, time.August, 15, 0, 0, 0, 0, time.UTC)
	resp = ts.do(http.MethodGet,
		fmt.Sprintf("/api/v1/calendar/working-days?start=%s&end=%s", ymd(ferragosto), ymd(ferragosto)), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	ts.parse(resp, &wd)
	assert.Equal(t, "0", wd.WorkingDays)

	// The per-day view agrees with the count.
	emp := seed.Users["employee1"]
	resp = ts.do(http.MethodGet,
		fmt.Sprintf("/api/v1/users/%s/calendar?from=%s&to=%s", emp, ymd(start), ymd(end)), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var view calendar.RangeView
	ts.parse(resp, &view)
	assert.Len(t, view.Days, 5)
	assert.True(t, view.WorkingDays.Equal(decimal.NewFromInt(5)))
}

// =============================================================================
// LEAVE LIFECYCLE THROUGH THE WORKFLOW
// =============================================================================

func TestLeaveLifecycleThroughApproval(t *testing.T) {
	ts := newTestServer(t)
	seed := ts.loadDemo(t)
	emp := seed.Users["employee1"]
	mgr := seed.Users["manager"]
	start := mondayInJuly(ts.year)
	end := start.AddDate(0, 0, 4)

	// GIVEN a five-day draft
	created := ts.createVacation(t, emp, start, end)
	assert.Equal(t, leave.StatusDraft, created.Status)
	assert.True(t, created.DaysRequested.Equal(decimal.NewFromInt(5)))

	// WHEN the employee submits it
	resp := ts.do(http.MethodPost, "/api/v1/leaves/"+created.ID.String()+"/submit", emp, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var submitted leave.Request
	ts.parse(resp, &submitted)
	assert.Equal(t, leave.StatusPending, submitted.Status)
	require.NotNil(t, submitted.ApprovalRequestID)

	// THEN the department manager finds it in the work queue
	resp = ts.do(http.MethodGet, "/api/v1/approvals/pending", mgr, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var queue []approval.Request
	ts.parse(resp, &queue)
	require.Len(t, queue, 1)
	assert.Equal(t, created.ID, queue[0].EntityID)
	assert.Equal(t, leave.EntityType, queue[0].EntityType)

	// WHEN the manager approves
	resp = ts.do(http.MethodPost, "/api/v1/approvals/"+queue[0].ID.String()+"/decide", mgr,
		api.DecideApprovalRequest{Decision: string(approval.DecisionApproved), Notes: "buone vacanze"})
	ts.requireStatus(t, resp, http.StatusOK)
	var decided approval.Request
	ts.parse(resp, &decided)
	assert.Equal(t, approval.StatusApproved, decided.Status)

	// THEN the callback has already settled the leave and the balance:
	// five days come out of carry-over first (4), then current accrual (1).
	final := ts.getLeave(t, created.ID)
	assert.Equal(t, leave.StatusApproved, final.Status)
	assert.True(t, final.BalanceDeducted)

	sum := ts.balanceOf(t, emp, ts.year)
	ap := bucket(t, sum, ledger.VacationAP)
	ac := bucket(t, sum, ledger.VacationAC)
	assert.Equal(t, "4", ap.Used)
	assert.Equal(t, "0", ap.Available)
	assert.Equal(t, "1", ac.Used)
	assert.Equal(t, "25", ac.Available)

	resp = ts.do(http.MethodGet, "/api/v1/leaves/"+created.ID.String()+"/transactions", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var txs []ledger.Transaction
	ts.parse(resp, &txs)
	require.Len(t, txs, 2)
	byBucket := map[ledger.BalanceType]ledger.Transaction{}
	for _, tx := range txs {
		assert.Equal(t, ledger.TxDeduct, tx.Type)
		byBucket[tx.Bucket] = tx
	}
	assert.True(t, byBucket[ledger.VacationAP].Amount.Equal(decimal.NewFromInt(-4)))
	assert.True(t, byBucket[ledger.VacationAC].Amount.Equal(decimal.NewFromInt(-1)))
}

func TestSubmitWithoutBalanceFailsValidation(t *testing.T) {
	ts := newTestServer(t)
	seed := ts.loadDemo(t)
	mgr := seed.Users["manager"] // no balance was seeded for the manager
	start := mondayInJuly(ts.year)

	created := ts.createVacation(t, mgr, start, start.AddDate(0, 0, 1))

	// Dry-run reports the problem without touching the request.
	resp := ts.do(http.MethodPost, "/api/v1/leaves/"+created.ID.String()+"/validate", mgr, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var res leave.ValidationResult
	ts.parse(resp, &res)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
	assert.True(t, res.RequiresApproval)

	// Submit refuses with the same errors.
	resp = ts.do(http.MethodPost, "/api/v1/leaves/"+created.ID.String()+"/submit", mgr, nil)
	ts.requireStatus(t, resp, http.StatusUnprocessableEntity)
	var body api.ErrorResponse
	ts.parse(resp, &body)
	assert.Equal(t, "validation failed", body.Error)

	assert.Equal(t, leave.StatusDraft, ts.getLeave(t, created.ID).Status)
}

func TestOverlappingCreateConflicts(t *testing.T) {
	ts := newTestServer(t)
	seed := ts.loadDemo(t)
	emp := seed.Users["employee2"]
	start := mondayInJuly(ts.year)

	first := ts.createVacation(t, emp, start, start.AddDate(0, 0, 4))

	resp := ts.do(http.MethodPost, "/api/v1/leaves", emp, api.CreateLeaveRequest{
		UserID:    emp.String(),
		TypeCode:  leave.TypeVacation,
		StartDate: ymd(start.AddDate(0, 0, 2)),
		EndDate:   ymd(start.AddDate(0, 0, 7)),
	})
	ts.requireStatus(t, resp, http.StatusConflict)
	var body struct {
		Error   string `json:"error"`
		Details struct {
			ConflictingID string `json:"conflicting_id"`
		} `json:"details"`
	}
	ts.parse(resp, &body)
	assert.Equal(t, first.ID.String(), body.Details.ConflictingID)
}

// =============================================================================
// CALLBACK RECEIVER
// =============================================================================

func TestApprovalCallbackIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	seed := ts.loadDemo(t)
	emp := seed.Users["employee2"]
	start := mondayInJuly(ts.year)

	created := ts.createVacation(t, emp, start, start.AddDate(0, 0, 4))
	resp := ts.do(http.MethodPost, "/api/v1/leaves/"+created.ID.String()+"/submit", emp, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var submitted leave.Request
	ts.parse(resp, &submitted)
	require.NotNil(t, submitted.ApprovalRequestID)

	// A resolution payload arrives over HTTP, then arrives again.
	payload := approval.CallbackPayload{
		RequestID:  *submitted.ApprovalRequestID,
		EntityType: leave.EntityType,
		EntityID:   created.ID,
		Status:     approval.StatusApproved,
	}
	for i := 0; i < 2; i++ {
		resp = ts.do(http.MethodPost, leave.CallbackPath, uuid.Nil, payload)
		ts.requireStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}

	// One approval, one deduction.
	assert.Equal(t, leave.StatusApproved, ts.getLeave(t, created.ID).Status)
	sum := ts.balanceOf(t, emp, ts.year)
	assert.Equal(t, "4", bucket(t, sum, ledger.VacationAP).Used)
	assert.Equal(t, "1", bucket(t, sum, ledger.VacationAC).Used)

	resp = ts.do(http.MethodGet, "/api/v1/leaves/"+created.ID.String()+"/transactions", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var txs []ledger.Transaction
	ts.parse(resp, &txs)
	assert.Len(t, txs, 2)
}

// =============================================================================
// CLOSURE REPRICING
// =============================================================================

func TestClosureRepricesApprovedLeave(t *testing.T) {
	ts := newTestServer(t)
	seed := ts.loadDemo(t)
	hr := seed.Users["hr"]
	emp := seed.Users["employee1"]
	start := mondayInJuly(ts.year)
	end := start.AddDate(0, 0, 4)

	approved := ts.approveVacation(t, seed, "employee1", start, end)
	require.True(t, approved.DaysRequested.Equal(decimal.NewFromInt(5)))

	// WHEN the office closes on the Wednesday without consuming balance
	wednesday := start.AddDate(0, 0, 2)
	resp := ts.do(http.MethodPost, "/api/v1/calendar/closures", hr, api.ClosureRequest{
		Name:      "Ponte aziendale",
		StartDate: ymd(wednesday),
		EndDate:   ymd(wednesday),
		IsPaid:    true,
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	var out api.ClosureResultDTO
	ts.parse(resp, &out)
	require.NotNil(t, out.Closure)
	assert.Equal(t, 1, out.RecalculatedRequests)

	// THEN the leave costs four days and the refund lands in AC first
	repriced := ts.getLeave(t, approved.ID)
	assert.True(t, repriced.DaysRequested.Equal(decimal.NewFromInt(4)))
	sum := ts.balanceOf(t, emp, ts.year)
	assert.Equal(t, "4", bucket(t, sum, ledger.VacationAP).Used)
	assert.Equal(t, "0", bucket(t, sum, ledger.VacationAC).Used)
	assert.Equal(t, "26", bucket(t, sum, ledger.VacationAC).Available)

	// Removing the closure re-charges the day. The delta seeds are
	// bucketed by hour, so move past the creation hour first.
	ts.advance(2 * time.Hour)
	resp = ts.do(http.MethodDelete, "/api/v1/calendar/closures/"+out.Closure.ID.String(), hr, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	ts.parse(resp, &out)
	assert.Equal(t, 1, out.RecalculatedRequests)

	recharged := ts.getLeave(t, approved.ID)
	assert.True(t, recharged.DaysRequested.Equal(decimal.NewFromInt(5)))
	sum = ts.balanceOf(t, emp, ts.year)
	assert.Equal(t, "4", bucket(t, sum, ledger.VacationAP).Used)
	assert.Equal(t, "1", bucket(t, sum, ledger.VacationAC).Used)
}

// =============================================================================
// GENERIC APPROVAL SURFACE
// =============================================================================

func TestExpenseApprovalOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	requester := ts.dir.AddUser(directory.User{Name: "Rita Greco", Email: "rita.greco@example.com", Active: true})
	approver := ts.dir.AddUser(directory.User{Name: "Franco Conti", Email: "franco.conti@example.com", Active: true})

	// Workflow CRUD.
	resp := ts.do(http.MethodPost, "/api/v1/workflows", requester, approval.WorkflowConfig{
		EntityType:   "EXPENSE_REPORT",
		Name:         "Finance sign-off",
		MinApprovers: 1,
		Mode:         approval.ModeAny,
		IsActive:     true,
		IsDefault:    true,
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	var wf approval.WorkflowConfig
	ts.parse(resp, &wf)
	require.NotEqual(t, uuid.Nil, wf.ID)

	wf.Name = "Finance sign-off v2"
	resp = ts.do(http.MethodPut, "/api/v1/workflows/"+wf.ID.String(), requester, wf)
	ts.requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = ts.do(http.MethodGet, "/api/v1/workflows?entity_type=EXPENSE_REPORT&active=true", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var wfs []approval.WorkflowConfig
	ts.parse(resp, &wfs)
	require.Len(t, wfs, 1)
	assert.Equal(t, "Finance sign-off v2", wfs[0].Name)

	// Open a request with an explicit approver list and reject it.
	resp = ts.do(http.MethodPost, "/api/v1/approvals", requester, api.CreateApprovalRequest{
		EntityType: "EXPENSE_REPORT",
		EntityID:   uuid.New().String(),
		Title:      "Team offsite invoices",
		EntityData: map[string]any{"amount": 950},
		Approvers:  []string{approver.String()},
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	var req approval.Request
	ts.parse(resp, &req)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Equal(t, 1, req.RequiredApprovals)

	resp = ts.do(http.MethodGet, "/api/v1/approvals/mine", requester, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var mine []approval.Request
	ts.parse(resp, &mine)
	assert.Len(t, mine, 1)

	resp = ts.do(http.MethodPost, "/api/v1/approvals/"+req.ID.String()+"/decide", approver,
		api.DecideApprovalRequest{Decision: string(approval.DecisionRejected), Notes: "no budget line"})
	ts.requireStatus(t, resp, http.StatusOK)
	var decided approval.Request
	ts.parse(resp, &decided)
	assert.Equal(t, approval.StatusRejected, decided.Status)

	resp = ts.do(http.MethodGet, "/api/v1/approvals/"+req.ID.String()+"/decisions", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var decisions []approval.Decision
	ts.parse(resp, &decisions)
	require.Len(t, decisions, 1)
	assert.Equal(t, approval.DecisionRejected, decisions[0].Decision)

	resp = ts.do(http.MethodGet, "/api/v1/approvals/"+req.ID.String()+"/history", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var history []approval.HistoryEvent
	ts.parse(resp, &history)
	assert.GreaterOrEqual(t, len(history), 2)
}

// =============================================================================
// ADMIN SURFACE
// =============================================================================

func TestAdminGrantsCarryOverAndJobs(t *testing.T) {
	ts := newTestServer(t)
	hr := ts.dir.AddUser(directory.User{Name: "Giulia Bianchi", Email: "giulia.bianchi@example.com", Active: true})
	worker := uuid.New()

	// Accrue 10, correct down by 2.
	resp := ts.do(http.MethodPost, "/api/v1/admin/balances/accrue", hr, api.GrantRequest{
		UserID: worker.String(), Year: ts.year, Bucket: string(ledger.VacationAC), Days: 10, Note: "annual grant",
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = ts.do(http.MethodPost, "/api/v1/admin/balances/adjust", hr, api.GrantRequest{
		UserID: worker.String(), Year: ts.year, Bucket: string(ledger.VacationAC), Days: -2, Note: "correction",
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	sum := ts.balanceOf(t, worker, ts.year)
	assert.Equal(t, "8", bucket(t, sum, ledger.VacationAC).Total)
	assert.Equal(t, "8", bucket(t, sum, ledger.VacationAC).Available)

	// Carry the leftover into next year's AP bucket.
	resp = ts.do(http.MethodPost, "/api/v1/admin/balances/carryover", hr, api.CarryOverRequest{
		UserID: worker.String(), FromYear: ts.year,
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	var txs []ledger.Transaction
	ts.parse(resp, &txs)
	assert.NotEmpty(t, txs)

	next := ts.balanceOf(t, worker, ts.year+1)
	assert.Equal(t, "8", bucket(t, next, ledger.VacationAP).Available)
	assert.Equal(t, fmt.Sprintf("%d-06-30", ts.year+1), next.APExpiryDate)

	// A rerun moves nothing and doubles nothing.
	resp = ts.do(http.MethodPost, "/api/v1/admin/balances/carryover", hr, api.CarryOverRequest{
		UserID: worker.String(), FromYear: ts.year,
	})
	ts.requireStatus(t, resp, http.StatusCreated)
	txs = nil
	ts.parse(resp, &txs)
	assert.Empty(t, txs)
	next = ts.balanceOf(t, worker, ts.year+1)
	assert.Equal(t, "8", bucket(t, next, ledger.VacationAP).Available)

	// Manual job triggers.
	resp = ts.do(http.MethodPost, "/api/v1/admin/jobs/"+jobs.JobExpirations+"/run", hr, nil)
	ts.requireStatus(t, resp, http.StatusOK)
	var run api.JobRunDTO
	ts.parse(resp, &run)
	assert.Equal(t, jobs.JobExpirations, run.Job)
	assert.Equal(t, 0, run.Processed)

	resp = ts.do(http.MethodPost, "/api/v1/admin/jobs/defrag_moon/run", hr, nil)
	ts.requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

// =============================================================================
// INPUT REJECTION
// =============================================================================

func TestMalformedInputsAreRejected(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/v1/leaves/not-a-uuid", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = ts.do(http.MethodGet, "/api/v1/leaves/"+uuid.NewString(), uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = ts.do(http.MethodPost, "/api/v1/leaves", uuid.New(), api.CreateLeaveRequest{
		UserID:    uuid.NewString(),
		TypeCode:  leave.TypeVacation,
		StartDate: "July 7th",
		EndDate:   "July 11th",
	})
	ts.requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// Mutations need an identity.
	resp = ts.do(http.MethodPost, "/api/v1/leaves/"+uuid.NewString()+"/submit", uuid.Nil, nil)
	ts.requireStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	// Broken condition expressions die at save time.
	resp = ts.do(http.MethodPost, "/api/v1/workflows", uuid.New(), approval.WorkflowConfig{
		EntityType:    "EXPENSE_REPORT",
		Name:          "broken",
		MinApprovers:  1,
		Mode:          approval.ModeAny,
		IsActive:      true,
		ConditionExpr: "amount > &&",
	})
	ts.requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
