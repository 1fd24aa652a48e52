package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
	"github.com/kronos-wfm/kronos-core/notify"
	"github.com/kronos-wfm/kronos-core/store/memory"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

// loopSender short-circuits resolution callbacks straight into the
// lifecycle service, standing in for the HTTP round trip of a two-process
// deployment.
type loopSender struct {
	svc *leave.Service
}

func (l *loopSender) Send(ctx context.Context, _ string, p approval.CallbackPayload) error {
	return l.svc.HandleApprovalOutcome(ctx, p)
}

type env struct {
	svc  *leave.Service
	eng  *approval.Engine
	cal  *memory.Calendar
	dir  *directory.Static
	buf  *notify.Buffer
	sink *audit.Memory
	at   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		cal:  memory.NewCalendar(),
		dir:  directory.NewStatic(),
		buf:  notify.NewBuffer(),
		sink: audit.NewMemory(),
		at:   time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.at }

	sender := &loopSender{}
	e.eng = approval.NewEngine(memory.NewApproval(), e.dir, e.buf, e.sink, sender, zerolog.Nop())
	e.eng.SetClock(clock)

	kernel := calendar.NewKernel(e.cal, zerolog.Nop())
	e.svc = leave.NewService(memory.NewLeave(), kernel, e.eng, e.dir, e.buf, e.sink, zerolog.Nop())
	e.svc.SetClock(clock)
	sender.svc = e.svc
	return e
}

func (e *env) advanceTo(ts time.Time) { e.at = ts }

func (e *env) user(name string, opts ...func(*directory.User)) uuid.UUID {
	u := directory.User{ID: uuid.New(), Name: name, Email: name + "@kronos.local", Active: true}
	for _, opt := range opts {
		opt(&u)
	}
	return e.dir.AddUser(u)
}

func withRoles(roles ...string) func(*directory.User) {
	return func(u *directory.User) { u.RoleIDs = roles }
}

func withManager(id uuid.UUID) func(*directory.User) {
	return func(u *directory.User) { u.ManagerID = &id }
}

func withDepartment(dept string) func(*directory.User) {
	return func(u *directory.User) { u.DepartmentID = dept }
}

func (e *env) leaveType(t *testing.T, typ leave.Type) *leave.Type {
	t.Helper()
	if typ.Name == "" {
		typ.Name = typ.Code
	}
	out, err := e.svc.CreateType(context.Background(), &typ)
	require.NoError(t, err)
	return out
}

func (e *env) defaultWorkflow(t *testing.T) {
	t.Helper()
	w := approval.WorkflowConfig{
		EntityType:      leave.EntityType,
		Name:            "default leave approval",
		Mode:            approval.ModeAny,
		MinApprovers:    1,
		MaxApprovers:    3,
		ApproverRoleIDs: []string{"team-manager"},
		ExpirationHours: 72,
		IsActive:        true,
		IsDefault:       true,
	}
	require.NoError(t, e.eng.CreateWorkflow(context.Background(), &w))
}

func (e *env) grant(t *testing.T, userID uuid.UUID, bucket ledger.BalanceType, amount string) {
	t.Helper()
	_, err := e.svc.Balances().Accrue(context.Background(), ledger.GrantInput{
		UserID:  userID,
		Year:    2025,
		Bucket:  bucket,
		Days:    days(amount),
		ActorID: uuid.New(),
		Note:    "test grant",
	})
	require.NoError(t, err)
}

func (e *env) available(t *testing.T, userID uuid.UUID, bucket ledger.BalanceType) decimal.Decimal {
	t.Helper()
	snap, err := e.svc.Balances().Balance(context.Background(), userID, 2025)
	require.NoError(t, err)
	return snap.Available(bucket)
}

func (e *env) draft(t *testing.T, in leave.CreateInput) *leave.Request {
	t.Helper()
	req, err := e.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return req
}

func (e *env) approved(t *testing.T, in leave.CreateInput) *leave.Request {
	t.Helper()
	req := e.draft(t, in)
	out, err := e.svc.Submit(context.Background(), req.ID, in.UserID)
	require.NoError(t, err)
	require.Equal(t, leave.StatusApproved, out.Status)
	return out
}

// requestNets asserts the signed ledger sum attached to the request.
func (e *env) requestNets(t *testing.T, requestID uuid.UUID, want string) {
	t.Helper()
	txs, err := e.svc.Balances().TransactionsForRequest(context.Background(), requestID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, tx := range txs {
		sum = sum.Add(tx.Amount)
	}
	assert.True(t, sum.Equal(days(want)), "request ledger nets %s, want %s", sum, want)
}

func days(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func d(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateShapeValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypeVacation})
	e.leaveType(t, leave.Type{Code: leave.TypeSick, RequiresProtocol: true, AllowPastDates: true})

	_, err := e.svc.Create(ctx, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 10),
	})
	var verr *leave.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "end_date is before start_date")

	_, err = e.svc.Create(ctx, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeSick,
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 15),
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "protocol")

	_, err = e.svc.Create(ctx, leave.CreateInput{
		UserID:    userID,
		TypeCode:  "sabbatical",
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 15),
	})
	require.ErrorIs(t, err, leave.ErrTypeNotFound)
}

func TestCreateRejectsOverlap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypeVacation})

	first := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 24),
	})

	_, err := e.svc.Create(ctx, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 18),
		EndDate:   d(2025, time.July, 28),
	})
	var overlap *leave.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, first.ID, overlap.ConflictingID)

	// Another user is free to book the same window.
	otherID := e.user("bruno")
	_, err = e.svc.Create(ctx, leave.CreateInput{
		UserID:    otherID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 18),
		EndDate:   d(2025, time.July, 28),
	})
	require.NoError(t, err)

	// A cancelled request stops blocking its window.
	_, err = e.svc.Cancel(ctx, first.ID, userID, "changed plans", false)
	require.NoError(t, err)
	_, err = e.svc.Create(ctx, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 24),
	})
	require.NoError(t, err)
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmitAutoApprovesTypesWithoutWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 8),
	})
	assert.True(t, req.DaysRequested.Equal(days("2")))

	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Status)
	assert.True(t, out.BalanceDeducted)
	assert.Nil(t, out.ApprovalRequestID)

	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("3")))
	e.requestNets(t, req.ID, "-2")
	assert.NotEmpty(t, e.buf.ByType(notify.EventRequestApproved))
}

func TestSubmitHandsOffToWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	managerID := e.user("marco", withRoles("team-manager"))
	userID := e.user("anna")
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")
	e.grant(t, userID, ledger.VacationAC, "20")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 24),
		Reason:    "summer break",
	})
	assert.True(t, req.DaysRequested.Equal(days("11")))

	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, out.Status)
	require.NotNil(t, out.ApprovalRequestID)
	assert.False(t, out.BalanceDeducted)
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("10")),
		"nothing deducted while pending")

	// The manager approves; the callback loops straight back in.
	_, err = e.eng.Decide(ctx, approval.DecideInput{
		RequestID:  *out.ApprovalRequestID,
		ApproverID: managerID,
		Decision:   approval.DecisionApproved,
		ActorID:    managerID,
	})
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, got.Status)
	assert.True(t, got.BalanceDeducted)

	// 11 days drain AP first, then AC.
	assert.True(t, e.available(t, userID, ledger.VacationAP).IsZero())
	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("19")))
	e.requestNets(t, req.ID, "-11")
}

func TestSubmitWorkflowRejection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	managerID := e.user("marco", withRoles("team-manager"))
	userID := e.user("anna")
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)

	_, err = e.eng.Decide(ctx, approval.DecideInput{
		RequestID:  *out.ApprovalRequestID,
		ApproverID: managerID,
		Decision:   approval.DecisionRejected,
		Notes:      "short staffed",
		ActorID:    managerID,
	})
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, got.Status)
	assert.False(t, got.BalanceDeducted)
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("10")))
	e.requestNets(t, req.ID, "0")
	assert.NotEmpty(t, e.buf.ByType(notify.EventRequestRejected))
}

func TestSubmitWithoutWorkflowRevertsToDraft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	_, err := e.svc.Submit(ctx, req.ID, userID)
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrNoWorkflowConfigured)

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusDraft, got.Status, "failed hand-off leaves the draft editable")
}

func TestSubmitPolicyGates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	var verr *leave.ValidationError

	t.Run("insufficient balance", func(t *testing.T) {
		e.leaveType(t, leave.Type{Code: leave.TypeVacation})
		req := e.draft(t, leave.CreateInput{
			UserID:    userID,
			TypeCode:  leave.TypeVacation,
			StartDate: d(2025, time.July, 10),
			EndDate:   d(2025, time.July, 11),
		})
		_, err := e.svc.Submit(ctx, req.ID, userID)
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Error(), "insufficient")
	})

	t.Run("minimum notice", func(t *testing.T) {
		e.leaveType(t, leave.Type{Code: leave.TypeROL, MinNoticeDays: 10})
		e.grant(t, userID, ledger.ROL, "5")
		req := e.draft(t, leave.CreateInput{
			UserID:    userID,
			TypeCode:  leave.TypeROL,
			StartDate: d(2025, time.July, 7),
			EndDate:   d(2025, time.July, 7),
		})
		_, err := e.svc.Submit(ctx, req.ID, userID)
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Error(), "notice")
	})

	t.Run("past start date", func(t *testing.T) {
		e.leaveType(t, leave.Type{Code: leave.TypePermits})
		e.grant(t, userID, ledger.Permits, "5")
		req := e.draft(t, leave.CreateInput{
			UserID:    userID,
			TypeCode:  leave.TypePermits,
			StartDate: d(2025, time.June, 20),
			EndDate:   d(2025, time.June, 20),
		})
		_, err := e.svc.Submit(ctx, req.ID, userID)
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Error(), "past")
	})

	t.Run("monthly cap", func(t *testing.T) {
		capped := e.leaveType(t, leave.Type{Code: leave.TypeUnpaid, MaxPerMonth: days("2"), RequiresApproval: false})
		first := e.draft(t, leave.CreateInput{
			UserID:    userID,
			TypeID:    capped.ID,
			StartDate: d(2025, time.August, 4),
			EndDate:   d(2025, time.August, 5),
		})
		_, err := e.svc.Submit(ctx, first.ID, userID)
		require.NoError(t, err)

		second := e.draft(t, leave.CreateInput{
			UserID:    userID,
			TypeID:    capped.ID,
			StartDate: d(2025, time.August, 6),
			EndDate:   d(2025, time.August, 6),
		})
		_, err = e.svc.Submit(ctx, second.ID, userID)
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Error(), "monthly cap")
	})
}

func TestSubmitGuards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 7),
	})

	_, err := e.svc.Submit(ctx, req.ID, e.user("bruno"))
	require.ErrorIs(t, err, leave.ErrNotOwner)

	_, err = e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)

	// Already approved; a second submit is a bad transition.
	_, err = e.svc.Submit(ctx, req.ID, userID)
	var terr *leave.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, leave.StatusApproved, terr.From)
}

func TestValidateDryRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypeVacation})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 15),
	})
	res, err := e.svc.Validate(ctx, req.ID, userID)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	require.Len(t, res.Breakdown, 1)
	assert.Equal(t, ledger.VacationAP, res.Breakdown[0].Bucket)

	// Validation never mutates: still a draft, nothing deducted.
	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusDraft, got.Status)
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("10")))

	// Cancel it, let another request take the window, then dry-run the old
	// one again: the overlap surfaces as a validation error.
	_, err = e.svc.Cancel(ctx, req.ID, userID, "parking it", false)
	require.NoError(t, err)
	taken := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 15),
	})
	res, err = e.svc.Validate(ctx, req.ID, userID)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[len(res.Errors)-1], taken.ID.String())
}

// =============================================================================
// CONDITIONAL APPROVAL
// =============================================================================

func conditionalSetup(t *testing.T) (*env, uuid.UUID, uuid.UUID, *leave.Request) {
	t.Helper()
	e := newEnv(t)
	ctx := context.Background()
	managerID := e.user("marco", withRoles("team-manager"))
	userID := e.user("anna", withManager(managerID))
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)

	_, err = e.eng.Decide(ctx, approval.DecideInput{
		RequestID:        *out.ApprovalRequestID,
		ApproverID:       managerID,
		Decision:         approval.DecisionApprovedConditional,
		ConditionType:    "DIFFERENT_DATES",
		ConditionDetails: "Come back one day earlier",
		ActorID:          managerID,
	})
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, leave.StatusApprovedConditional, got.Status)
	assert.Equal(t, "DIFFERENT_DATES", got.ConditionType)
	assert.False(t, got.BalanceDeducted, "conditional approval defers the deduction")
	return e, userID, managerID, got
}

func TestConditionAccepted(t *testing.T) {
	e, userID, _, req := conditionalSetup(t)
	ctx := context.Background()

	_, err := e.svc.AcceptCondition(ctx, req.ID, e.user("mallory"))
	require.ErrorIs(t, err, leave.ErrNotOwner)

	out, err := e.svc.AcceptCondition(ctx, req.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Status)
	require.NotNil(t, out.ConditionAccepted)
	assert.True(t, *out.ConditionAccepted)
	assert.True(t, out.BalanceDeducted)
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("8")))
	e.requestNets(t, req.ID, "-2")
}

func TestConditionDeclined(t *testing.T) {
	e, userID, _, req := conditionalSetup(t)
	ctx := context.Background()

	out, err := e.svc.DeclineCondition(ctx, req.ID, userID, "dates do not work")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, out.Status)
	require.NotNil(t, out.ConditionAccepted)
	assert.False(t, *out.ConditionAccepted)
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("10")))
	e.requestNets(t, req.ID, "0")

	// Terminal now: a second answer is rejected.
	_, err = e.svc.AcceptCondition(ctx, req.ID, userID)
	var terr *leave.TransitionError
	require.ErrorAs(t, err, &terr)
}

// =============================================================================
// CANCEL / REVOKE / REOPEN
// =============================================================================

func TestCancelApprovedRestoresBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	req := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 8),
	})
	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("3")))

	_, err := e.svc.Cancel(ctx, req.ID, e.user("bruno"), "nope", false)
	require.ErrorIs(t, err, leave.ErrNotOwner)

	out, err := e.svc.Cancel(ctx, req.ID, userID, "plans changed", false)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, out.Status)
	assert.False(t, out.BalanceDeducted)
	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("5")))
	e.requestNets(t, req.ID, "0")

	_, err = e.svc.Cancel(ctx, req.ID, userID, "again", false)
	var terr *leave.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestCancelPendingClosesWorkflow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.user("marco", withRoles("team-manager"))
	userID := e.user("anna")
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)
	approvalID := *out.ApprovalRequestID

	cancelled, err := e.svc.Cancel(ctx, req.ID, userID, "changed my mind", false)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, cancelled.Status)

	ar, err := e.eng.Request(ctx, approvalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusCancelled, ar.Status, "the workflow request dies with the leave")
}

func TestRevoke(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	hrID := e.user("hr-admin")
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	future := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 15),
	})
	out, err := e.svc.Revoke(ctx, future.ID, hrID, "project deadline")
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRejected, out.Status)
	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("5")))
	e.requestNets(t, future.ID, "0")
	assert.NotEmpty(t, e.buf.ByType(notify.EventLeaveRevoked))

	// A leave starting today is already in progress.
	started := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 1),
		EndDate:   d(2025, time.July, 2),
	})
	_, err = e.svc.Revoke(ctx, started.ID, hrID, "too late")
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "recall")
}

func TestReopenRejectedRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	managerID := e.user("marco", withRoles("team-manager"))
	userID := e.user("anna")
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)
	firstApproval := *out.ApprovalRequestID

	_, err = e.eng.Decide(ctx, approval.DecideInput{
		RequestID:  firstApproval,
		ApproverID: managerID,
		Decision:   approval.DecisionRejected,
		ActorID:    managerID,
	})
	require.NoError(t, err)

	_, err = e.svc.Reopen(ctx, req.ID, e.user("bruno"))
	require.ErrorIs(t, err, leave.ErrNotOwner)

	reopened, err := e.svc.Reopen(ctx, req.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusPending, reopened.Status)
	require.NotNil(t, reopened.ApprovalRequestID)
	assert.NotEqual(t, firstApproval, *reopened.ApprovalRequestID, "reopen opens a fresh workflow")
}

func TestReopenRequiresFutureStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	req := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 7),
	})
	_, err := e.svc.Cancel(ctx, req.ID, userID, "mistake", false)
	require.NoError(t, err)

	// By the 8th the window has passed; the request stays closed.
	e.advanceTo(time.Date(2025, time.July, 8, 9, 0, 0, 0, time.UTC))
	_, err = e.svc.Reopen(ctx, req.ID, userID)
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "future")
}

// =============================================================================
// APPROVAL CALLBACK IDEMPOTENCY
// =============================================================================

func TestApprovalOutcomeIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	managerID := e.user("marco", withRoles("team-manager"))
	userID := e.user("anna")
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	out, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)

	_, err = e.eng.Decide(ctx, approval.DecideInput{
		RequestID:  *out.ApprovalRequestID,
		ApproverID: managerID,
		Decision:   approval.DecisionApproved,
		ActorID:    managerID,
	})
	require.NoError(t, err)
	e.requestNets(t, req.ID, "-2")

	// A redelivered callback finds the request settled and walks away.
	require.NoError(t, e.svc.HandleApprovalOutcome(ctx, approval.CallbackPayload{
		EntityType: leave.EntityType,
		EntityID:   req.ID,
		Status:     approval.StatusApproved,
	}))
	e.requestNets(t, req.ID, "-2")

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, got.Status)
}

func TestApprovalOutcomeAfterCancelIsIgnored(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.user("marco", withRoles("team-manager"))
	userID := e.user("anna")
	e.defaultWorkflow(t)
	e.leaveType(t, leave.Type{Code: leave.TypeVacation, RequiresApproval: true})
	e.grant(t, userID, ledger.VacationAP, "10")

	req := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	_, err := e.svc.Submit(ctx, req.ID, userID)
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, req.ID, userID, "never mind", false)
	require.NoError(t, err)

	// A late approval callback must not resurrect or deduct.
	require.NoError(t, e.svc.HandleApprovalOutcome(ctx, approval.CallbackPayload{
		EntityType: leave.EntityType,
		EntityID:   req.ID,
		Status:     approval.StatusApproved,
	}))
	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusCancelled, got.Status)
	assert.False(t, got.BalanceDeducted)
	e.requestNets(t, req.ID, "0")
}

// =============================================================================
// MODIFY APPROVED
// =============================================================================

func TestModifyApprovedSettlesDelta(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	req := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 8),
	})
	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("3")))

	// Two extra days charge the difference only.
	out, err := e.svc.ModifyApproved(ctx, req.ID, userID, leave.ModifyInput{
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, out.Status)
	assert.True(t, out.DaysRequested.Equal(days("4")))
	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("1")))
	e.requestNets(t, req.ID, "-4")

	// Shrinking to one day gives three back.
	out, err = e.svc.ModifyApproved(ctx, req.ID, userID, leave.ModifyInput{
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 7),
	})
	require.NoError(t, err)
	assert.True(t, out.DaysRequested.Equal(days("1")))
	assert.True(t, e.available(t, userID, ledger.Permits).Equal(days("4")))
	e.requestNets(t, req.ID, "-1")
}

func TestModifyApprovedGuards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "10")

	req := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 8),
	})
	blocker := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 14),
		EndDate:   d(2025, time.July, 15),
	})

	_, err := e.svc.ModifyApproved(ctx, req.ID, e.user("bruno"), leave.ModifyInput{
		StartDate: d(2025, time.July, 9),
		EndDate:   d(2025, time.July, 10),
	})
	require.ErrorIs(t, err, leave.ErrNotOwner)

	// New start must be in the future.
	_, err = e.svc.ModifyApproved(ctx, req.ID, userID, leave.ModifyInput{
		StartDate: d(2025, time.July, 1),
		EndDate:   d(2025, time.July, 2),
	})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)

	// Cannot slide onto another blocking request.
	_, err = e.svc.ModifyApproved(ctx, req.ID, userID, leave.ModifyInput{
		StartDate: d(2025, time.July, 13),
		EndDate:   d(2025, time.July, 14),
	})
	var overlap *leave.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, blocker.ID, overlap.ConflictingID)

	// Drafts are not modifiable through this path.
	draft := e.draft(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 21),
		EndDate:   d(2025, time.July, 22),
	})
	_, err = e.svc.ModifyApproved(ctx, draft.ID, userID, leave.ModifyInput{
		StartDate: d(2025, time.July, 23),
		EndDate:   d(2025, time.July, 24),
	})
	var terr *leave.TransitionError
	require.ErrorAs(t, err, &terr)
}

// =============================================================================
// TYPE ADMINISTRATION
// =============================================================================

func TestTypeAdministration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	created, err := e.svc.CreateType(ctx, &leave.Type{Code: leave.TypeVacation, Name: "Ferie"})
	require.NoError(t, err)
	assert.True(t, created.IsActive)

	_, err = e.svc.CreateType(ctx, &leave.Type{Code: leave.TypeVacation, Name: "Duplicate"})
	require.Error(t, err, "codes are unique")

	created.MinNoticeDays = 3
	created.Code = "renamed"
	updated, err := e.svc.UpdateType(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, leave.TypeVacation, updated.Code, "code is immutable")
	assert.Equal(t, 3, updated.MinNoticeDays)

	updated.IsActive = false
	_, err = e.svc.UpdateType(ctx, updated)
	require.NoError(t, err)

	active, err := e.svc.Types(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := e.svc.Types(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// Inactive types refuse new requests.
	userID := e.user("anna")
	_, err = e.svc.Create(ctx, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 11),
	})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "inactive")
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

func TestLifecycleLeavesAuditTrail(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypePermits})
	e.grant(t, userID, ledger.Permits, "5")

	req := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypePermits,
		StartDate: d(2025, time.July, 7),
		EndDate:   d(2025, time.July, 8),
	})
	_, err := e.svc.Cancel(ctx, req.ID, userID, "plans changed", false)
	require.NoError(t, err)

	var actions []string
	for _, entry := range e.sink.ForEntity(req.ID) {
		if entry.EntityType == "leave_request" {
			actions = append(actions, entry.Action)
		}
	}
	assert.Contains(t, actions, "leave.request.create")
	assert.Contains(t, actions, "leave.request.submit")
	assert.Contains(t, actions, "leave.request.cancel")
}
