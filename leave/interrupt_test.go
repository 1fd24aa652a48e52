package leave_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
	"github.com/kronos-wfm/kronos-core/notify"
)

// approvedVacation approves an 11 working day vacation (Jul 10 to Jul 24,
// weekends off) funded by 10 AP + 20 AC days, so the deduction straddles
// both buckets: AP drains to 0 and AC drops to 19.
func approvedVacation(t *testing.T) (*env, uuid.UUID, *leave.Request) {
	t.Helper()
	e := newEnv(t)
	userID := e.user("anna")
	e.leaveType(t, leave.Type{Code: leave.TypeVacation})
	e.grant(t, userID, ledger.VacationAP, "10")
	e.grant(t, userID, ledger.VacationAC, "20")

	req := e.approved(t, leave.CreateInput{
		UserID:    userID,
		TypeCode:  leave.TypeVacation,
		StartDate: d(2025, time.July, 10),
		EndDate:   d(2025, time.July, 24),
	})
	require.True(t, req.DaysRequested.Equal(days("11")))
	require.True(t, e.available(t, userID, ledger.VacationAP).IsZero())
	require.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("19")))
	return e, userID, req
}

// =============================================================================
// SICKNESS DURING VACATION
// =============================================================================

func TestSicknessConvertsVacationDays(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	itr, err := e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 14),
		EndDate:        d(2025, time.July, 16),
		ProtocolNumber: "INPS-12345",
	})
	require.NoError(t, err)
	assert.Equal(t, leave.InterruptionSickness, itr.Type)
	assert.Equal(t, leave.InterruptionActive, itr.Status)
	assert.Equal(t, "INPS-12345", itr.ProtocolNumber)
	assert.True(t, itr.DaysRefunded.Equal(days("3")), "Mon to Wed is three working days, got %s", itr.DaysRefunded)

	// Restores walk back the deduction: the AC day first, then AP.
	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("20")))
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("2")))
	e.requestNets(t, req.ID, "-8")

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, got.Status, "the parent stays approved")
	assert.True(t, got.HasInterruptions)
	assert.True(t, got.DaysRequested.Equal(days("11")), "parent days are never rewritten")

	assert.NotEmpty(t, e.buf.ByType(notify.EventSicknessConversion))
}

func TestSicknessWindowMustFitInsideLeave(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	_, err := e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID: req.ID,
		ActorID:   userID,
		StartDate: d(2025, time.July, 8),
		EndDate:   d(2025, time.July, 14),
	})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "inside the leave")

	_, err = e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID: req.ID,
		ActorID:   userID,
		StartDate: d(2025, time.July, 16),
		EndDate:   d(2025, time.July, 14),
	})
	var verr *leave.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSicknessEpisodesCannotOverlap(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	_, err := e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 14),
		EndDate:        d(2025, time.July, 16),
		ProtocolNumber: "INPS-1",
	})
	require.NoError(t, err)

	// Jul 16 is already certified sick.
	_, err = e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 16),
		EndDate:        d(2025, time.July, 17),
		ProtocolNumber: "INPS-2",
	})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "already covered")

	// A disjoint episode is fine.
	second, err := e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 21),
		EndDate:        d(2025, time.July, 22),
		ProtocolNumber: "INPS-3",
	})
	require.NoError(t, err)
	assert.True(t, second.DaysRefunded.Equal(days("2")))
	e.requestNets(t, req.ID, "-6")
}

func TestSicknessOverWeekendRefundsNothing(t *testing.T) {
	e, userID, req := approvedVacation(t)

	itr, err := e.svc.ReportSickness(context.Background(), leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 19),
		EndDate:        d(2025, time.July, 20),
		ProtocolNumber: "INPS-WEEKEND",
	})
	require.NoError(t, err)
	assert.True(t, itr.DaysRefunded.IsZero(), "Saturday and Sunday cost nothing, so nothing comes back")
	e.requestNets(t, req.ID, "-11")
}

// =============================================================================
// FULL RECALL
// =============================================================================

func TestRecallMidLeave(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()
	e.advanceTo(time.Date(2025, time.July, 17, 9, 0, 0, 0, time.UTC))

	out, err := e.svc.Recall(ctx, leave.RecallInput{
		RequestID: req.ID,
		ActorID:   e.user("marco"),
		Reason:    "production incident",
	})
	require.NoError(t, err)
	assert.Equal(t, leave.StatusRecalled, out.Status)
	require.NotNil(t, out.RecallDate)
	assert.Equal(t, d(2025, time.July, 17), *out.RecallDate)
	require.NotNil(t, out.DaysUsedBeforeRecall)
	assert.True(t, out.DaysUsedBeforeRecall.Equal(days("5")),
		"Thu 10, Fri 11, Mon 14, Tue 15, Wed 16 were used, got %s", out.DaysUsedBeforeRecall)
	assert.Equal(t, "production incident", out.RecallReason)

	// 11 deducted, 5 used: 6 come back, AC day first.
	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("20")))
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("5")))
	e.requestNets(t, req.ID, "-5")
	assert.NotEmpty(t, e.buf.ByType(notify.EventRequestRecalled))

	// Terminal: a second recall has nothing to act on.
	_, err = e.svc.Recall(ctx, leave.RecallInput{RequestID: req.ID, ActorID: userID})
	var terr *leave.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestRecallOnStartDateRefundsEverything(t *testing.T) {
	e, userID, req := approvedVacation(t)
	e.advanceTo(time.Date(2025, time.July, 10, 8, 0, 0, 0, time.UTC))

	out, err := e.svc.Recall(context.Background(), leave.RecallInput{
		RequestID: req.ID,
		ActorID:   userID,
		Reason:    "never left",
	})
	require.NoError(t, err)
	require.NotNil(t, out.DaysUsedBeforeRecall)
	assert.True(t, out.DaysUsedBeforeRecall.IsZero())
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("10")))
	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("20")))
	e.requestNets(t, req.ID, "0")
}

func TestRecallGuards(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	// Still July 1: the leave has not started, recall is the wrong tool.
	_, err := e.svc.Recall(ctx, leave.RecallInput{RequestID: req.ID, ActorID: userID})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "revoke")

	// In progress, but the named recall date falls outside the window.
	e.advanceTo(time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC))
	_, err = e.svc.Recall(ctx, leave.RecallInput{
		RequestID:  req.ID,
		ActorID:    userID,
		RecallDate: d(2025, time.July, 28),
	})
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "inside the leave")
}

// =============================================================================
// PARTIAL RECALL
// =============================================================================

func TestPartialRecallRefundsNamedDays(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	itr, err := e.svc.PartialRecall(ctx, leave.PartialRecallInput{
		RequestID: req.ID,
		ActorID:   e.user("marco"),
		Days:      []time.Time{d(2025, time.July, 17), d(2025, time.July, 18)},
		Reason:    "release day",
	})
	require.NoError(t, err)
	assert.Equal(t, leave.InterruptionPartialRecall, itr.Type)
	assert.Equal(t, leave.InterruptionActive, itr.Status)
	assert.True(t, itr.DaysRefunded.Equal(days("2")))
	assert.Len(t, itr.SpecificDays, 2)

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, leave.StatusApproved, got.Status)
	assert.True(t, got.HasInterruptions)
	e.requestNets(t, req.ID, "-9")

	// The same days cannot be recalled twice.
	_, err = e.svc.PartialRecall(ctx, leave.PartialRecallInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 18)},
	})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "already covered")
}

func TestPartialRecallThenCancelNetsToZero(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	_, err := e.svc.PartialRecall(ctx, leave.PartialRecallInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 17), d(2025, time.July, 18)},
		Reason:    "two days back at work",
	})
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, req.ID, userID, "leave abandoned entirely", false)
	require.NoError(t, err)

	// Deduct 11, refund 2, cancel restores the remaining 9: a flat zero.
	e.requestNets(t, req.ID, "0")
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("10")))
	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("20")))
}

func TestPartialRecallRejectsForeignDays(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	_, err := e.svc.PartialRecall(ctx, leave.PartialRecallInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 28)},
	})
	var verr *leave.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "outside the leave")

	_, err = e.svc.PartialRecall(ctx, leave.PartialRecallInput{
		RequestID: req.ID,
		ActorID:   userID,
	})
	require.ErrorAs(t, err, &verr)
}

// =============================================================================
// VOLUNTARY WORK
// =============================================================================

func TestVoluntaryWorkLifecycle(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()
	managerID := e.user("marco")
	e.advanceTo(time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC))

	itr, err := e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 21), d(2025, time.July, 22)},
		Reason:    "want to join the launch",
	})
	require.NoError(t, err)
	assert.Equal(t, leave.InterruptionPendingApproval, itr.Status)
	assert.True(t, itr.DaysRefunded.IsZero(), "nothing moves before the manager decides")
	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("19")))
	e.requestNets(t, req.ID, "-11")

	got, err := e.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, got.HasInterruptions, "a pending conversion does not mark the parent")

	_, err = e.svc.DecideVoluntaryWork(ctx, itr.ID, userID, true)
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "your own")

	decided, err := e.svc.DecideVoluntaryWork(ctx, itr.ID, managerID, true)
	require.NoError(t, err)
	assert.Equal(t, leave.InterruptionApproved, decided.Status)
	assert.True(t, decided.DaysRefunded.Equal(days("2")))
	require.NotNil(t, decided.DecidedBy)
	assert.Equal(t, managerID, *decided.DecidedBy)

	assert.True(t, e.available(t, userID, ledger.VacationAC).Equal(days("20")))
	assert.True(t, e.available(t, userID, ledger.VacationAP).Equal(days("1")))
	e.requestNets(t, req.ID, "-9")
	assert.NotEmpty(t, e.buf.ByType(notify.EventVoluntaryWorkApproved))

	_, err = e.svc.DecideVoluntaryWork(ctx, itr.ID, managerID, true)
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "already decided")
}

func TestVoluntaryWorkRejectionMovesNothing(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()
	managerID := e.user("marco")
	e.advanceTo(time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC))

	itr, err := e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 21)},
	})
	require.NoError(t, err)

	decided, err := e.svc.DecideVoluntaryWork(ctx, itr.ID, managerID, false)
	require.NoError(t, err)
	assert.Equal(t, leave.InterruptionRejected, decided.Status)
	assert.True(t, decided.DaysRefunded.IsZero())
	e.requestNets(t, req.ID, "-11")
	assert.NotEmpty(t, e.buf.ByType(notify.EventVoluntaryWorkRejected))

	// A rejected conversion releases its days for a second attempt.
	again, err := e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 21)},
	})
	require.NoError(t, err)
	_, err = e.svc.DecideVoluntaryWork(ctx, again.ID, managerID, true)
	require.NoError(t, err)
	e.requestNets(t, req.ID, "-10")
}

func TestVoluntaryWorkGuards(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()
	e.advanceTo(time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC))

	_, err := e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   e.user("bruno"),
		Days:      []time.Time{d(2025, time.July, 21)},
	})
	require.ErrorIs(t, err, leave.ErrNotOwner)

	// Today and the past are not convertible.
	var rerr *leave.RuleError
	_, err = e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 15)},
	})
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "future")

	_, err = e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 14)},
	})
	require.ErrorAs(t, err, &rerr)

	// Two pending conversions cannot claim the same day.
	_, err = e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 21), d(2025, time.July, 22)},
	})
	require.NoError(t, err)
	_, err = e.svc.RequestVoluntaryWork(ctx, leave.VoluntaryWorkInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 22)},
	})
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "already covered")
}

// =============================================================================
// INTERRUPTIONS LOCK THE PARENT SHAPE
// =============================================================================

func TestInterruptedRequestCannotBeModified(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	_, err := e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 14),
		EndDate:        d(2025, time.July, 14),
		ProtocolNumber: "INPS-9",
	})
	require.NoError(t, err)

	_, err = e.svc.ModifyApproved(ctx, req.ID, userID, leave.ModifyInput{
		StartDate: d(2025, time.August, 4),
		EndDate:   d(2025, time.August, 8),
	})
	var rerr *leave.RuleError
	require.ErrorAs(t, err, &rerr)
	assert.Contains(t, rerr.Error(), "interruptions")
}

func TestInterruptionsListedForRequest(t *testing.T) {
	e, userID, req := approvedVacation(t)
	ctx := context.Background()

	_, err := e.svc.ReportSickness(ctx, leave.SicknessInput{
		RequestID:      req.ID,
		ActorID:        userID,
		StartDate:      d(2025, time.July, 14),
		EndDate:        d(2025, time.July, 15),
		ProtocolNumber: "INPS-7",
	})
	require.NoError(t, err)
	_, err = e.svc.PartialRecall(ctx, leave.PartialRecallInput{
		RequestID: req.ID,
		ActorID:   userID,
		Days:      []time.Time{d(2025, time.July, 17)},
	})
	require.NoError(t, err)

	rows, err := e.svc.Interruptions(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	types := map[leave.InterruptionType]bool{}
	for _, r := range rows {
		types[r.Type] = true
	}
	assert.True(t, types[leave.InterruptionSickness])
	assert.True(t, types[leave.InterruptionPartialRecall])
}
