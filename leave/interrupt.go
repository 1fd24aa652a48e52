/*
interrupt.go - recall, sickness during vacation, voluntary work

PURPOSE:
  Carve days out of an approved leave after the fact. Full recall ends the
  leave and settles the unused remainder; the other three paths hang an
  Interruption child off the parent and refund through the ledger without
  rewriting the parent's dates.

KEY CONCEPTS:
  - Sick days inside a vacation do not count as vacation (Art. 6 D.Lgs
    66/2003). The sick window is refunded and recorded with the INPS
    protocol number when one is provided.
  - Voluntary work is employee-initiated and needs a manager's decision:
    the interruption is born PENDING_APPROVAL with no refund and only an
    approval moves balance.
  - Every refund is clamped to what the request still holds in the ledger,
    so stacked interruptions can never give back more than was deducted.
*/
package leave

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/notify"
)

// Initiator roles recorded on interruptions.
const (
	InitiatorEmployee = "EMPLOYEE"
	InitiatorManager  = "MANAGER"
)

// =============================================================================
// FULL RECALL
// =============================================================================

// RecallInput ends a leave early. RecallDate is the day the employee is
// back at work; zero means today.
type RecallInput struct {
	RequestID  uuid.UUID
	ActorID    uuid.UUID
	RecallDate time.Time
	Reason     string
}

// Recall terminates an in-flight approved leave. Days actually used are
// working days from the start up to the day before the recall date; the
// rest comes back in one compensating restore. The request ends RECALLED.
func (s *Service) Recall(ctx context.Context, in RecallInput) (*Request, error) {
	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	today := calendar.Day(s.now())
	if !calendar.Covers(req.StartDate, req.EndDate, today) {
		return nil, &RuleError{Op: "recall", Reason: "recall applies to a leave in progress, use revoke before it starts"}
	}
	recallDate := today
	if !in.RecallDate.IsZero() {
		recallDate = calendar.Day(in.RecallDate)
	}
	if !calendar.Covers(req.StartDate, req.EndDate, recallDate) {
		return nil, &RuleError{Op: "recall", Reason: "recall date must fall inside the leave"}
	}

	daysUsed := decimal.Zero
	if recallDate.After(req.StartDate) {
		daysUsed, err = s.kernel.WorkingDays(ctx, req.StartDate, calendar.AddDays(recallDate, -1),
			req.StartHalfDay, false, req.Location)
		if err != nil {
			return nil, err
		}
	}

	var restored decimal.Decimal
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if cur.Status != StatusApproved && cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "recall"}
		}
		toRestore := cur.DaysRequested.Sub(daysUsed)
		if toRestore.IsNegative() {
			toRestore = decimal.Zero
		}
		restored, err = s.restorePartial(ctx, st, cur, toRestore, in.ActorID, "recalled: "+in.Reason, "")
		if err != nil {
			return err
		}
		ts := s.now().UTC()
		cur.Status = StatusRecalled
		cur.RecalledAt = &ts
		cur.RecallDate = &recallDate
		cur.RecallReason = in.Reason
		cur.DaysUsedBeforeRecall = &daysUsed
		cur.UpdatedAt = ts
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, req.UserID, notify.EventRequestRecalled, req,
		fmt.Sprintf("You were recalled from leave effective %s: %s days used, %s days returned",
			recallDate.Format("2006-01-02"), daysUsed, restored))
	s.audit(ctx, in.ActorID, audit.ActorUser, "leave.request.recall", req.ID, map[string]string{
		"recall_date": recallDate.Format("2006-01-02"),
		"days_used":   daysUsed.String(),
		"restored":    restored.String(),
	})
	return req, nil
}

// =============================================================================
// PARTIAL RECALL
// =============================================================================

// PartialRecallInput recalls specific days without ending the leave.
type PartialRecallInput struct {
	RequestID uuid.UUID
	ActorID   uuid.UUID
	Days      []time.Time
	Reason    string
}

// PartialRecall refunds the named days and records a PARTIAL_RECALL child.
// The parent keeps its dates and days_requested; the interruption is
// authoritative for the delta.
func (s *Service) PartialRecall(ctx context.Context, in PartialRecallInput) (*Interruption, error) {
	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	days, err := normalizeDays(in.Days, req)
	if err != nil {
		return nil, err
	}
	refund, err := s.refundForDays(ctx, req, days)
	if err != nil {
		return nil, err
	}

	itr := &Interruption{
		ID:              uuid.New(),
		LeaveRequestID:  req.ID,
		Type:            InterruptionPartialRecall,
		SpecificDays:    days,
		Reason:          in.Reason,
		InitiatedBy:     in.ActorID,
		InitiatedByRole: initiatorRole(req, in.ActorID),
		Status:          InterruptionActive,
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if cur.Status != StatusApproved && cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "partial recall"}
		}
		if err := s.checkInterruptionClash(ctx, st, itr); err != nil {
			return err
		}
		restored, err := s.restorePartial(ctx, st, cur, refund, in.ActorID, "partial recall: "+in.Reason, "")
		if err != nil {
			return err
		}
		ts := s.now().UTC()
		itr.DaysRefunded = restored
		itr.CreatedAt, itr.UpdatedAt = ts, ts
		if err := st.CreateInterruption(ctx, itr); err != nil {
			return err
		}
		cur.HasInterruptions = true
		cur.UpdatedAt = ts
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, req.UserID, notify.EventRequestRecalled, req,
		fmt.Sprintf("You were recalled for %d day(s) of your leave, %s day(s) returned", len(days), itr.DaysRefunded))
	s.audit(ctx, in.ActorID, audit.ActorUser, "leave.interruption.partial_recall", req.ID, map[string]string{
		"interruption_id": itr.ID.String(),
		"days":            fmt.Sprintf("%d", len(days)),
		"refunded":        itr.DaysRefunded.String(),
	})
	return itr, nil
}

// =============================================================================
// SICKNESS DURING VACATION
// =============================================================================

// SicknessInput reports a certified sick window inside an approved leave.
type SicknessInput struct {
	RequestID      uuid.UUID
	ActorID        uuid.UUID
	StartDate      time.Time
	EndDate        time.Time
	ProtocolNumber string
	Reason         string
}

// ReportSickness converts the sick window's working days back into balance
// and records a SICKNESS child carrying the INPS protocol number.
func (s *Service) ReportSickness(ctx context.Context, in SicknessInput) (*Interruption, error) {
	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	start, end := calendar.Day(in.StartDate), calendar.Day(in.EndDate)
	if end.Before(start) {
		return nil, &ValidationError{Errors: []string{"end_date is before start_date"}}
	}
	if !calendar.Covers(req.StartDate, req.EndDate, start) || !calendar.Covers(req.StartDate, req.EndDate, end) {
		return nil, &RuleError{Op: "sickness", Reason: "sick window must fall inside the leave"}
	}

	itr := &Interruption{
		ID:              uuid.New(),
		LeaveRequestID:  req.ID,
		Type:            InterruptionSickness,
		StartDate:       &start,
		EndDate:         &end,
		ProtocolNumber:  in.ProtocolNumber,
		Reason:          in.Reason,
		InitiatedBy:     in.ActorID,
		InitiatedByRole: initiatorRole(req, in.ActorID),
		Status:          InterruptionActive,
	}
	refund, err := s.refundForDays(ctx, req, itr.Days())
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if cur.Status != StatusApproved && cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "sickness"}
		}
		if err := s.checkInterruptionClash(ctx, st, itr); err != nil {
			return err
		}
		restored, err := s.restorePartial(ctx, st, cur, refund, in.ActorID, "sickness during leave", "")
		if err != nil {
			return err
		}
		ts := s.now().UTC()
		itr.DaysRefunded = restored
		itr.CreatedAt, itr.UpdatedAt = ts, ts
		if err := st.CreateInterruption(ctx, itr); err != nil {
			return err
		}
		cur.HasInterruptions = true
		cur.UpdatedAt = ts
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, req.UserID, notify.EventSicknessConversion, req,
		fmt.Sprintf("Sick days %s to %s were converted: %s day(s) returned to your balance",
			start.Format("2006-01-02"), end.Format("2006-01-02"), itr.DaysRefunded))
	s.audit(ctx, in.ActorID, audit.ActorUser, "leave.interruption.sickness", req.ID, map[string]string{
		"interruption_id": itr.ID.String(),
		"protocol":        in.ProtocolNumber,
		"refunded":        itr.DaysRefunded.String(),
	})
	return itr, nil
}

// =============================================================================
// VOLUNTARY WORK
// =============================================================================

// VoluntaryWorkInput asks to work specific future days of one's own
// approved leave.
type VoluntaryWorkInput struct {
	RequestID uuid.UUID
	ActorID   uuid.UUID
	Days      []time.Time
	Reason    string
}

// RequestVoluntaryWork files the conversion request. Nothing moves until a
// manager decides.
func (s *Service) RequestVoluntaryWork(ctx context.Context, in VoluntaryWorkInput) (*Interruption, error) {
	req, err := s.store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.UserID != in.ActorID {
		return nil, ErrNotOwner
	}
	if req.Status != StatusApproved {
		return nil, &TransitionError{From: req.Status, Op: "voluntary work"}
	}
	days, err := normalizeDays(in.Days, req)
	if err != nil {
		return nil, err
	}
	today := calendar.Day(s.now())
	for _, d := range days {
		if !d.After(today) {
			return nil, &RuleError{Op: "voluntary work", Reason: "only future days can be converted"}
		}
	}

	itr := &Interruption{
		ID:              uuid.New(),
		LeaveRequestID:  req.ID,
		Type:            InterruptionVoluntaryWork,
		SpecificDays:    days,
		Reason:          in.Reason,
		InitiatedBy:     in.ActorID,
		InitiatedByRole: InitiatorEmployee,
		Status:          InterruptionPendingApproval,
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		if err := s.checkInterruptionClash(ctx, st, itr); err != nil {
			return err
		}
		ts := s.now().UTC()
		itr.CreatedAt, itr.UpdatedAt = ts, ts
		return st.CreateInterruption(ctx, itr)
	})
	if err != nil {
		return nil, err
	}
	s.notifyManager(ctx, req, notify.EventVoluntaryWorkRequest, "asked to work during their approved leave")
	s.audit(ctx, in.ActorID, audit.ActorUser, "leave.interruption.voluntary_work.request", req.ID, map[string]string{
		"interruption_id": itr.ID.String(),
		"days":            fmt.Sprintf("%d", len(days)),
	})
	return itr, nil
}

// DecideVoluntaryWork is the manager's verdict. Approval refunds the
// working days among those requested; rejection leaves the balance alone.
func (s *Service) DecideVoluntaryWork(ctx context.Context, interruptionID, actorID uuid.UUID, approve bool) (*Interruption, error) {
	itr, err := s.store.GetInterruption(ctx, interruptionID)
	if err != nil {
		return nil, err
	}
	if itr.Type != InterruptionVoluntaryWork {
		return nil, &RuleError{Op: "decide voluntary work", Reason: "interruption is not a voluntary work request"}
	}
	req, err := s.store.GetRequest(ctx, itr.LeaveRequestID)
	if err != nil {
		return nil, err
	}
	if actorID == req.UserID {
		return nil, &RuleError{Op: "decide voluntary work", Reason: "you cannot decide your own request"}
	}

	refund := decimal.Zero
	if approve {
		refund, err = s.refundForDays(ctx, req, itr.Days())
		if err != nil {
			return nil, err
		}
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetInterruption(ctx, interruptionID)
		if err != nil {
			return err
		}
		if cur.Status != InterruptionPendingApproval {
			return &RuleError{Op: "decide voluntary work", Reason: "request was already decided"}
		}
		parent, err := st.GetRequest(ctx, cur.LeaveRequestID)
		if err != nil {
			return err
		}
		ts := s.now().UTC()
		cur.DecidedBy = &actorID
		cur.DecidedAt = &ts
		cur.UpdatedAt = ts
		if !approve {
			cur.Status = InterruptionRejected
			*itr = *cur
			return st.UpdateInterruption(ctx, cur)
		}
		if parent.Status != StatusApproved {
			return &RuleError{Op: "decide voluntary work", Reason: "leave request is no longer approved"}
		}
		restored, err := s.restorePartial(ctx, st, parent, refund, actorID, "voluntary work conversion", "")
		if err != nil {
			return err
		}
		cur.Status = InterruptionApproved
		cur.DaysRefunded = restored
		if err := st.UpdateInterruption(ctx, cur); err != nil {
			return err
		}
		parent.HasInterruptions = true
		parent.UpdatedAt = ts
		if err := st.UpdateRequest(ctx, parent); err != nil {
			return err
		}
		*itr = *cur
		*req = *parent
		return nil
	})
	if err != nil {
		return nil, err
	}
	if approve {
		s.notifyUser(ctx, req.UserID, notify.EventVoluntaryWorkApproved, req,
			fmt.Sprintf("Your voluntary work request was approved: %s day(s) returned to your balance", itr.DaysRefunded))
	} else {
		s.notifyUser(ctx, req.UserID, notify.EventVoluntaryWorkRejected, req,
			"Your voluntary work request was rejected")
	}
	s.audit(ctx, actorID, audit.ActorUser, "leave.interruption.voluntary_work.decide", req.ID, map[string]string{
		"interruption_id": itr.ID.String(),
		"approved":        fmt.Sprintf("%t", approve),
		"refunded":        itr.DaysRefunded.String(),
	})
	return itr, nil
}

// =============================================================================
// SHARED
// =============================================================================

// refundForDays prices a set of days inside the parent request: each
// working day counts one, a half-day endpoint counts a half.
func (s *Service) refundForDays(ctx context.Context, req *Request, days []time.Time) (decimal.Decimal, error) {
	working, err := s.kernel.WorkingDaysOf(ctx, days, req.Location)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, d := range working {
		total = total.Add(dayWeight(d, req.StartDate, req.EndDate, req.StartHalfDay, req.EndHalfDay))
	}
	return total, nil
}

// normalizeDays dedupes and sorts the given days and checks they all fall
// inside the request.
func normalizeDays(in []time.Time, req *Request) ([]time.Time, error) {
	if len(in) == 0 {
		return nil, &ValidationError{Errors: []string{"at least one day is required"}}
	}
	seen := make(map[string]bool, len(in))
	var out []time.Time
	for _, d := range in {
		d = calendar.Day(d)
		if seen[calendar.DayKey(d)] {
			continue
		}
		seen[calendar.DayKey(d)] = true
		if !calendar.Covers(req.StartDate, req.EndDate, d) {
			return nil, &RuleError{Op: "interrupt", Reason: fmt.Sprintf("day %s is outside the leave", d.Format("2006-01-02"))}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// checkInterruptionClash blocks a new interruption whose days collide with
// an existing same-type one that refunded (or may still refund) them.
func (s *Service) checkInterruptionClash(ctx context.Context, st Store, itr *Interruption) error {
	existing, err := st.InterruptionsForRequest(ctx, itr.LeaveRequestID)
	if err != nil {
		return err
	}
	days := itr.Days()
	for i := range existing {
		e := &existing[i]
		if e.Type != itr.Type || e.Status == InterruptionRejected {
			continue
		}
		if e.CoversAny(days) {
			return &RuleError{Op: "interrupt", Reason: fmt.Sprintf("days already covered by %s interruption %s",
				e.Type, e.ID)}
		}
	}
	return nil
}

func initiatorRole(req *Request, actorID uuid.UUID) string {
	if actorID == req.UserID {
		return InitiatorEmployee
	}
	return InitiatorManager
}
