/*
recalc.go - day pricing and closure-driven recomputation

PURPOSE:
  Price a request's date range (kernel working days minus the closure
  overlay) and re-settle approved requests when a company closure changes
  under them.

KEY CONCEPTS:
  - A closure with consumes_leave_balance=false removes its working days
    from what a request costs: the office is shut, no leave is spent.
  - RecalculateForClosure reprices every APPROVED / APPROVED_CONDITIONAL
    request overlapping the closure and settles the delta through the
    ledger under hour-bucketed idempotency keys, so a redelivered closure
    event cannot double-post.
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/ledger"
	"github.com/kronos-wfm/kronos-core/notify"
)

var (
	fullDay = decimal.NewFromInt(1)
	halfDay = decimal.New(5, -1) // 0.5
)

// dayWeight is the billable cost of one counted day, mirroring the
// kernel's half-day endpoint rule.
func dayWeight(d, start, end time.Time, startHalf, endHalf bool) decimal.Decimal {
	w := fullDay
	if startHalf && calendar.SameDay(d, start) {
		w = halfDay
	}
	if endHalf && calendar.SameDay(d, end) {
		w = halfDay
	}
	return w
}

// effectiveDays prices the request: kernel working days minus the weight of
// working days covered by a non-consuming closure that applies to the
// requester.
func (s *Service) effectiveDays(ctx context.Context, req *Request) (decimal.Decimal, error) {
	days, err := s.kernel.WorkingDays(ctx, req.StartDate, req.EndDate, req.StartHalfDay, req.EndHalfDay, req.Location)
	if err != nil {
		return decimal.Zero, err
	}
	closed, err := s.kernel.ClosedDays(ctx, req.StartDate, req.EndDate, req.Location)
	if err != nil {
		return decimal.Zero, err
	}
	if len(closed) == 0 {
		return days, nil
	}
	dept := s.department(ctx, req.UserID)
	var overlay []time.Time
	for d := req.StartDate; !d.After(req.EndDate); d = calendar.AddDays(d, 1) {
		c, ok := closed[calendar.DayKey(d)]
		if !ok || c.ConsumesLeaveBalance {
			continue
		}
		if c.Department != "" && c.Department != dept {
			continue
		}
		overlay = append(overlay, d)
	}
	if len(overlay) == 0 {
		return days, nil
	}
	working, err := s.kernel.WorkingDaysOf(ctx, overlay, req.Location)
	if err != nil {
		return decimal.Zero, err
	}
	for _, d := range working {
		days = days.Sub(dayWeight(d, req.StartDate, req.EndDate, req.StartHalfDay, req.EndHalfDay))
	}
	if days.IsNegative() {
		days = decimal.Zero
	}
	return days, nil
}

// RecalculateForClosure reprices approved requests after a closure is
// inserted, updated or removed. Safe to rerun: the price is recomputed
// from the calendar as it now stands, so a second pass finds no delta.
// Returns how many requests changed.
func (s *Service) RecalculateForClosure(ctx context.Context, c calendar.Closure) (int, error) {
	rows, err := s.store.RequestsInRange(ctx, calendar.Day(c.StartDate), calendar.Day(c.EndDate),
		[]Status{StatusApproved, StatusApprovedConditional})
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range rows {
		req := rows[i]
		ok, err := s.recalculateOne(ctx, &req, c)
		if err != nil {
			s.log.Error().Err(err).
				Str("request_id", req.ID.String()).
				Str("closure_id", c.ID.String()).
				Msg("closure recalculation failed for request")
			continue
		}
		if ok {
			changed++
		}
	}
	if changed > 0 {
		s.log.Info().Str("closure_id", c.ID.String()).Int("requests", changed).Msg("closure recalculation done")
	}
	return changed, nil
}

func (s *Service) recalculateOne(ctx context.Context, req *Request, c calendar.Closure) (bool, error) {
	days, err := s.effectiveDays(ctx, req)
	if err != nil {
		return false, err
	}
	if days.Equal(req.DaysRequested) {
		return false, nil
	}

	seed := fmt.Sprintf("closure:%s:%s:%s", c.ID, req.ID, s.now().UTC().Format("2006-01-02T15"))
	note := fmt.Sprintf("closure %q recalculation", c.Name)
	var before decimal.Decimal
	applied := false
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusApproved && cur.Status != StatusApprovedConditional {
			return nil // resolved while we were repricing
		}
		before = cur.DaysRequested
		delta := days.Sub(cur.DaysRequested)
		if cur.BalanceDeducted && !delta.IsZero() {
			// The request stands approved either way, so a re-charge posts
			// in full even past zero.
			if err := s.settleDelta(ctx, st, cur, delta, note, seed); err != nil {
				if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
					return err
				}
				s.log.Warn().Str("request_id", cur.ID.String()).Msg("closure delta already settled, updating days only")
			}
		}
		cur.DaysRequested = days
		cur.UpdatedAt = s.now().UTC()
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		applied = true
		return nil
	})
	if err != nil || !applied {
		return false, err
	}
	s.notifyUser(ctx, req.UserID, notify.EventClosureRecalculation, req,
		fmt.Sprintf("A company closure changed your leave from %s to %s days", before, days))
	s.audit(ctx, uuid.Nil, audit.ActorSystem, "leave.request.recalculate", req.ID, map[string]string{
		"closure_id":  c.ID.String(),
		"days_before": before.String(),
		"days_after":  days.String(),
	})
	return true, nil
}

// settleDelta posts a signed repricing delta for an already-deducted
// request: negative restores, positive deducts.
func (s *Service) settleDelta(ctx context.Context, st Store, req *Request, delta decimal.Decimal, note, seed string) error {
	if delta.IsNegative() {
		_, err := s.restorePartial(ctx, st, req, delta.Neg(), uuid.Nil, note, seed)
		return err
	}
	buckets := BucketsFor(req.TypeCode)
	if len(buckets) == 0 {
		return nil
	}
	led := s.ledgerFor(st)
	snap, err := led.Balance(ctx, req.UserID, req.StartDate.Year())
	if err != nil {
		return err
	}
	plan, err := ledger.PlanDeduction(snap, buckets, delta, true)
	if err != nil {
		return err
	}
	_, err = led.Deduct(ctx, ledger.DeductInput{
		UserID:         req.UserID,
		Year:           req.StartDate.Year(),
		Breakdown:      plan,
		LeaveRequestID: &req.ID,
		AllowNegative:  true,
		ActorID:        uuid.Nil,
		Note:           note,
		KeySeed:        seed,
	})
	return err
}
