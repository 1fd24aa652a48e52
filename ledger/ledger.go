/*
ledger.go - balance mutations

PURPOSE:
  All balance changes flow through Ledger. Every operation runs inside one
  store transaction: append entries, update the snapshot, then re-sum the
  touched buckets and compare against the snapshot. A mismatch rolls the
  whole mutation back.

KEY CONCEPTS:
  - PlanDeduction allocates a day total across buckets in deduction order,
    spilling what does not fit into the next bucket. The plan is what leave
    requests persist as deduction details, so the later restore can mirror
    it exactly.
  - Deduct applies a plan. Each movement is clamped against the bucket's
    available balance unless the leave type allows negative balances.
  - Restore walks the plan in reverse, so AP is topped back up only after
    AC is whole again.
  - Carry-over moves the unused current-year balance into next year's AP
    bucket and stamps its expiry date. Expiry zeroes whatever AP is left
    after the stamp passes.

EXAMPLE:
  plan, _ := ledger.PlanDeduction(snap, ledger.VacationBuckets, days, false)
  txs, err := led.Deduct(ctx, ledger.DeductInput{
      UserID: u, Year: 2025, Breakdown: plan, LeaveRequestID: &reqID,
      ActorID: u, Note: "vacation 2025-07-10..2025-07-24",
  })

SEE ALSO:
  types.go for buckets and the snapshot invariant, errors.go for the
  failure modes callers branch on.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Movement is one bucket's share of a deduction or restore plan. Days is
// always positive; the transaction type carries the sign.
type Movement struct {
	Bucket BalanceType     `json:"bucket"`
	Days   decimal.Decimal `json:"days"`
}

// SumMovements totals the days across a plan.
func SumMovements(ms []Movement) decimal.Decimal {
	sum := decimal.Zero
	for _, m := range ms {
		sum = sum.Add(m.Days)
	}
	return sum
}

// Ledger owns every balance mutation.
type Ledger struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(store Store, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, log: log.With().Str("component", "ledger").Logger(), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// =============================================================================
// PLANNING
// =============================================================================

// PlanDeduction allocates total across buckets in the given order, taking
// from each bucket up to its available balance and spilling the remainder
// into the next. When the buckets run out, the remainder lands on the last
// bucket if allowNegative, otherwise an *InsufficientBalanceError reports
// how far short the balances fall.
func PlanDeduction(snap *Snapshot, buckets []BalanceType, total decimal.Decimal, allowNegative bool) ([]Movement, error) {
	if len(buckets) == 0 {
		return nil, fmt.Errorf("plan deduction: no buckets given")
	}
	if total.IsNegative() {
		return nil, fmt.Errorf("plan deduction: negative total %s", total)
	}

	remaining := total
	plan := make([]Movement, 0, len(buckets))
	for _, b := range buckets {
		if remaining.IsZero() {
			break
		}
		avail := snap.Available(b)
		if avail.LessThanOrEqual(decimal.Zero) {
			continue
		}
		take := decimal.Min(remaining, avail)
		plan = append(plan, Movement{Bucket: b, Days: take})
		remaining = remaining.Sub(take)
	}

	if remaining.IsPositive() {
		last := buckets[len(buckets)-1]
		if !allowNegative {
			return nil, &InsufficientBalanceError{
				UserID:    snap.UserID,
				Year:      snap.Year,
				Bucket:    last,
				Requested: total,
				Available: total.Sub(remaining),
			}
		}
		// Overdraw the last bucket.
		if n := len(plan); n > 0 && plan[n-1].Bucket == last {
			plan[n-1].Days = plan[n-1].Days.Add(remaining)
		} else {
			plan = append(plan, Movement{Bucket: last, Days: remaining})
		}
	}
	return plan, nil
}

// =============================================================================
// DEDUCT / RESTORE
// =============================================================================

// DeductInput describes one deduction. KeySeed, when set, makes the write
// idempotent: each movement's key is seed:bucket and a duplicate aborts
// with ErrDuplicateIdempotencyKey.
type DeductInput struct {
	UserID         uuid.UUID
	Year           int
	Breakdown      []Movement
	LeaveRequestID *uuid.UUID
	AllowNegative  bool
	ActorID        uuid.UUID
	Note           string
	KeySeed        string
}

// Deduct consumes balance per the breakdown, in the order given. Movements
// are clamped to the available balance unless AllowNegative.
func (l *Ledger) Deduct(ctx context.Context, in DeductInput) ([]Transaction, error) {
	if len(in.Breakdown) == 0 {
		return nil, fmt.Errorf("deduct: empty breakdown")
	}
	var out []Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		snap, err := l.loadOrInit(ctx, s, in.UserID, in.Year)
		if err != nil {
			return err
		}
		touched := make([]BalanceType, 0, len(in.Breakdown))
		for _, m := range in.Breakdown {
			if !m.Bucket.Valid() || m.Days.LessThanOrEqual(decimal.Zero) {
				return fmt.Errorf("deduct: bad movement %s %s", m.Bucket, m.Days)
			}
			days := m.Days
			if !in.AllowNegative {
				avail := snap.Available(m.Bucket)
				if days.GreaterThan(avail) {
					clamped := decimal.Max(avail, decimal.Zero)
					l.log.Warn().
						Str("user_id", in.UserID.String()).
						Str("bucket", string(m.Bucket)).
						Str("requested", days.String()).
						Str("available", avail.String()).
						Msg("deduction clamped to available balance")
					days = clamped
				}
			}
			if days.IsZero() {
				continue
			}
			snap.addUsed(m.Bucket, days)
			tx := &Transaction{
				ID:             uuid.New(),
				UserID:         in.UserID,
				Year:           in.Year,
				Bucket:         m.Bucket,
				Type:           TxDeduct,
				Amount:         days.Neg(),
				BalanceAfter:   snap.Available(m.Bucket),
				LeaveRequestID: in.LeaveRequestID,
				IdempotencyKey: seedKey(in.KeySeed, m.Bucket),
				Note:           in.Note,
				ActorID:        in.ActorID,
				CreatedAt:      l.now().UTC(),
			}
			if err := s.AppendTransaction(ctx, tx); err != nil {
				return err
			}
			out = append(out, *tx)
			touched = append(touched, m.Bucket)
		}
		if err := s.UpdateSnapshot(ctx, snap); err != nil {
			return err
		}
		return l.verify(ctx, s, snap, touched)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreInput mirrors a previous deduction. Breakdown is the original
// deduction plan (or the part being given back); Restore walks it in
// reverse so AP comes back last.
type RestoreInput struct {
	UserID         uuid.UUID
	Year           int
	Breakdown      []Movement
	LeaveRequestID *uuid.UUID
	ActorID        uuid.UUID
	Note           string
	KeySeed        string
}

// Restore gives balance back in reverse bucket order.
func (l *Ledger) Restore(ctx context.Context, in RestoreInput) ([]Transaction, error) {
	if len(in.Breakdown) == 0 {
		return nil, fmt.Errorf("restore: empty breakdown")
	}
	var out []Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		snap, err := l.loadOrInit(ctx, s, in.UserID, in.Year)
		if err != nil {
			return err
		}
		touched := make([]BalanceType, 0, len(in.Breakdown))
		for i := len(in.Breakdown) - 1; i >= 0; i-- {
			m := in.Breakdown[i]
			if !m.Bucket.Valid() || m.Days.LessThanOrEqual(decimal.Zero) {
				return fmt.Errorf("restore: bad movement %s %s", m.Bucket, m.Days)
			}
			snap.addUsed(m.Bucket, m.Days.Neg())
			tx := &Transaction{
				ID:             uuid.New(),
				UserID:         in.UserID,
				Year:           in.Year,
				Bucket:         m.Bucket,
				Type:           TxRestore,
				Amount:         m.Days,
				BalanceAfter:   snap.Available(m.Bucket),
				LeaveRequestID: in.LeaveRequestID,
				IdempotencyKey: seedKey(in.KeySeed, m.Bucket),
				Note:           in.Note,
				ActorID:        in.ActorID,
				CreatedAt:      l.now().UTC(),
			}
			if err := s.AppendTransaction(ctx, tx); err != nil {
				return err
			}
			out = append(out, *tx)
			touched = append(touched, m.Bucket)
		}
		if err := s.UpdateSnapshot(ctx, snap); err != nil {
			return err
		}
		return l.verify(ctx, s, snap, touched)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// GRANTS: ACCRUAL, ADJUST
// =============================================================================

// GrantInput covers accruals and manual adjustments. Days is positive for
// accruals; adjustments may be signed either way.
type GrantInput struct {
	UserID  uuid.UUID
	Year    int
	Bucket  BalanceType
	Days    decimal.Decimal
	ActorID uuid.UUID
	Note    string
	Key     string
}

// Accrue grants entitlement to a bucket.
func (l *Ledger) Accrue(ctx context.Context, in GrantInput) (*Transaction, error) {
	if in.Days.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("accrue: non-positive amount %s", in.Days)
	}
	return l.moveTotal(ctx, in, TxAccrual)
}

// Adjust applies a signed manual correction to a bucket's total.
func (l *Ledger) Adjust(ctx context.Context, in GrantInput) (*Transaction, error) {
	if in.Days.IsZero() {
		return nil, fmt.Errorf("adjust: zero amount")
	}
	return l.moveTotal(ctx, in, TxAdjust)
}

func (l *Ledger) moveTotal(ctx context.Context, in GrantInput, txType TransactionType) (*Transaction, error) {
	if !in.Bucket.Valid() {
		return nil, fmt.Errorf("%s: unknown bucket %q", txType, in.Bucket)
	}
	var out *Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		snap, err := l.loadOrInit(ctx, s, in.UserID, in.Year)
		if err != nil {
			return err
		}
		snap.addTotal(in.Bucket, in.Days)
		tx := &Transaction{
			ID:             uuid.New(),
			UserID:         in.UserID,
			Year:           in.Year,
			Bucket:         in.Bucket,
			Type:           txType,
			Amount:         in.Days,
			BalanceAfter:   snap.Available(in.Bucket),
			IdempotencyKey: in.Key,
			Note:           in.Note,
			ActorID:        in.ActorID,
			CreatedAt:      l.now().UTC(),
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		if err := s.UpdateSnapshot(ctx, snap); err != nil {
			return err
		}
		out = tx
		return l.verify(ctx, s, snap, []BalanceType{in.Bucket})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// CARRY-OVER AND EXPIRY
// =============================================================================

// CarryOverInput moves the unused AC balance of FromYear into the AP bucket
// of FromYear+1. Expiry defaults to June 30 of the target year.
type CarryOverInput struct {
	UserID   uuid.UUID
	FromYear int
	Expiry   *time.Time
	ActorID  uuid.UUID
}

// CarryOver runs the year rollover for one user. It is idempotent per
// (user, year): the derived keys reject a second run.
func (l *Ledger) CarryOver(ctx context.Context, in CarryOverInput) ([]Transaction, error) {
	var out []Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		from, err := s.GetSnapshot(ctx, in.UserID, in.FromYear)
		if err == ErrSnapshotNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		remaining := from.Available(VacationAC)
		if remaining.LessThanOrEqual(decimal.Zero) {
			return nil
		}

		toYear := in.FromYear + 1
		expiry := in.Expiry
		if expiry == nil {
			e := time.Date(toYear, time.June, 30, 0, 0, 0, 0, time.UTC)
			expiry = &e
		}

		from.addTotal(VacationAC, remaining.Neg())
		outTx := &Transaction{
			ID:             uuid.New(),
			UserID:         in.UserID,
			Year:           in.FromYear,
			Bucket:         VacationAC,
			Type:           TxCarryOver,
			Amount:         remaining.Neg(),
			BalanceAfter:   from.Available(VacationAC),
			IdempotencyKey: fmt.Sprintf("carryover:%s:%d:out", in.UserID, in.FromYear),
			Note:           fmt.Sprintf("carried over to %d", toYear),
			ActorID:        in.ActorID,
			CreatedAt:      l.now().UTC(),
		}
		if err := s.AppendTransaction(ctx, outTx); err != nil {
			return err
		}
		if err := s.UpdateSnapshot(ctx, from); err != nil {
			return err
		}

		to, err := l.loadOrInit(ctx, s, in.UserID, toYear)
		if err != nil {
			return err
		}
		to.addTotal(VacationAP, remaining)
		to.APExpiryDate = expiry
		inTx := &Transaction{
			ID:             uuid.New(),
			UserID:         in.UserID,
			Year:           toYear,
			Bucket:         VacationAP,
			Type:           TxCarryOver,
			Amount:         remaining,
			BalanceAfter:   to.Available(VacationAP),
			IdempotencyKey: fmt.Sprintf("carryover:%s:%d:in", in.UserID, in.FromYear),
			Note:           fmt.Sprintf("carried over from %d, expires %s", in.FromYear, expiry.Format("2006-01-02")),
			ActorID:        in.ActorID,
			CreatedAt:      l.now().UTC(),
		}
		if err := s.AppendTransaction(ctx, inTx); err != nil {
			return err
		}
		if err := s.UpdateSnapshot(ctx, to); err != nil {
			return err
		}
		if err := l.verify(ctx, s, from, []BalanceType{VacationAC}); err != nil {
			return err
		}
		if err := l.verify(ctx, s, to, []BalanceType{VacationAP}); err != nil {
			return err
		}
		out = []Transaction{*outTx, *inTx}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Rollover already ran for this (user, year). Retries are no-ops.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireCarryOver zeroes whatever AP balance is still available once the
// snapshot's expiry date has passed. Returns nil when there is nothing to
// expire.
func (l *Ledger) ExpireCarryOver(ctx context.Context, userID uuid.UUID, year int, asOf time.Time, actorID uuid.UUID) (*Transaction, error) {
	var out *Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		snap, err := s.GetSnapshot(ctx, userID, year)
		if err == ErrSnapshotNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if snap.APExpiryDate == nil || asOf.Before(*snap.APExpiryDate) {
			return nil
		}
		remaining := snap.Available(VacationAP)
		if remaining.LessThanOrEqual(decimal.Zero) {
			return nil
		}
		snap.addTotal(VacationAP, remaining.Neg())
		tx := &Transaction{
			ID:             uuid.New(),
			UserID:         userID,
			Year:           year,
			Bucket:         VacationAP,
			Type:           TxExpire,
			Amount:         remaining.Neg(),
			BalanceAfter:   snap.Available(VacationAP),
			IdempotencyKey: fmt.Sprintf("expire:%s:%d", userID, year),
			Note:           fmt.Sprintf("carry-over expired on %s", snap.APExpiryDate.Format("2006-01-02")),
			ActorID:        actorID,
			CreatedAt:      l.now().UTC(),
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		if err := s.UpdateSnapshot(ctx, snap); err != nil {
			return err
		}
		out = tx
		return l.verify(ctx, s, snap, []BalanceType{VacationAP})
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpireAllCarryOver sweeps every snapshot whose AP expiry has passed.
// Failures are logged per user and the sweep keeps going.
func (l *Ledger) ExpireAllCarryOver(ctx context.Context, asOf time.Time, actorID uuid.UUID) ([]Transaction, error) {
	snaps, err := l.store.SnapshotsWithExpiredAP(ctx, asOf)
	if err != nil {
		return nil, err
	}
	var out []Transaction
	for _, snap := range snaps {
		tx, err := l.ExpireCarryOver(ctx, snap.UserID, snap.Year, asOf, actorID)
		if err != nil {
			l.log.Error().Err(err).
				Str("user_id", snap.UserID.String()).
				Int("year", snap.Year).
				Msg("carry-over expiry failed, continuing sweep")
			continue
		}
		if tx != nil {
			out = append(out, *tx)
		}
	}
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the (user, year) snapshot, or a zeroed one when the user
// has no ledger activity yet.
func (l *Ledger) Balance(ctx context.Context, userID uuid.UUID, year int) (*Snapshot, error) {
	snap, err := l.store.GetSnapshot(ctx, userID, year)
	if err == ErrSnapshotNotFound {
		return NewSnapshot(userID, year), nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Transactions lists a user's ledger entries for one year, oldest first.
func (l *Ledger) Transactions(ctx context.Context, userID uuid.UUID, year int) ([]Transaction, error) {
	return l.store.ListTransactions(ctx, userID, year)
}

// TransactionsForRequest lists every entry tied to one leave request.
func (l *Ledger) TransactionsForRequest(ctx context.Context, leaveRequestID uuid.UUID) ([]Transaction, error) {
	return l.store.TransactionsForRequest(ctx, leaveRequestID)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (l *Ledger) loadOrInit(ctx context.Context, s Store, userID uuid.UUID, year int) (*Snapshot, error) {
	snap, err := s.GetSnapshot(ctx, userID, year)
	if err == ErrSnapshotNotFound {
		snap = NewSnapshot(userID, year)
		snap.UpdatedAt = l.now().UTC()
		if err := s.CreateSnapshot(ctx, snap); err != nil {
			return nil, err
		}
		return snap, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// verify re-sums the ledger for each touched bucket and compares it to the
// snapshot. Runs inside the mutation's transaction.
func (l *Ledger) verify(ctx context.Context, s Store, snap *Snapshot, buckets []BalanceType) error {
	seen := map[BalanceType]bool{}
	for _, b := range buckets {
		if seen[b] {
			continue
		}
		seen[b] = true
		sum, err := s.SumTransactions(ctx, snap.UserID, snap.Year, b)
		if err != nil {
			return err
		}
		want := snap.Total(b).Sub(snap.Used(b))
		if !sum.Equal(want) {
			return &DriftError{
				UserID:    snap.UserID,
				Year:      snap.Year,
				Bucket:    b,
				LedgerSum: sum,
				Snapshot:  want,
			}
		}
	}
	return nil
}

func seedKey(seed string, b BalanceType) string {
	if seed == "" {
		return ""
	}
	return seed + ":" + string(b)
}
