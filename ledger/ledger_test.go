package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// IN-MEMORY STORE FAKE
// =============================================================================

type memStore struct {
	snaps map[string]ledger.Snapshot
	txs   []ledger.Transaction
	keys  map[string]bool
}

func newMemStore() *memStore {
	return &memStore{snaps: map[string]ledger.Snapshot{}, keys: map[string]bool{}}
}

func snapKey(userID uuid.UUID, year int) string {
	return fmt.Sprintf("%s:%d", userID, year)
}

func (m *memStore) GetSnapshot(_ context.Context, userID uuid.UUID, year int) (*ledger.Snapshot, error) {
	s, ok := m.snaps[snapKey(userID, year)]
	if !ok {
		return nil, ledger.ErrSnapshotNotFound
	}
	cp := s
	return &cp, nil
}

func (m *memStore) CreateSnapshot(_ context.Context, s *ledger.Snapshot) error {
	m.snaps[snapKey(s.UserID, s.Year)] = *s
	return nil
}

func (m *memStore) UpdateSnapshot(_ context.Context, s *ledger.Snapshot) error {
	s.UpdatedAt = time.Now().UTC()
	m.snaps[snapKey(s.UserID, s.Year)] = *s
	return nil
}

func (m *memStore) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	if tx.IdempotencyKey != "" {
		if m.keys[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.keys[tx.IdempotencyKey] = true
	}
	m.txs = append(m.txs, *tx)
	return nil
}

func (m *memStore) SumTransactions(_ context.Context, userID uuid.UUID, year int, bucket ledger.BalanceType) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, tx := range m.txs {
		if tx.UserID == userID && tx.Year == year && tx.Bucket == bucket {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

func (m *memStore) ListTransactions(_ context.Context, userID uuid.UUID, year int) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID && tx.Year == year {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) TransactionsForRequest(_ context.Context, leaveRequestID uuid.UUID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range m.txs {
		if tx.LeaveRequestID != nil && *tx.LeaveRequestID == leaveRequestID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) SnapshotsWithExpiredAP(_ context.Context, asOf time.Time) ([]ledger.Snapshot, error) {
	var out []ledger.Snapshot
	for _, s := range m.snaps {
		if s.APExpiryDate == nil || asOf.Before(*s.APExpiryDate) {
			continue
		}
		if s.Available(ledger.VacationAP).IsPositive() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(m)
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestLedger(t *testing.T) (*ledger.Ledger, *memStore) {
	t.Helper()
	store := newMemStore()
	return ledger.New(store, zerolog.Nop()), store
}

func days(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// requireInvariant asserts that for every bucket the ledger sum equals the
// snapshot's total minus used.
func requireInvariant(t *testing.T, store *memStore, userID uuid.UUID, year int) {
	t.Helper()
	ctx := context.Background()
	snap, err := store.GetSnapshot(ctx, userID, year)
	require.NoError(t, err)
	for _, b := range ledger.Buckets {
		sum, err := store.SumTransactions(ctx, userID, year, b)
		require.NoError(t, err)
		want := snap.Total(b).Sub(snap.Used(b))
		assert.True(t, sum.Equal(want),
			"bucket %s: ledger sum %s != snapshot total-used %s", b, sum, want)
	}
}

func grant(t *testing.T, led *ledger.Ledger, userID uuid.UUID, year int, bucket ledger.BalanceType, amount string) {
	t.Helper()
	_, err := led.Accrue(context.Background(), ledger.GrantInput{
		UserID: userID, Year: year, Bucket: bucket, Days: days(amount),
		ActorID: userID, Note: "test grant",
	})
	require.NoError(t, err)
}

// =============================================================================
// PLANNING
// =============================================================================

func TestPlanDeductionTakesAPBeforeAC(t *testing.T) {
	snap := ledger.NewSnapshot(uuid.New(), 2025)
	snap.VacationAPTotal = days("3")
	snap.VacationACTotal = days("10")

	// Fits within AP alone.
	plan, err := ledger.PlanDeduction(snap, ledger.VacationBuckets, days("2"), false)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, ledger.VacationAP, plan[0].Bucket)
	assert.True(t, plan[0].Days.Equal(days("2")))

	// Spills into AC.
	plan, err = ledger.PlanDeduction(snap, ledger.VacationBuckets, days("5"), false)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, ledger.VacationAP, plan[0].Bucket)
	assert.True(t, plan[0].Days.Equal(days("3")))
	assert.Equal(t, ledger.VacationAC, plan[1].Bucket)
	assert.True(t, plan[1].Days.Equal(days("2")))
}

func TestPlanDeductionInsufficientBalance(t *testing.T) {
	snap := ledger.NewSnapshot(uuid.New(), 2025)
	snap.VacationAPTotal = days("3")
	snap.VacationACTotal = days("10")

	_, err := ledger.PlanDeduction(snap, ledger.VacationBuckets, days("14"), false)
	var insErr *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insErr)
	assert.True(t, insErr.Requested.Equal(days("14")))
	assert.True(t, insErr.Available.Equal(days("13")))
}

func TestPlanDeductionAllowNegativeOverdrawsLastBucket(t *testing.T) {
	snap := ledger.NewSnapshot(uuid.New(), 2025)
	snap.VacationAPTotal = days("3")
	snap.VacationACTotal = days("10")

	plan, err := ledger.PlanDeduction(snap, ledger.VacationBuckets, days("14"), true)
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.True(t, plan[0].Days.Equal(days("3")))
	assert.Equal(t, ledger.VacationAC, plan[1].Bucket)
	assert.True(t, plan[1].Days.Equal(days("11")))
}

// =============================================================================
// DEDUCT / RESTORE
// =============================================================================

func TestDeductConsumesAPFirst(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAP, "3")
	grant(t, led, user, 2025, ledger.VacationAC, "10")

	snap, err := led.Balance(ctx, user, 2025)
	require.NoError(t, err)
	plan, err := ledger.PlanDeduction(snap, ledger.VacationBuckets, days("5"), false)
	require.NoError(t, err)

	reqID := uuid.New()
	txs, err := led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2025, Breakdown: plan,
		LeaveRequestID: &reqID, ActorID: user, Note: "vacation",
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	// AP emptied first, remainder from AC.
	assert.Equal(t, ledger.TxDeduct, txs[0].Type)
	assert.Equal(t, ledger.VacationAP, txs[0].Bucket)
	assert.True(t, txs[0].Amount.Equal(days("-3")))
	assert.True(t, txs[0].BalanceAfter.IsZero())
	assert.Equal(t, ledger.VacationAC, txs[1].Bucket)
	assert.True(t, txs[1].Amount.Equal(days("-2")))
	assert.True(t, txs[1].BalanceAfter.Equal(days("8")))

	snap, err = led.Balance(ctx, user, 2025)
	require.NoError(t, err)
	assert.True(t, snap.Available(ledger.VacationAP).IsZero())
	assert.True(t, snap.Available(ledger.VacationAC).Equal(days("8")))

	requireInvariant(t, store, user, 2025)
}

func TestRestoreWalksPlanInReverse(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAP, "3")
	grant(t, led, user, 2025, ledger.VacationAC, "10")

	plan := []ledger.Movement{
		{Bucket: ledger.VacationAP, Days: days("3")},
		{Bucket: ledger.VacationAC, Days: days("2")},
	}
	reqID := uuid.New()
	_, err := led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2025, Breakdown: plan, LeaveRequestID: &reqID, ActorID: user,
	})
	require.NoError(t, err)

	txs, err := led.Restore(ctx, ledger.RestoreInput{
		UserID: user, Year: 2025, Breakdown: plan, LeaveRequestID: &reqID, ActorID: user,
		Note: "request cancelled",
	})
	require.NoError(t, err)
	require.Len(t, txs, 2)

	// AC comes back before AP.
	assert.Equal(t, ledger.VacationAC, txs[0].Bucket)
	assert.True(t, txs[0].Amount.Equal(days("2")))
	assert.Equal(t, ledger.VacationAP, txs[1].Bucket)
	assert.True(t, txs[1].Amount.Equal(days("3")))

	snap, err := led.Balance(ctx, user, 2025)
	require.NoError(t, err)
	assert.True(t, snap.Available(ledger.VacationAP).Equal(days("3")))
	assert.True(t, snap.Available(ledger.VacationAC).Equal(days("10")))

	requireInvariant(t, store, user, 2025)

	// All four lifecycle entries are tied to the request.
	forReq, err := led.TransactionsForRequest(ctx, reqID)
	require.NoError(t, err)
	assert.Len(t, forReq, 4)
}

func TestDeductClampsWithoutAllowNegative(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "3")

	txs, err := led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2025,
		Breakdown: []ledger.Movement{{Bucket: ledger.VacationAC, Days: days("5")}},
		ActorID:   user,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Amount.Equal(days("-3")), "clamped to available")
	assert.True(t, txs[0].BalanceAfter.IsZero())

	requireInvariant(t, store, user, 2025)
}

func TestDeductAllowNegativeGoesBelowZero(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "3")

	txs, err := led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2025,
		Breakdown:     []ledger.Movement{{Bucket: ledger.VacationAC, Days: days("5")}},
		AllowNegative: true,
		ActorID:       user,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].BalanceAfter.Equal(days("-2")))

	snap, err := led.Balance(ctx, user, 2025)
	require.NoError(t, err)
	assert.True(t, snap.Available(ledger.VacationAC).Equal(days("-2")))

	requireInvariant(t, store, user, 2025)
}

func TestDeductDuplicateIdempotencyKey(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "10")

	in := ledger.DeductInput{
		UserID: user, Year: 2025,
		Breakdown: []ledger.Movement{{Bucket: ledger.VacationAC, Days: days("2")}},
		ActorID:   user,
		KeySeed:   "closure:xmas-2025:req-1",
	}
	_, err := led.Deduct(ctx, in)
	require.NoError(t, err)

	_, err = led.Deduct(ctx, in)
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	// Only the first write landed.
	snap, err := led.Balance(ctx, user, 2025)
	require.NoError(t, err)
	assert.True(t, snap.Used(ledger.VacationAC).Equal(days("2")))
}

// =============================================================================
// GRANTS
// =============================================================================

func TestAdjustSignedCorrection(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.ROL, "8")

	tx, err := led.Adjust(ctx, ledger.GrantInput{
		UserID: user, Year: 2025, Bucket: ledger.ROL, Days: days("-1.5"),
		ActorID: user, Note: "payroll correction",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TxAdjust, tx.Type)
	assert.True(t, tx.BalanceAfter.Equal(days("6.5")))

	requireInvariant(t, store, user, 2025)
}

func TestBalanceWithoutActivityIsZeroed(t *testing.T) {
	led, _ := newTestLedger(t)
	snap, err := led.Balance(context.Background(), uuid.New(), 2025)
	require.NoError(t, err)
	for _, b := range ledger.Buckets {
		assert.True(t, snap.Available(b).IsZero())
	}
}

// =============================================================================
// CARRY-OVER AND EXPIRY
// =============================================================================

func TestCarryOverMovesUnusedACIntoNextYearAP(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "20")
	_, err := led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2025,
		Breakdown: []ledger.Movement{{Bucket: ledger.VacationAC, Days: days("15")}},
		ActorID:   user,
	})
	require.NoError(t, err)

	txs, err := led.CarryOver(ctx, ledger.CarryOverInput{UserID: user, FromYear: 2025, ActorID: user})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.TxCarryOver, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(days("-5")))
	assert.True(t, txs[1].Amount.Equal(days("5")))

	from, err := led.Balance(ctx, user, 2025)
	require.NoError(t, err)
	assert.True(t, from.Available(ledger.VacationAC).IsZero())

	to, err := led.Balance(ctx, user, 2026)
	require.NoError(t, err)
	assert.True(t, to.Available(ledger.VacationAP).Equal(days("5")))
	require.NotNil(t, to.APExpiryDate)
	assert.Equal(t, time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC), *to.APExpiryDate)

	requireInvariant(t, store, user, 2025)
	requireInvariant(t, store, user, 2026)

	// A second run is a no-op, not a double post.
	txs, err = led.CarryOver(ctx, ledger.CarryOverInput{UserID: user, FromYear: 2025, ActorID: user})
	require.NoError(t, err)
	assert.Nil(t, txs)
	to, err = led.Balance(ctx, user, 2026)
	require.NoError(t, err)
	assert.True(t, to.Available(ledger.VacationAP).Equal(days("5")))
}

func TestCarryOverWithNothingLeftIsNoOp(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "10")
	_, err := led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2025,
		Breakdown: []ledger.Movement{{Bucket: ledger.VacationAC, Days: days("10")}},
		ActorID:   user,
	})
	require.NoError(t, err)

	txs, err := led.CarryOver(ctx, ledger.CarryOverInput{UserID: user, FromYear: 2025, ActorID: user})
	require.NoError(t, err)
	assert.Nil(t, txs)
}

func TestExpireCarryOverAfterDeadline(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "20")
	_, err := led.CarryOver(ctx, ledger.CarryOverInput{UserID: user, FromYear: 2025, ActorID: user})
	require.NoError(t, err)

	// Part of the carried balance gets used before the deadline.
	_, err = led.Deduct(ctx, ledger.DeductInput{
		UserID: user, Year: 2026,
		Breakdown: []ledger.Movement{{Bucket: ledger.VacationAP, Days: days("12")}},
		ActorID:   user,
	})
	require.NoError(t, err)

	// Before the deadline nothing expires.
	tx, err := led.ExpireCarryOver(ctx, user, 2026, time.Date(2026, time.June, 29, 0, 0, 0, 0, time.UTC), user)
	require.NoError(t, err)
	assert.Nil(t, tx)

	// On the deadline the remaining 8 days are wiped.
	tx, err = led.ExpireCarryOver(ctx, user, 2026, time.Date(2026, time.June, 30, 0, 0, 0, 0, time.UTC), user)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, ledger.TxExpire, tx.Type)
	assert.True(t, tx.Amount.Equal(days("-8")))
	assert.True(t, tx.BalanceAfter.IsZero())

	requireInvariant(t, store, user, 2026)

	// Nothing left for a second pass.
	tx, err = led.ExpireCarryOver(ctx, user, 2026, time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC), user)
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestExpireAllCarryOverSweep(t *testing.T) {
	led, _ := newTestLedger(t)
	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	grant(t, led, u1, 2025, ledger.VacationAC, "5")
	grant(t, led, u2, 2025, ledger.VacationAC, "3")
	_, err := led.CarryOver(ctx, ledger.CarryOverInput{UserID: u1, FromYear: 2025, ActorID: u1})
	require.NoError(t, err)
	_, err = led.CarryOver(ctx, ledger.CarryOverInput{UserID: u2, FromYear: 2025, ActorID: u2})
	require.NoError(t, err)

	txs, err := led.ExpireAllCarryOver(ctx, time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC), uuid.Nil)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	for _, u := range []uuid.UUID{u1, u2} {
		snap, err := led.Balance(ctx, u, 2026)
		require.NoError(t, err)
		assert.True(t, snap.Available(ledger.VacationAP).IsZero())
	}
}

// =============================================================================
// DRIFT DETECTION
// =============================================================================

func TestDriftDetectedOnMutation(t *testing.T) {
	led, store := newTestLedger(t)
	ctx := context.Background()
	user := uuid.New()

	grant(t, led, user, 2025, ledger.VacationAC, "10")

	// A rogue write behind the ledger's back puts the sum out of step.
	err := store.AppendTransaction(ctx, &ledger.Transaction{
		ID: uuid.New(), UserID: user, Year: 2025,
		Bucket: ledger.VacationAC, Type: ledger.TxAdjust,
		Amount: days("4"), BalanceAfter: days("14"),
		ActorID: user, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = led.Accrue(ctx, ledger.GrantInput{
		UserID: user, Year: 2025, Bucket: ledger.VacationAC, Days: days("1"), ActorID: user,
	})
	var drift *ledger.DriftError
	require.True(t, errors.As(err, &drift))
	assert.Equal(t, ledger.VacationAC, drift.Bucket)
}
