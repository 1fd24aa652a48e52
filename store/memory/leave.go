package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// LEAVE MEMORY STORE
// =============================================================================

// Leave keeps the leave schema and its balance ledger in maps behind one
// mutex, so a WithTx snapshot covers rows and balances together the way a
// database transaction spanning both schemas would.
type Leave struct {
	mu            sync.RWMutex
	types         map[uuid.UUID]leave.Type
	typesByCode   map[string]uuid.UUID
	requests      map[uuid.UUID]leave.Request
	interruptions map[uuid.UUID]leave.Interruption

	snaps map[string]ledger.Snapshot
	txs   []ledger.Transaction
	keys  map[string]bool
}

func NewLeave() *Leave {
	return &Leave{
		types:         map[uuid.UUID]leave.Type{},
		typesByCode:   map[string]uuid.UUID{},
		requests:      map[uuid.UUID]leave.Request{},
		interruptions: map[uuid.UUID]leave.Interruption{},
		snaps:         map[string]ledger.Snapshot{},
		keys:          map[string]bool{},
	}
}

func snapKey(userID uuid.UUID, year int) string {
	return fmt.Sprintf("%s:%d", userID, year)
}

// -----------------------------------------------------------------------------
// leave types

func (m *Leave) CreateLeaveType(_ context.Context, t *leave.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t.ID] = *t
	m.typesByCode[t.Code] = t.ID
	return nil
}

func (m *Leave) UpdateLeaveType(_ context.Context, t *leave.Type) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.types[t.ID]; !ok {
		return leave.ErrTypeNotFound
	}
	m.types[t.ID] = *t
	m.typesByCode[t.Code] = t.ID
	return nil
}

func (m *Leave) GetLeaveType(_ context.Context, id uuid.UUID) (*leave.Type, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[id]
	if !ok {
		return nil, leave.ErrTypeNotFound
	}
	return &t, nil
}

func (m *Leave) GetLeaveTypeByCode(_ context.Context, code string) (*leave.Type, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.typesByCode[code]
	if !ok {
		return nil, leave.ErrTypeNotFound
	}
	t := m.types[id]
	return &t, nil
}

func (m *Leave) ListLeaveTypes(_ context.Context, activeOnly bool) ([]leave.Type, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Type
	for _, t := range m.types {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// -----------------------------------------------------------------------------
// requests

func (m *Leave) CreateRequest(_ context.Context, r *leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneLeaveRequest(r)
	return nil
}

func (m *Leave) UpdateRequest(_ context.Context, r *leave.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return leave.ErrNotFound
	}
	m.requests[r.ID] = cloneLeaveRequest(r)
	return nil
}

func (m *Leave) GetRequest(_ context.Context, id uuid.UUID) (*leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, leave.ErrNotFound
	}
	cp := cloneLeaveRequest(&r)
	return &cp, nil
}

func (m *Leave) ListRequestsByUser(_ context.Context, userID uuid.UUID, year int) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Request
	for _, r := range m.requests {
		if r.UserID != userID {
			continue
		}
		if year != 0 && r.StartDate.Year() != year {
			continue
		}
		out = append(out, cloneLeaveRequest(&r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Leave) Overlapping(_ context.Context, userID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Request
	for _, r := range m.requests {
		if r.UserID != userID || r.ID == excludeID || !r.Status.Blocking() {
			continue
		}
		if calendar.Overlaps(r.StartDate, r.EndDate, start, end) {
			out = append(out, cloneLeaveRequest(&r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

func (m *Leave) RequestsInRange(_ context.Context, start, end time.Time, statuses []leave.Status) ([]leave.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[leave.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	var out []leave.Request
	for _, r := range m.requests {
		if len(wanted) > 0 && !wanted[r.Status] {
			continue
		}
		if calendar.Overlaps(r.StartDate, r.EndDate, start, end) {
			out = append(out, cloneLeaveRequest(&r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// -----------------------------------------------------------------------------
// interruptions

func (m *Leave) CreateInterruption(_ context.Context, i *leave.Interruption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interruptions[i.ID] = cloneInterruption(i)
	return nil
}

func (m *Leave) UpdateInterruption(_ context.Context, i *leave.Interruption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interruptions[i.ID]; !ok {
		return leave.ErrInterruptionNotFound
	}
	m.interruptions[i.ID] = cloneInterruption(i)
	return nil
}

func (m *Leave) GetInterruption(_ context.Context, id uuid.UUID) (*leave.Interruption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.interruptions[id]
	if !ok {
		return nil, leave.ErrInterruptionNotFound
	}
	cp := cloneInterruption(&i)
	return &cp, nil
}

func (m *Leave) InterruptionsForRequest(_ context.Context, requestID uuid.UUID) ([]leave.Interruption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []leave.Interruption
	for _, i := range m.interruptions {
		if i.LeaveRequestID == requestID {
			out = append(out, cloneInterruption(&i))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// -----------------------------------------------------------------------------
// transactions

// Ledger exposes the balance side of the same store. Mutations through it
// share the mutex and the WithTx snapshots with the leave rows.
func (m *Leave) Ledger() ledger.Store {
	return &ledgerView{parent: m}
}

// WithTx simulates a transaction spanning leave rows and balances:
// snapshot both, run fn against the same store, restore on error. Nested
// calls run inline.
func (m *Leave) WithTx(_ context.Context, fn func(leave.Store) error) error {
	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(&txLeaveView{parent: m}); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

type leaveSnapshot struct {
	types         map[uuid.UUID]leave.Type
	typesByCode   map[string]uuid.UUID
	requests      map[uuid.UUID]leave.Request
	interruptions map[uuid.UUID]leave.Interruption
	snaps         map[string]ledger.Snapshot
	txs           []ledger.Transaction
	keys          map[string]bool
}

func (m *Leave) snapshot() leaveSnapshot {
	s := leaveSnapshot{
		types:         make(map[uuid.UUID]leave.Type, len(m.types)),
		typesByCode:   make(map[string]uuid.UUID, len(m.typesByCode)),
		requests:      make(map[uuid.UUID]leave.Request, len(m.requests)),
		interruptions: make(map[uuid.UUID]leave.Interruption, len(m.interruptions)),
		txs:           append([]ledger.Transaction{}, m.txs...),
	}
	for k, v := range m.types {
		s.types[k] = v
	}
	for k, v := range m.typesByCode {
		s.typesByCode[k] = v
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	for k, v := range m.interruptions {
		s.interruptions[k] = v
	}
	s.snaps, s.keys = m.snapshotLedgerLocked()
	return s
}

func (m *Leave) restore(s leaveSnapshot) {
	m.types = s.types
	m.typesByCode = s.typesByCode
	m.requests = s.requests
	m.interruptions = s.interruptions
	m.snaps = s.snaps
	m.txs = s.txs
	m.keys = s.keys
}

func (m *Leave) snapshotLedgerLocked() (map[string]ledger.Snapshot, map[string]bool) {
	snaps := make(map[string]ledger.Snapshot, len(m.snaps))
	for k, v := range m.snaps {
		snaps[k] = v
	}
	keys := make(map[string]bool, len(m.keys))
	for k, v := range m.keys {
		keys[k] = v
	}
	return snaps, keys
}

// txLeaveView delegates to the parent store. Nested WithTx reuses the view
// and its Ledger() is already transaction-bound.
type txLeaveView struct {
	parent *Leave
}

func (tv *txLeaveView) WithTx(_ context.Context, fn func(leave.Store) error) error {
	return fn(tv)
}

func (tv *txLeaveView) Ledger() ledger.Store {
	return &ledgerView{parent: tv.parent, inTx: true}
}

func (tv *txLeaveView) CreateLeaveType(ctx context.Context, t *leave.Type) error {
	return tv.parent.CreateLeaveType(ctx, t)
}
func (tv *txLeaveView) UpdateLeaveType(ctx context.Context, t *leave.Type) error {
	return tv.parent.UpdateLeaveType(ctx, t)
}
func (tv *txLeaveView) GetLeaveType(ctx context.Context, id uuid.UUID) (*leave.Type, error) {
	return tv.parent.GetLeaveType(ctx, id)
}
func (tv *txLeaveView) GetLeaveTypeByCode(ctx context.Context, code string) (*leave.Type, error) {
	return tv.parent.GetLeaveTypeByCode(ctx, code)
}
func (tv *txLeaveView) ListLeaveTypes(ctx context.Context, activeOnly bool) ([]leave.Type, error) {
	return tv.parent.ListLeaveTypes(ctx, activeOnly)
}
func (tv *txLeaveView) CreateRequest(ctx context.Context, r *leave.Request) error {
	return tv.parent.CreateRequest(ctx, r)
}
func (tv *txLeaveView) UpdateRequest(ctx context.Context, r *leave.Request) error {
	return tv.parent.UpdateRequest(ctx, r)
}
func (tv *txLeaveView) GetRequest(ctx context.Context, id uuid.UUID) (*leave.Request, error) {
	return tv.parent.GetRequest(ctx, id)
}
func (tv *txLeaveView) ListRequestsByUser(ctx context.Context, userID uuid.UUID, year int) ([]leave.Request, error) {
	return tv.parent.ListRequestsByUser(ctx, userID, year)
}
func (tv *txLeaveView) Overlapping(ctx context.Context, userID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]leave.Request, error) {
	return tv.parent.Overlapping(ctx, userID, start, end, excludeID)
}
func (tv *txLeaveView) RequestsInRange(ctx context.Context, start, end time.Time, statuses []leave.Status) ([]leave.Request, error) {
	return tv.parent.RequestsInRange(ctx, start, end, statuses)
}
func (tv *txLeaveView) CreateInterruption(ctx context.Context, i *leave.Interruption) error {
	return tv.parent.CreateInterruption(ctx, i)
}
func (tv *txLeaveView) UpdateInterruption(ctx context.Context, i *leave.Interruption) error {
	return tv.parent.UpdateInterruption(ctx, i)
}
func (tv *txLeaveView) GetInterruption(ctx context.Context, id uuid.UUID) (*leave.Interruption, error) {
	return tv.parent.GetInterruption(ctx, id)
}
func (tv *txLeaveView) InterruptionsForRequest(ctx context.Context, requestID uuid.UUID) ([]leave.Interruption, error) {
	return tv.parent.InterruptionsForRequest(ctx, requestID)
}

// =============================================================================
// LEDGER VIEW
// =============================================================================

// ledgerView is the ledger.Store face of a Leave store. Outside a leave
// transaction its WithTx snapshots and rolls back the ledger state on its
// own; inside one (inTx) it runs inline and the outer transaction owns the
// rollback.
type ledgerView struct {
	parent *Leave
	inTx   bool
}

func (lv *ledgerView) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	if lv.inTx {
		return fn(lv)
	}
	m := lv.parent
	m.mu.Lock()
	snaps, keys := m.snapshotLedgerLocked()
	txs := append([]ledger.Transaction{}, m.txs...)
	m.mu.Unlock()

	if err := fn(&ledgerView{parent: m, inTx: true}); err != nil {
		m.mu.Lock()
		m.snaps = snaps
		m.keys = keys
		m.txs = txs
		m.mu.Unlock()
		return err
	}
	return nil
}

func (lv *ledgerView) GetSnapshot(_ context.Context, userID uuid.UUID, year int) (*ledger.Snapshot, error) {
	lv.parent.mu.RLock()
	defer lv.parent.mu.RUnlock()
	s, ok := lv.parent.snaps[snapKey(userID, year)]
	if !ok {
		return nil, ledger.ErrSnapshotNotFound
	}
	cp := s
	return &cp, nil
}

func (lv *ledgerView) CreateSnapshot(_ context.Context, s *ledger.Snapshot) error {
	lv.parent.mu.Lock()
	defer lv.parent.mu.Unlock()
	lv.parent.snaps[snapKey(s.UserID, s.Year)] = *s
	return nil
}

func (lv *ledgerView) UpdateSnapshot(_ context.Context, s *ledger.Snapshot) error {
	lv.parent.mu.Lock()
	defer lv.parent.mu.Unlock()
	lv.parent.snaps[snapKey(s.UserID, s.Year)] = *s
	return nil
}

func (lv *ledgerView) AppendTransaction(_ context.Context, tx *ledger.Transaction) error {
	lv.parent.mu.Lock()
	defer lv.parent.mu.Unlock()
	if tx.IdempotencyKey != "" {
		if lv.parent.keys[tx.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		lv.parent.keys[tx.IdempotencyKey] = true
	}
	lv.parent.txs = append(lv.parent.txs, *tx)
	return nil
}

func (lv *ledgerView) SumTransactions(_ context.Context, userID uuid.UUID, year int, bucket ledger.BalanceType) (decimal.Decimal, error) {
	lv.parent.mu.RLock()
	defer lv.parent.mu.RUnlock()
	sum := decimal.Zero
	for _, tx := range lv.parent.txs {
		if tx.UserID == userID && tx.Year == year && tx.Bucket == bucket {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}

func (lv *ledgerView) ListTransactions(_ context.Context, userID uuid.UUID, year int) ([]ledger.Transaction, error) {
	lv.parent.mu.RLock()
	defer lv.parent.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range lv.parent.txs {
		if tx.UserID == userID && tx.Year == year {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (lv *ledgerView) TransactionsForRequest(_ context.Context, leaveRequestID uuid.UUID) ([]ledger.Transaction, error) {
	lv.parent.mu.RLock()
	defer lv.parent.mu.RUnlock()
	var out []ledger.Transaction
	for _, tx := range lv.parent.txs {
		if tx.LeaveRequestID != nil && *tx.LeaveRequestID == leaveRequestID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (lv *ledgerView) SnapshotsWithExpiredAP(_ context.Context, asOf time.Time) ([]ledger.Snapshot, error) {
	lv.parent.mu.RLock()
	defer lv.parent.mu.RUnlock()
	var out []ledger.Snapshot
	for _, s := range lv.parent.snaps {
		if s.APExpiryDate == nil || asOf.Before(*s.APExpiryDate) {
			continue
		}
		if s.Available(ledger.VacationAP).IsPositive() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return snapKey(out[i].UserID, out[i].Year) < snapKey(out[j].UserID, out[j].Year) })
	return out, nil
}

// =============================================================================
// CLONE HELPERS
// =============================================================================

func cloneLeaveRequest(r *leave.Request) leave.Request {
	cp := *r
	if r.DeductionDetails != nil {
		cp.DeductionDetails = append([]ledger.Movement{}, r.DeductionDetails...)
	}
	return cp
}

func cloneInterruption(i *leave.Interruption) leave.Interruption {
	cp := *i
	if i.SpecificDays != nil {
		cp.SpecificDays = append([]time.Time{}, i.SpecificDays...)
	}
	return cp
}
