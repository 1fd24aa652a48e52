/*
Package ledger is the balance ledger: append-only transactions plus a
snapshot kept in lockstep.

PURPOSE:
  Every change to an employee's leave balances is one signed ledger entry.
  The snapshot row (user, year) exists for query speed only; it is updated
  in the same database transaction as the entry and cross-checked against
  the ledger sum, so it can never drift silently.

BUCKETS:
  VACATION_AP  previous-year carry-over, expires at ap_expiry_date
  VACATION_AC  current-year accrual
  ROL          hours in lieu of overtime, tracked in days
  PERMITS      paid permits

DEDUCTION ORDER:
  AP before AC, so expiring entitlement is consumed first. Restores run in
  reverse order: AP is restored only after AC is whole again.

INVARIANT:
  For every (user, year, bucket): sum of signed amounts == total - used
  in the snapshot. Checked on every mutation; a mismatch aborts the
  transaction.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// BUCKETS AND TRANSACTION TYPES
// =============================================================================

// BalanceType identifies one balance bucket.
type BalanceType string

const (
	VacationAP BalanceType = "VACATION_AP"
	VacationAC BalanceType = "VACATION_AC"
	ROL        BalanceType = "ROL"
	Permits    BalanceType = "PERMITS"
)

// Buckets lists every bucket in deduction order: AP before AC.
var Buckets = []BalanceType{VacationAP, VacationAC, ROL, Permits}

// VacationBuckets is the deduction order for vacation requests.
var VacationBuckets = []BalanceType{VacationAP, VacationAC}

// Valid reports whether b is a known bucket.
func (b BalanceType) Valid() bool {
	switch b {
	case VacationAP, VacationAC, ROL, Permits:
		return true
	}
	return false
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxAccrual   TransactionType = "ACCRUAL"
	TxDeduct    TransactionType = "DEDUCT"
	TxRestore   TransactionType = "RESTORE"
	TxAdjust    TransactionType = "ADJUST"
	TxCarryOver TransactionType = "CARRY_OVER"
	TxExpire    TransactionType = "EXPIRE"
)

// movesTotal reports whether the entry type moves the bucket's total
// (grants) rather than its used counter (consumption).
func (t TransactionType) movesTotal() bool {
	switch t {
	case TxAccrual, TxAdjust, TxCarryOver, TxExpire:
		return true
	}
	return false
}

// =============================================================================
// TRANSACTION - one append-only ledger entry
// =============================================================================

// Transaction is a single signed balance movement. Never updated, never
// deleted.
type Transaction struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	Year           int             `json:"year"`
	Bucket         BalanceType     `json:"balance_type"`
	Type           TransactionType `json:"transaction_type"`
	Amount         decimal.Decimal `json:"amount"`        // signed
	BalanceAfter   decimal.Decimal `json:"balance_after"` // bucket available after this entry
	LeaveRequestID *uuid.UUID      `json:"leave_request_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Note           string          `json:"note,omitempty"`
	ActorID        uuid.UUID       `json:"actor_id"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IdempotencyKey derives the dedupe key scheduler-driven mutations use so a
// retried job writes the same key and gets rejected instead of double
// posting. The timestamp is bucketed to the hour.
func IdempotencyKey(requestID uuid.UUID, txType TransactionType, bucket BalanceType, at time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", requestID, txType, bucket, at.UTC().Format("2006-01-02T15"))
}

// =============================================================================
// SNAPSHOT - per (user, year) totals, kept in lockstep with the ledger
// =============================================================================

// Snapshot caches per-bucket totals for one user and year.
type Snapshot struct {
	UserID          uuid.UUID       `json:"user_id"`
	Year            int             `json:"year"`
	VacationAPTotal decimal.Decimal `json:"vacation_ap_total"`
	VacationAPUsed  decimal.Decimal `json:"vacation_ap_used"`
	VacationACTotal decimal.Decimal `json:"vacation_ac_total"`
	VacationACUsed  decimal.Decimal `json:"vacation_ac_used"`
	ROLTotal        decimal.Decimal `json:"rol_total"`
	ROLUsed         decimal.Decimal `json:"rol_used"`
	PermitsTotal    decimal.Decimal `json:"permits_total"`
	PermitsUsed     decimal.Decimal `json:"permits_used"`
	APExpiryDate    *time.Time      `json:"ap_expiry_date,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewSnapshot returns a zeroed snapshot for (user, year).
func NewSnapshot(userID uuid.UUID, year int) *Snapshot {
	return &Snapshot{
		UserID:          userID,
		Year:            year,
		VacationAPTotal: decimal.Zero,
		VacationAPUsed:  decimal.Zero,
		VacationACTotal: decimal.Zero,
		VacationACUsed:  decimal.Zero,
		ROLTotal:        decimal.Zero,
		ROLUsed:         decimal.Zero,
		PermitsTotal:    decimal.Zero,
		PermitsUsed:     decimal.Zero,
	}
}

// Total returns the granted amount for a bucket.
func (s *Snapshot) Total(b BalanceType) decimal.Decimal {
	switch b {
	case VacationAP:
		return s.VacationAPTotal
	case VacationAC:
		return s.VacationACTotal
	case ROL:
		return s.ROLTotal
	case Permits:
		return s.PermitsTotal
	}
	return decimal.Zero
}

// Used returns the consumed amount for a bucket.
func (s *Snapshot) Used(b BalanceType) decimal.Decimal {
	switch b {
	case VacationAP:
		return s.VacationAPUsed
	case VacationAC:
		return s.VacationACUsed
	case ROL:
		return s.ROLUsed
	case Permits:
		return s.PermitsUsed
	}
	return decimal.Zero
}

// Available is total minus used. Negative when the bucket was overdrawn
// under an allow-negative leave type.
func (s *Snapshot) Available(b BalanceType) decimal.Decimal {
	return s.Total(b).Sub(s.Used(b))
}

func (s *Snapshot) addTotal(b BalanceType, d decimal.Decimal) {
	switch b {
	case VacationAP:
		s.VacationAPTotal = s.VacationAPTotal.Add(d)
	case VacationAC:
		s.VacationACTotal = s.VacationACTotal.Add(d)
	case ROL:
		s.ROLTotal = s.ROLTotal.Add(d)
	case Permits:
		s.PermitsTotal = s.PermitsTotal.Add(d)
	}
}

func (s *Snapshot) addUsed(b BalanceType, d decimal.Decimal) {
	switch b {
	case VacationAP:
		s.VacationAPUsed = s.VacationAPUsed.Add(d)
	case VacationAC:
		s.VacationACUsed = s.VacationACUsed.Add(d)
	case ROL:
		s.ROLUsed = s.ROLUsed.Add(d)
	case Permits:
		s.PermitsUsed = s.PermitsUsed.Add(d)
	}
}

// =============================================================================
// STORE - persistence the ledger runs on
// =============================================================================

// Store is the ledger persistence interface. AppendTransaction must reject
// duplicate non-empty idempotency keys with ErrDuplicateIdempotencyKey.
// UpdateSnapshot stamps UpdatedAt. WithTx runs fn against a store bound to
// one database transaction; nested calls reuse the transaction.
type Store interface {
	GetSnapshot(ctx context.Context, userID uuid.UUID, year int) (*Snapshot, error)
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	UpdateSnapshot(ctx context.Context, s *Snapshot) error

	AppendTransaction(ctx context.Context, tx *Transaction) error
	SumTransactions(ctx context.Context, userID uuid.UUID, year int, bucket BalanceType) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, year int) ([]Transaction, error)
	TransactionsForRequest(ctx context.Context, leaveRequestID uuid.UUID) ([]Transaction, error)
	SnapshotsWithExpiredAP(ctx context.Context, asOf time.Time) ([]Snapshot, error)

	WithTx(ctx context.Context, fn func(Store) error) error
}
