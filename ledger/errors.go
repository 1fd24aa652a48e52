package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrSnapshotNotFound is returned by stores when no snapshot row
	// exists for (user, year).
	ErrSnapshotNotFound = errors.New("balance snapshot not found")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// non-empty idempotency key was already appended. Callers treat it as
	// "already done" and move on.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// InsufficientBalanceError reports that a planned deduction does not fit the
// available balance and the leave type does not allow going negative.
type InsufficientBalanceError struct {
	UserID    uuid.UUID
	Year      int
	Bucket    BalanceType
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: user %s year %d bucket %s requested %s available %s",
		e.UserID, e.Year, e.Bucket, e.Requested, e.Available)
}

// DriftError reports a snapshot that disagrees with the ledger sum.
// It aborts the surrounding transaction, so the mutation that exposed the
// drift is rolled back rather than compounding it.
type DriftError struct {
	UserID    uuid.UUID
	Year      int
	Bucket    BalanceType
	LedgerSum decimal.Decimal
	Snapshot  decimal.Decimal
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift: user %s year %d bucket %s ledger-sum %s snapshot(total-used) %s",
		e.UserID, e.Year, e.Bucket, e.LedgerSum, e.Snapshot)
}
