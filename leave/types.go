/*
Package leave is the leave policy and lifecycle engine.

PURPOSE:
  Owns the full life of a leave request: draft, policy validation, hand-off
  to the approval workflow, balance deduction on approval, and the
  post-approval paths (cancel, revoke, reopen, full recall, partial recall,
  sickness conversion, voluntary work, modify-approved, closure
  recalculation).

KEY CONCEPTS:
  - Request is the state machine subject. DRAFT -> PENDING -> APPROVED /
    APPROVED_CONDITIONAL / REJECTED / CANCELLED; APPROVED can still be
    CANCELLED, REJECTED (revoke before start) or RECALLED. REJECTED /
    CANCELLED / EXPIRED requests with a future start can be reopened.
  - Type is admin configuration per leave kind (vacation, rol, permits,
    sick, parental, unpaid). It decides protocol and approval requirements
    and the policy knobs (notice, caps, past dates, negative balance).
  - Interruption is a child row carving days out of an approved request:
    PARTIAL_RECALL and SICKNESS refund immediately, VOLUNTARY_WORK waits
    for a manager decision. The parent's dates and days_requested are never
    rewritten; the interruption is authoritative for the delta.
  - Balance moves only through the ledger package, inside the same store
    transaction as the leave row mutation.

SEE ALSO:
  service.go for the lifecycle operations, policy.go for the per-type
  validation chain, interrupt.go for recall/sickness/voluntary work,
  recalc.go for closure-driven recomputation.
*/
package leave

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// EntityType is the approval-engine entity type for leave requests.
const EntityType = "LEAVE_REQUEST"

// CallbackPath is where the approval engine posts leave resolutions.
const CallbackPath = "/leaves/internal/approval-callback"

// =============================================================================
// STATUS
// =============================================================================

// Status of a leave request.
type Status string

const (
	StatusDraft               Status = "DRAFT"
	StatusPending             Status = "PENDING"
	StatusApproved            Status = "APPROVED"
	StatusApprovedConditional Status = "APPROVED_CONDITIONAL"
	StatusRejected            Status = "REJECTED"
	StatusCancelled           Status = "CANCELLED"
	StatusRecalled            Status = "RECALLED"
	StatusExpired             Status = "EXPIRED"
)

// Blocking reports whether the request occupies its date range for overlap
// purposes. Only blocking requests can collide with a new one.
func (s Status) Blocking() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusApprovedConditional:
		return true
	}
	return false
}

// Reopenable reports whether the request can be resubmitted.
func (s Status) Reopenable() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// =============================================================================
// LEAVE TYPE CONFIGURATION
// =============================================================================

// Well-known leave type codes. The policy registry keys on these; unknown
// codes fall back to the default policy.
const (
	TypeVacation = "vacation"
	TypeROL      = "rol"
	TypePermits  = "permits"
	TypeSick     = "sick"
	TypeParental = "parental"
	TypeUnpaid   = "unpaid"
)

// Type is the admin-owned configuration of one leave kind.
type Type struct {
	ID                   uuid.UUID       `json:"id"`
	Code                 string          `json:"code"`
	Name                 string          `json:"name"`
	RequiresApproval     bool            `json:"requires_approval"`
	RequiresProtocol     bool            `json:"requires_protocol"`
	AllowPastDates       bool            `json:"allow_past_dates"`
	AllowNegativeBalance bool            `json:"allow_negative_balance"`
	MinNoticeDays        int             `json:"min_notice_days"`
	MaxConsecutiveDays   int             `json:"max_consecutive_days"` // 0 = unlimited
	MaxPerMonth          decimal.Decimal `json:"max_per_month"`        // days; 0 = unlimited
	IsActive             bool            `json:"is_active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is one leave request row.
type Request struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	TypeID       uuid.UUID `json:"leave_type_id"`
	TypeCode     string    `json:"leave_type_code"`
	Status       Status    `json:"status"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
	StartHalfDay bool      `json:"start_half_day"`
	EndHalfDay   bool      `json:"end_half_day"`
	// DaysRequested is the working-day cost of the request as last computed
	// (kernel count minus closure overlay). The ledger is authoritative for
	// what was actually deducted.
	DaysRequested    decimal.Decimal   `json:"days_requested"`
	Reason           string            `json:"reason,omitempty"`
	ProtocolNumber   string            `json:"protocol_number,omitempty"`
	Location         string            `json:"location,omitempty"`
	DeductionDetails []ledger.Movement `json:"deduction_details,omitempty"`
	BalanceDeducted  bool              `json:"balance_deducted"`

	ApprovalRequestID *uuid.UUID `json:"approval_request_id,omitempty"`

	ConditionType     string `json:"condition_type,omitempty"`
	ConditionDetails  string `json:"condition_details,omitempty"`
	ConditionAccepted *bool  `json:"condition_accepted,omitempty"`

	RecalledAt           *time.Time       `json:"recalled_at,omitempty"`
	RecallDate           *time.Time       `json:"recall_date,omitempty"`
	RecallReason         string           `json:"recall_reason,omitempty"`
	DaysUsedBeforeRecall *decimal.Decimal `json:"days_used_before_recall,omitempty"`

	HasInterruptions bool      `json:"has_interruptions"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Covers reports whether d falls inside the request's inclusive range.
func (r *Request) Covers(d time.Time) bool {
	return calendar.Covers(r.StartDate, r.EndDate, d)
}

// =============================================================================
// INTERRUPTION
// =============================================================================

// InterruptionType discriminates the three ways an approved leave gets
// carved up.
type InterruptionType string

const (
	InterruptionPartialRecall InterruptionType = "PARTIAL_RECALL"
	InterruptionSickness      InterruptionType = "SICKNESS"
	InterruptionVoluntaryWork InterruptionType = "VOLUNTARY_WORK"
)

// InterruptionStatus. PARTIAL_RECALL and SICKNESS are born ACTIVE;
// VOLUNTARY_WORK is born PENDING_APPROVAL and a manager moves it to
// APPROVED or REJECTED.
type InterruptionStatus string

const (
	InterruptionActive          InterruptionStatus = "ACTIVE"
	InterruptionPendingApproval InterruptionStatus = "PENDING_APPROVAL"
	InterruptionApproved        InterruptionStatus = "APPROVED"
	InterruptionRejected        InterruptionStatus = "REJECTED"
)

// Refunded reports whether the interruption has given days back.
func (s InterruptionStatus) Refunded() bool {
	return s == InterruptionActive || s == InterruptionApproved
}

// Interruption is a child of an approved leave request. Either StartDate +
// EndDate (contiguous, sickness) or SpecificDays (recalled / worked days)
// describes the affected dates.
type Interruption struct {
	ID             uuid.UUID        `json:"id"`
	LeaveRequestID uuid.UUID        `json:"leave_request_id"`
	Type           InterruptionType `json:"interruption_type"`
	StartDate      *time.Time       `json:"start_date,omitempty"`
	EndDate        *time.Time       `json:"end_date,omitempty"`
	SpecificDays   []time.Time      `json:"specific_days,omitempty"`
	// DaysRefunded stays zero while PENDING_APPROVAL.
	DaysRefunded    decimal.Decimal    `json:"days_refunded"`
	ProtocolNumber  string             `json:"protocol_number,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	InitiatedBy     uuid.UUID          `json:"initiated_by"`
	InitiatedByRole string             `json:"initiated_by_role,omitempty"`
	Status          InterruptionStatus `json:"status"`
	DecidedBy       *uuid.UUID         `json:"decided_by,omitempty"`
	DecidedAt       *time.Time         `json:"decided_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Days expands the interruption to its concrete date list.
func (i *Interruption) Days() []time.Time {
	if len(i.SpecificDays) > 0 {
		out := make([]time.Time, len(i.SpecificDays))
		for n, d := range i.SpecificDays {
			out[n] = calendar.Day(d)
		}
		return out
	}
	if i.StartDate == nil || i.EndDate == nil {
		return nil
	}
	var out []time.Time
	for d := calendar.Day(*i.StartDate); !d.After(calendar.Day(*i.EndDate)); d = calendar.AddDays(d, 1) {
		out = append(out, d)
	}
	return out
}

// CoversAny reports whether the interruption touches any of the given days.
func (i *Interruption) CoversAny(days []time.Time) bool {
	mine := make(map[string]bool, len(i.Days()))
	for _, d := range i.Days() {
		mine[calendar.DayKey(d)] = true
	}
	for _, d := range days {
		if mine[calendar.DayKey(d)] {
			return true
		}
	}
	return false
}

// =============================================================================
// STORE
// =============================================================================

// Store is the leave persistence interface. Ledger exposes the balance
// store bound to the same scope, so a WithTx closure mutates leave rows and
// balances atomically; nested WithTx calls reuse the transaction.
type Store interface {
	CreateLeaveType(ctx context.Context, t *Type) error
	UpdateLeaveType(ctx context.Context, t *Type) error
	GetLeaveType(ctx context.Context, id uuid.UUID) (*Type, error)
	GetLeaveTypeByCode(ctx context.Context, code string) (*Type, error)
	ListLeaveTypes(ctx context.Context, activeOnly bool) ([]Type, error)

	CreateRequest(ctx context.Context, r *Request) error
	UpdateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	// ListRequestsByUser returns the user's requests, newest first. Year 0
	// means all years (matched on start_date).
	ListRequestsByUser(ctx context.Context, userID uuid.UUID, year int) ([]Request, error)
	// Overlapping returns blocking-status requests of the user whose range
	// intersects [start,end], excluding excludeID (uuid.Nil = none).
	Overlapping(ctx context.Context, userID uuid.UUID, start, end time.Time, excludeID uuid.UUID) ([]Request, error)
	// RequestsInRange returns requests of any user in the given statuses
	// whose range intersects [start,end].
	RequestsInRange(ctx context.Context, start, end time.Time, statuses []Status) ([]Request, error)

	CreateInterruption(ctx context.Context, i *Interruption) error
	UpdateInterruption(ctx context.Context, i *Interruption) error
	GetInterruption(ctx context.Context, id uuid.UUID) (*Interruption, error)
	InterruptionsForRequest(ctx context.Context, requestID uuid.UUID) ([]Interruption, error)

	Ledger() ledger.Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
