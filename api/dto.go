/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for request bodies. Dates arrive as
  "2006-01-02" strings and are parsed here; UUIDs arrive as strings so a
  malformed id is a 400, not a decode panic.

  Responses mostly serialize the domain structs directly (they carry JSON
  tags and fixed-point decimals marshal as strings). The DTOs below only
  cover shapes the domain does not have: the per-bucket balance summary
  and the validation verdict.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *DTO: Response types returned to clients

SEE ALSO:
  - handlers.go: Decoding, date parsing and error mapping helpers
*/
package api

import (
	"time"

	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// LEAVE REQUEST BODIES
// =============================================================================

// CreateLeaveRequest creates a DRAFT leave request. The type is addressed
// by id or by code; id wins when both are set.
type CreateLeaveRequest struct {
	UserID         string `json:"user_id"`
	TypeID         string `json:"type_id,omitempty"`
	TypeCode       string `json:"type_code,omitempty"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	StartHalfDay   bool   `json:"start_half_day,omitempty"`
	EndHalfDay     bool   `json:"end_half_day,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ProtocolNumber string `json:"protocol_number,omitempty"`
	Location       string `json:"location,omitempty"`
}

// ModifyLeaveRequest changes the dates of an approved request.
type ModifyLeaveRequest struct {
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	StartHalfDay bool   `json:"start_half_day,omitempty"`
	EndHalfDay   bool   `json:"end_half_day,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ReasonRequest carries the free-text reason of cancel, revoke and decline
// operations. Admin marks an override acting on someone else's request.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
}

// RecallLeaveRequest terminates an in-flight leave from the given date.
type RecallLeaveRequest struct {
	RecallDate string `json:"recall_date"`
	Reason     string `json:"reason,omitempty"`
}

// DaysRequest names individual days inside a leave, for partial recall and
// voluntary work.
type DaysRequest struct {
	Days   []string `json:"days"`
	Reason string   `json:"reason,omitempty"`
}

// SicknessRequest converts part of a leave into certified sickness.
type SicknessRequest struct {
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	ProtocolNumber string `json:"protocol_number"`
	Reason         string `json:"reason,omitempty"`
}

// DecideInterruptionRequest resolves a voluntary work request.
type DecideInterruptionRequest struct {
	Approve bool `json:"approve"`
}

// =============================================================================
// APPROVAL REQUEST BODIES
// =============================================================================

// CreateApprovalRequest opens a generic approval request. EntityData feeds
// workflow predicates (amounts, days, subtype); Approvers, when set,
// bypasses workflow resolution.
type CreateApprovalRequest struct {
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EntityData  map[string]any    `json:"entity_data,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	WorkflowID  string            `json:"workflow_id,omitempty"`
	Approvers   []string          `json:"approvers,omitempty"`
}

// DecideApprovalRequest records one approver's verdict.
type DecideApprovalRequest struct {
	Decision         string `json:"decision"`
	Notes            string `json:"notes,omitempty"`
	ConditionType    string `json:"condition_type,omitempty"`
	ConditionDetails string `json:"condition_details,omitempty"`
	DelegateTo       string `json:"delegate_to,omitempty"`
	AdminOverride    bool   `json:"admin_override,omitempty"`
}

// =============================================================================
// CALENDAR REQUEST BODIES
// =============================================================================

// ClosureRequest creates or replaces a company closure.
type ClosureRequest struct {
	Name                 string `json:"name"`
	StartDate            string `json:"start_date"`
	EndDate              string `json:"end_date"`
	Location             string `json:"location,omitempty"`
	Department           string `json:"department,omitempty"`
	IsPaid               bool   `json:"is_paid"`
	ConsumesLeaveBalance bool   `json:"consumes_leave_balance"`
	LeaveTypeCode        string `json:"leave_type_code,omitempty"`
}

// ExceptionRequest flips one date to working or non-working.
type ExceptionRequest struct {
	Date     string `json:"date"`
	Type     string `json:"type"`
	Location string `json:"location,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// HolidayRuleRequest adds one rule to a holiday profile. Date is only
// meaningful for fixed rules, month/day for yearly, offset for
// easter_relative.
type HolidayRuleRequest struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Date   string `json:"date,omitempty"`
	Month  int    `json:"month,omitempty"`
	Day    int    `json:"day,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// LocationCalendarRequest binds a location to its work-week profile and
// holiday profiles.
type LocationCalendarRequest struct {
	ProfileID         string   `json:"profile_id"`
	HolidayProfileIDs []string `json:"holiday_profile_ids,omitempty"`
}

// =============================================================================
// ADMIN REQUEST BODIES
// =============================================================================

// GrantRequest accrues or adjusts balance in one bucket.
type GrantRequest struct {
	UserID string  `json:"user_id"`
	Year   int     `json:"year"`
	Bucket string  `json:"bucket"`
	Days   float64 `json:"days"`
	Note   string  `json:"note,omitempty"`
}

// CarryOverRequest rolls a user's leftover vacation into next year's AP
// bucket. Expiry defaults to June 30 of the target year when omitted.
type CarryOverRequest struct {
	UserID   string `json:"user_id"`
	FromYear int    `json:"from_year"`
	Expiry   string `json:"expiry,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// BucketBalanceDTO is one balance bucket of the summary.
type BucketBalanceDTO struct {
	Bucket    string `json:"bucket"`
	Total     string `json:"total"`
	Used      string `json:"used"`
	Available string `json:"available"`
}

// BalanceSummaryDTO is the HR screen view of a user's year.
type BalanceSummaryDTO struct {
	UserID       string             `json:"user_id"`
	Year         int                `json:"year"`
	Buckets      []BucketBalanceDTO `json:"buckets"`
	APExpiryDate string             `json:"ap_expiry_date,omitempty"`
	UpdatedAt    string             `json:"updated_at"`
}

// WorkingDaysDTO answers the working-day count query.
type WorkingDaysDTO struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location,omitempty"`
	WorkingDays string `json:"working_days"`
}

// JobRunDTO reports a manually triggered job run.
type JobRunDTO struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
}

// ClosureResultDTO reports a closure mutation together with how many
// approved requests were repriced because of it.
type ClosureResultDTO struct {
	Closure              *calendar.Closure `json:"closure,omitempty"`
	RecalculatedRequests int               `json:"recalculated_requests"`
}

func toBalanceSummaryDTO(snap *ledger.Snapshot) BalanceSummaryDTO {
	dto := BalanceSummaryDTO{
		UserID:    snap.UserID.String(),
		Year:      snap.Year,
		UpdatedAt: snap.UpdatedAt.Format(time.RFC3339),
	}
	if snap.APExpiryDate != nil {
		dto.APExpiryDate = snap.APExpiryDate.Format("2006-01-02")
	}
	for _, b := range ledger.Buckets {
		dto.Buckets = append(dto.Buckets, BucketBalanceDTO{
			Bucket:    string(b),
			Total:     snap.Total(b).String(),
			Used:      snap.Used(b).String(),
			Available: snap.Available(b).String(),
		})
	}
	return dto
}
