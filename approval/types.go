/*
Package approval is the generic approval workflow engine.

PURPOSE:
  Any entity (a leave request, an expense, a trip) can be put through an
  approval flow: pick a workflow config by entity type and conditions,
  assign approvers, collect decisions under one of four counting modes,
  expire or escalate stale requests, and POST the outcome back to the
  service that asked.

KEY CONCEPTS:
  - WorkflowConfig is admin-owned configuration. Selection walks active
    configs for the entity type by ascending priority and takes the first
    whose conditions match; the is_default config is the fallback.
  - Request tracks tallies and, in SEQUENTIAL mode, a level cursor. One
    PENDING request per (entity_type, entity_id), enforced at create.
  - Decision rows are created in bulk at assignment and written exactly
    once. Delegation writes the row as DELEGATED and inserts a fresh
    pending row for the delegate at the same level.
  - History is append-only. Reminders are pre-scheduled at assignment and
    deleted as soon as the request leaves PENDING.

SEE ALSO:
  engine.go for create/decide, sweep.go for expiration, reminders and
  retention, conditions.go for workflow predicates, assign.go for role
  token resolution.
*/
package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

// Status of an approval request.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusApproved            Status = "APPROVED"
	StatusApprovedConditional Status = "APPROVED_CONDITIONAL"
	StatusRejected            Status = "REJECTED"
	StatusExpired             Status = "EXPIRED"
	StatusEscalated           Status = "ESCALATED"
	StatusCancelled           Status = "CANCELLED"
)

// Terminal reports whether the status admits no further decisions.
// ESCALATED is parked, not terminal: re-assignment puts it back to PENDING.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusApprovedConditional, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Mode is the decision counting mode.
type Mode string

const (
	ModeAny        Mode = "ANY"
	ModeAll        Mode = "ALL"
	ModeSequential Mode = "SEQUENTIAL"
	ModeMajority   Mode = "MAJORITY"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeAny, ModeAll, ModeSequential, ModeMajority:
		return true
	}
	return false
}

// RequiredApprovals computes the approval quorum for n assigned approvers.
func (m Mode) RequiredApprovals(n int) int {
	switch m {
	case ModeAny:
		return 1
	case ModeMajority:
		return n/2 + 1
	default: // ALL, SEQUENTIAL
		if n < 1 {
			return 1
		}
		return n
	}
}

// DecisionType is one approver's verdict. The zero value means the row is
// still pending.
type DecisionType string

const (
	DecisionPending             DecisionType = ""
	DecisionApproved            DecisionType = "APPROVED"
	DecisionRejected            DecisionType = "REJECTED"
	DecisionDelegated           DecisionType = "DELEGATED"
	DecisionApprovedConditional DecisionType = "APPROVED_CONDITIONAL"
)

// Approving reports whether the verdict counts toward the approval tally.
// Conditional approvals count; the condition rides along to the terminal
// status.
func (d DecisionType) Approving() bool {
	return d == DecisionApproved || d == DecisionApprovedConditional
}

// ExpirationAction is what the sweep does to a request past expires_at.
type ExpirationAction string

const (
	ExpireReject      ExpirationAction = "REJECT"
	ExpireEscalate    ExpirationAction = "ESCALATE"
	ExpireAutoApprove ExpirationAction = "AUTO_APPROVE"
	ExpireNotifyOnly  ExpirationAction = "NOTIFY_ONLY"
)

// Actor types recorded in history events.
const (
	ActorUser      = "USER"
	ActorSystem    = "SYSTEM"
	ActorScheduler = "SCHEDULER"
)

// ReminderType distinguishes the early nudge from the last call.
type ReminderType string

const (
	ReminderFirst ReminderType = "FIRST"
	ReminderFinal ReminderType = "FINAL"
)

// =============================================================================
// WORKFLOW CONFIG
// =============================================================================

// Conditions is the structured predicate deciding whether a workflow
// applies to a given entity. Nil / empty fields do not constrain.
type Conditions struct {
	MinAmount      *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount      *decimal.Decimal `json:"max_amount,omitempty"`
	MinDays        *decimal.Decimal `json:"min_days,omitempty"`
	MaxDays        *decimal.Decimal `json:"max_days,omitempty"`
	EntitySubtypes []string         `json:"entity_subtypes,omitempty"`
	Departments    []string         `json:"departments,omitempty"`
}

// Empty reports whether no constraint is set.
func (c Conditions) Empty() bool {
	return c.MinAmount == nil && c.MaxAmount == nil &&
		c.MinDays == nil && c.MaxDays == nil &&
		len(c.EntitySubtypes) == 0 && len(c.Departments) == 0
}

// WorkflowConfig is one admin-configured approval flow. Deactivation flips
// IsActive; configs are never hard-deleted.
type WorkflowConfig struct {
	ID                  uuid.UUID        `json:"id"`
	EntityType          string           `json:"entity_type"`
	Name                string           `json:"name"`
	MinApprovers        int              `json:"min_approvers"`
	MaxApprovers        int              `json:"max_approvers"`
	Mode                Mode             `json:"approval_mode"`
	ApproverRoleIDs     []string         `json:"approver_role_ids,omitempty"`
	AutoAssignApprovers bool             `json:"auto_assign_approvers"`
	AllowSelfApproval   bool             `json:"allow_self_approval"`
	ExpirationHours     int              `json:"expiration_hours"`
	ExpirationAction    ExpirationAction `json:"expiration_action,omitempty"`
	EscalationRoleID    string           `json:"escalation_role_id,omitempty"`
	ReminderHoursBefore []int            `json:"reminder_hours_before,omitempty"`
	SendReminders       bool             `json:"send_reminders"`
	Conditions          Conditions       `json:"conditions"`
	// ConditionExpr is an optional expression over the entity data,
	// evaluated in addition to Conditions. Both must hold.
	ConditionExpr string    `json:"condition_expr,omitempty"`
	Priority      int       `json:"priority"` // lower wins
	IsActive      bool      `json:"is_active"`
	IsDefault     bool      `json:"is_default"`
	TargetRoleIDs []string  `json:"target_role_ids,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntityData is the caller-supplied view of the entity a workflow is being
// selected for. Recognized keys: "amount", "days" (numbers), "subtype" or
// "leave_type", "department" (strings).
type EntityData map[string]any

// =============================================================================
// REQUEST, DECISION, HISTORY, REMINDER
// =============================================================================

// Request is one approval in flight (or resolved). Terminal requests keep
// their business fields frozen.
type Request struct {
	ID                 uuid.UUID         `json:"id"`
	EntityType         string            `json:"entity_type"`
	EntityID           uuid.UUID         `json:"entity_id"`
	WorkflowConfigID   uuid.UUID         `json:"workflow_config_id"`
	RequesterID        uuid.UUID         `json:"requester_id"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CallbackURL        string            `json:"callback_url,omitempty"`
	Status             Status            `json:"status"`
	RequiredApprovals  int               `json:"required_approvals"`
	ReceivedApprovals  int               `json:"received_approvals"`
	ReceivedRejections int               `json:"received_rejections"`
	CurrentLevel       int               `json:"current_level"`
	MaxLevel           int               `json:"max_level"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	ExpiredActionTaken bool              `json:"expired_action_taken"`
	ResolutionNotes    string            `json:"resolution_notes,omitempty"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Condition metadata keys stamped on conditionally approved requests.
const (
	MetaConditionType    = "condition_type"
	MetaConditionDetails = "condition_details"
)

// Decision is one approver's slot on a request.
type Decision struct {
	ID           uuid.UUID    `json:"id"`
	RequestID    uuid.UUID    `json:"request_id"`
	ApproverID   uuid.UUID    `json:"approver_id"`
	ApproverName string       `json:"approver_name,omitempty"`
	ApproverRole string       `json:"approver_role,omitempty"`
	Level        int          `json:"approval_level"`
	Decision     DecisionType `json:"decision,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	DelegatedTo  *uuid.UUID   `json:"delegated_to,omitempty"`
	AssignedAt   time.Time    `json:"assigned_at"`
	DecidedAt    *time.Time   `json:"decided_at,omitempty"`
}

// Decided reports whether the slot has been written.
func (d *Decision) Decided() bool { return d.Decision != DecisionPending }

// History actions.
const (
	HistoryCreated     = "CREATED"
	HistoryAssigned    = "APPROVERS_ASSIGNED"
	HistoryDecided     = "DECISION_RECORDED"
	HistoryDelegated   = "DELEGATED"
	HistoryOverride    = "ADMIN_OVERRIDE"
	HistoryLevelUp     = "LEVEL_ADVANCED"
	HistoryResolved    = "RESOLVED"
	HistoryExpired     = "EXPIRED"
	HistoryEscalated   = "ESCALATED"
	HistoryReassigned  = "ESCALATION_ASSIGNED"
	HistoryNotified    = "EXPIRY_NOTICE_SENT"
	HistoryCancelled   = "CANCELLED"
	HistoryCallbackErr = "CALLBACK_FAILED"
)

// HistoryEvent is one append-only log row on a request.
type HistoryEvent struct {
	ID        uuid.UUID         `json:"id"`
	RequestID uuid.UUID         `json:"request_id"`
	Action    string            `json:"action"`
	ActorID   uuid.UUID         `json:"actor_id"`
	ActorType string            `json:"actor_type"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Reminder is one pre-scheduled nudge for one approver.
type Reminder struct {
	ID          uuid.UUID    `json:"id"`
	RequestID   uuid.UUID    `json:"request_id"`
	ApproverID  uuid.UUID    `json:"approver_id"`
	Type        ReminderType `json:"reminder_type"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	Sent        bool         `json:"is_sent"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
}

// =============================================================================
// STORE
// =============================================================================

// Store is the approval persistence interface. Listing calls return rows in
// stable order: workflows by ascending priority, decisions by level then
// assignment time, history by creation time. WithTx binds fn to one
// database transaction; nested calls reuse it.
type Store interface {
	CreateWorkflow(ctx context.Context, w *WorkflowConfig) error
	UpdateWorkflow(ctx context.Context, w *WorkflowConfig) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowConfig, error)
	ListWorkflows(ctx context.Context, entityType string, activeOnly bool) ([]WorkflowConfig, error)

	CreateRequest(ctx context.Context, r *Request) error
	UpdateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*Request, error)
	PendingRequestForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (*Request, error)
	ListRequestsByRequester(ctx context.Context, requesterID uuid.UUID) ([]Request, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]Request, error)
	TerminalRequestsBefore(ctx context.Context, cutoff time.Time, limit int) ([]Request, error)
	DeleteRequestCascade(ctx context.Context, id uuid.UUID) error

	CreateDecisions(ctx context.Context, ds []Decision) error
	UpdateDecision(ctx context.Context, d *Decision) error
	DecisionsForRequest(ctx context.Context, requestID uuid.UUID) ([]Decision, error)
	PendingDecisionsForApprover(ctx context.Context, approverID uuid.UUID) ([]Decision, error)
	DeletePendingDecisions(ctx context.Context, requestID uuid.UUID) error

	AppendHistory(ctx context.Context, e *HistoryEvent) error
	HistoryForRequest(ctx context.Context, requestID uuid.UUID) ([]HistoryEvent, error)

	CreateReminders(ctx context.Context, rs []Reminder) error
	DueReminders(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteRemindersForRequest(ctx context.Context, requestID uuid.UUID) error

	WithTx(ctx context.Context, fn func(Store) error) error
}
