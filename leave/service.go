/*
service.go - leave request lifecycle

PURPOSE:
  Draft, validate and submit leave requests; receive the approval engine's
  verdict; run the post-decision paths: condition accept/decline, cancel,
  revoke before start, reopen, modify approved.

INVARIANTS:
  - A user never holds two blocking requests over the same dates. Re-checked
    inside every mutating transaction.
  - Balance moves only inside the transaction that flips the request status,
    through the ledger bound to the same store scope. A request is deducted
    at most once (BalanceDeducted).
  - Cancel and revoke give back the NET outstanding per bucket, derived from
    the request's own ledger entries, so interruption refunds are never
    returned twice.

EXAMPLE:
  req, _ := svc.Create(ctx, leave.CreateInput{
      UserID: uid, TypeCode: leave.TypeVacation,
      StartDate: start, EndDate: end,
  })
  req, err := svc.Submit(ctx, req.ID, uid)
*/
package leave

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/ledger"
	"github.com/kronos-wfm/kronos-core/notify"
)

// Approvals is the slice of the workflow engine the lifecycle needs.
// *approval.Engine satisfies it.
type Approvals interface {
	CreateRequest(ctx context.Context, in approval.CreateRequestInput) (*approval.Request, error)
	Cancel(ctx context.Context, requestID, actorID uuid.UUID, reason string, admin bool) (*approval.Request, error)
}

// Service runs the lifecycle. Notifier, auditor and directory may be nil;
// those effects are skipped. Approvals may be nil only when every leave
// type auto-approves.
type Service struct {
	store     Store
	kernel    *calendar.Kernel
	approvals Approvals
	policies  *Policies
	dir       directory.Directory
	notifier  notify.Notifier
	auditor   audit.Sink
	log       zerolog.Logger
	now       func() time.Time

	callbackURL string
}

func NewService(store Store, kernel *calendar.Kernel, approvals Approvals, dir directory.Directory, notifier notify.Notifier, auditor audit.Sink, log zerolog.Logger) *Service {
	return &Service{
		store:       store,
		kernel:      kernel,
		approvals:   approvals,
		policies:    NewPolicies(),
		dir:         dir,
		notifier:    notifier,
		auditor:     auditor,
		log:         log.With().Str("component", "leave").Logger(),
		now:         time.Now,
		callbackURL: "http://localhost:8080" + CallbackPath,
	}
}

// SetClock overrides the time source. Tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetCallbackURL points the workflow engine's resolution callback at this
// service's own HTTP mount. base is scheme://host[:port], no path.
func (s *Service) SetCallbackURL(base string) {
	s.callbackURL = strings.TrimRight(base, "/") + CallbackPath
}

// Policies exposes the strategy registry for custom registrations.
func (s *Service) Policies() *Policies { return s.policies }

// Balances returns a ledger view over the service's store.
func (s *Service) Balances() *ledger.Ledger { return s.ledgerFor(s.store) }

func (s *Service) ledgerFor(st Store) *ledger.Ledger {
	led := ledger.New(st.Ledger(), s.log)
	led.SetClock(s.now)
	return led
}

// =============================================================================
// LEAVE TYPE ADMIN
// =============================================================================

// CreateType registers a leave kind, active. Codes are unique.
func (s *Service) CreateType(ctx context.Context, t *Type) (*Type, error) {
	if t.Code == "" || t.Name == "" {
		return nil, &ValidationError{Errors: []string{"code and name are required"}}
	}
	if _, err := s.store.GetLeaveTypeByCode(ctx, t.Code); err == nil {
		return nil, &RuleError{Op: "create type", Reason: fmt.Sprintf("code %q already exists", t.Code)}
	} else if !errors.Is(err, ErrTypeNotFound) {
		return nil, err
	}
	cp := *t
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.IsActive = true
	ts := s.now().UTC()
	cp.CreatedAt, cp.UpdatedAt = ts, ts
	if err := s.store.CreateLeaveType(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// UpdateType replaces the configuration. Code and creation time are
// immutable.
func (s *Service) UpdateType(ctx context.Context, t *Type) (*Type, error) {
	existing, err := s.store.GetLeaveType(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	cp := *t
	cp.Code = existing.Code
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateLeaveType(ctx, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Types lists configured leave kinds.
func (s *Service) Types(ctx context.Context, activeOnly bool) ([]Type, error) {
	return s.store.ListLeaveTypes(ctx, activeOnly)
}

// =============================================================================
// CREATE (DRAFT)
// =============================================================================

// CreateInput describes a new draft. TypeID wins over TypeCode when both
// are set.
type CreateInput struct {
	UserID         uuid.UUID
	TypeID         uuid.UUID
	TypeCode       string
	StartDate      time.Time
	EndDate        time.Time
	StartHalfDay   bool
	EndHalfDay     bool
	Reason         string
	ProtocolNumber string
	Location       string
}

// Create inserts the request as DRAFT. Shape checks (dates ordered,
// protocol present, free dates) happen here; the policy chain runs at
// Submit.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Request, error) {
	typ, err := s.resolveType(ctx, in.TypeID, in.TypeCode)
	if err != nil {
		return nil, err
	}
	if !typ.IsActive {
		return nil, &RuleError{Op: "create", Reason: fmt.Sprintf("leave type %q is inactive", typ.Code)}
	}

	start, end := calendar.Day(in.StartDate), calendar.Day(in.EndDate)
	var errs []string
	if in.UserID == uuid.Nil {
		errs = append(errs, "user_id is required")
	}
	if end.Before(start) {
		errs = append(errs, "end_date is before start_date")
	}
	if typ.RequiresProtocol && strings.TrimSpace(in.ProtocolNumber) == "" {
		errs = append(errs, fmt.Sprintf("%s requests require a protocol number", typ.Code))
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	ts := s.now().UTC()
	req := &Request{
		ID:             uuid.New(),
		UserID:         in.UserID,
		TypeID:         typ.ID,
		TypeCode:       typ.Code,
		Status:         StatusDraft,
		StartDate:      start,
		EndDate:        end,
		StartHalfDay:   in.StartHalfDay,
		EndHalfDay:     in.EndHalfDay,
		Reason:         in.Reason,
		ProtocolNumber: in.ProtocolNumber,
		Location:       in.Location,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	days, err := s.effectiveDays(ctx, req)
	if err != nil {
		return nil, err
	}
	req.DaysRequested = days

	err = s.store.WithTx(ctx, func(st Store) error {
		if err := s.checkOverlap(ctx, st, req.UserID, start, end, uuid.Nil); err != nil {
			return err
		}
		return st.CreateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, in.UserID, audit.ActorUser, "leave.request.create", req.ID, map[string]string{
		"type":  typ.Code,
		"start": start.Format("2006-01-02"),
		"end":   end.Format("2006-01-02"),
		"days":  days.String(),
	})
	return req, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit runs the policy chain on a draft, then either approves on the spot
// (types without approval) or flips it PENDING and opens an approval
// workflow request.
func (s *Service) Submit(ctx context.Context, id, actorID uuid.UUID) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotOwner
	}
	if req.Status != StatusDraft {
		return nil, &TransitionError{From: req.Status, Op: "submit"}
	}
	typ, err := s.store.GetLeaveType(ctx, req.TypeID)
	if err != nil {
		return nil, err
	}
	res, err := s.runPolicies(ctx, req, typ)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
	}
	for _, w := range res.Warnings {
		s.log.Info().Str("request_id", req.ID.String()).Str("warning", w).Msg("submit warning")
	}
	return s.submit(ctx, req, typ, res, actorID, notify.EventLeaveSubmitted)
}

// Validate dry-runs the policy chain and the overlap check for a request
// without mutating anything.
func (s *Service) Validate(ctx context.Context, id, actorID uuid.UUID) (*ValidationResult, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotOwner
	}
	typ, err := s.store.GetLeaveType(ctx, req.TypeID)
	if err != nil {
		return nil, err
	}
	res, err := s.runPolicies(ctx, req, typ)
	if err != nil {
		return nil, err
	}
	if err := s.checkOverlap(ctx, s.store, req.UserID, req.StartDate, req.EndDate, req.ID); err != nil {
		var oe *OverlapError
		if !errors.As(err, &oe) {
			return nil, err
		}
		res.Errors = append(res.Errors, oe.Error())
		res.Valid = false
	}
	return &res, nil
}

func (s *Service) runPolicies(ctx context.Context, req *Request, typ *Type) (ValidationResult, error) {
	snap, err := s.Balances().Balance(ctx, req.UserID, req.StartDate.Year())
	if err != nil {
		return ValidationResult{}, err
	}
	monthly, err := s.monthlyUsed(ctx, req)
	if err != nil {
		return ValidationResult{}, err
	}
	return s.policies.Validate(PolicyInput{
		Type:        typ,
		Request:     req,
		Snapshot:    snap,
		MonthlyUsed: monthly,
		Today:       s.now(),
	}), nil
}

// submit finishes a validated submission. Shared by Submit and Reopen.
func (s *Service) submit(ctx context.Context, req *Request, typ *Type, res ValidationResult, actorID uuid.UUID, event string) (*Request, error) {
	req.DeductionDetails = res.Breakdown

	if !res.RequiresApproval {
		err := s.store.WithTx(ctx, func(st Store) error {
			if err := s.checkOverlap(ctx, st, req.UserID, req.StartDate, req.EndDate, req.ID); err != nil {
				return err
			}
			return s.approveLocked(ctx, st, req, typ, actorID)
		})
		if err != nil {
			return nil, err
		}
		s.notifyUser(ctx, req.UserID, notify.EventRequestApproved, req, "Your leave request was approved automatically")
		s.audit(ctx, actorID, audit.ActorUser, "leave.request.submit", req.ID, map[string]string{"outcome": "auto_approved"})
		return req, nil
	}

	err := s.store.WithTx(ctx, func(st Store) error {
		if err := s.checkOverlap(ctx, st, req.UserID, req.StartDate, req.EndDate, req.ID); err != nil {
			return err
		}
		req.Status = StatusPending
		req.UpdatedAt = s.now().UTC()
		return st.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if s.approvals == nil {
		s.revertToDraft(ctx, req)
		return nil, fmt.Errorf("submit %s: no approval engine wired", req.ID)
	}
	ar, err := s.approvals.CreateRequest(ctx, approval.CreateRequestInput{
		EntityType:  EntityType,
		EntityID:    req.ID,
		RequesterID: req.UserID,
		Title:       requestTitle(req, typ),
		Description: req.Reason,
		Metadata:    map[string]string{"leave_type": typ.Code},
		EntityData:  s.entityData(ctx, req, typ),
		CallbackURL: s.callbackURL,
	})
	if err != nil {
		s.revertToDraft(ctx, req)
		return nil, fmt.Errorf("submit %s: %w", req.ID, err)
	}
	req.ApprovalRequestID = &ar.ID
	req.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	s.notifyUser(ctx, req.UserID, event, req, "Your leave request was submitted for approval")
	s.audit(ctx, actorID, audit.ActorUser, "leave.request.submit", req.ID, map[string]string{
		"outcome":             "pending_approval",
		"approval_request_id": ar.ID.String(),
	})
	return req, nil
}

// revertToDraft undoes the PENDING flip when the approval hand-off fails,
// so the user can fix and resubmit.
func (s *Service) revertToDraft(ctx context.Context, req *Request) {
	req.Status = StatusDraft
	req.ApprovalRequestID = nil
	req.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		s.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("revert to draft failed")
	}
}

// entityData is what workflow selection predicates can see.
func (s *Service) entityData(ctx context.Context, req *Request, typ *Type) approval.EntityData {
	data := approval.EntityData{
		"days":       req.DaysRequested,
		"leave_type": typ.Code,
		"subtype":    typ.Code,
	}
	if dept := s.department(ctx, req.UserID); dept != "" {
		data["department"] = dept
	}
	return data
}

// approveLocked flips the row to APPROVED and settles the balance, inside
// the caller's transaction. Deducts at most once per request.
func (s *Service) approveLocked(ctx context.Context, st Store, req *Request, typ *Type, actorID uuid.UUID) error {
	if !req.BalanceDeducted && len(req.DeductionDetails) > 0 {
		led := s.ledgerFor(st)
		if _, err := led.Deduct(ctx, ledger.DeductInput{
			UserID:         req.UserID,
			Year:           req.StartDate.Year(),
			Breakdown:      req.DeductionDetails,
			LeaveRequestID: &req.ID,
			AllowNegative:  typ.AllowNegativeBalance,
			ActorID:        actorID,
			Note:           requestSubject(req),
		}); err != nil {
			return err
		}
		req.BalanceDeducted = true
	}
	req.Status = StatusApproved
	req.UpdatedAt = s.now().UTC()
	return st.UpdateRequest(ctx, req)
}

// =============================================================================
// APPROVAL CALLBACK
// =============================================================================

// HandleApprovalOutcome applies the workflow engine's verdict. Idempotent:
// a request no longer PENDING ignores the payload, so redelivered callbacks
// and cancel races are harmless.
func (s *Service) HandleApprovalOutcome(ctx context.Context, p approval.CallbackPayload) error {
	if p.EntityType != EntityType {
		return fmt.Errorf("approval callback: unexpected entity type %q", p.EntityType)
	}
	req, err := s.store.GetRequest(ctx, p.EntityID)
	if err != nil {
		return err
	}
	typ, err := s.store.GetLeaveType(ctx, req.TypeID)
	if err != nil {
		return err
	}
	actorID := uuid.Nil
	if p.FinalDeciderID != nil {
		actorID = *p.FinalDeciderID
	}

	var event, body string
	applied := false
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, p.EntityID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return nil
		}
		applied = true
		switch p.Status {
		case approval.StatusApproved:
			event, body = notify.EventRequestApproved, "Your leave request was approved"
			if err := s.approveLocked(ctx, st, cur, typ, actorID); err != nil {
				return err
			}
		case approval.StatusApprovedConditional:
			event = notify.EventRequestConditional
			body = "Your leave request was approved with a condition: " + p.ConditionDetails
			cur.Status = StatusApprovedConditional
			cur.ConditionType = p.ConditionType
			cur.ConditionDetails = p.ConditionDetails
			cur.UpdatedAt = s.now().UTC()
			if err := st.UpdateRequest(ctx, cur); err != nil {
				return err
			}
		case approval.StatusRejected:
			event, body = notify.EventRequestRejected, "Your leave request was rejected"
			cur.Status = StatusRejected
			cur.UpdatedAt = s.now().UTC()
			if err := st.UpdateRequest(ctx, cur); err != nil {
				return err
			}
		case approval.StatusExpired:
			event, body = notify.EventRequestExpired, "Your leave request expired without a decision"
			cur.Status = StatusExpired
			cur.UpdatedAt = s.now().UTC()
			if err := st.UpdateRequest(ctx, cur); err != nil {
				return err
			}
		case approval.StatusCancelled:
			event, body = notify.EventRequestCancelled, "Your leave request was cancelled"
			cur.Status = StatusCancelled
			cur.UpdatedAt = s.now().UTC()
			if err := st.UpdateRequest(ctx, cur); err != nil {
				return err
			}
		default:
			applied = false
			s.log.Warn().Str("status", string(p.Status)).Str("request_id", cur.ID.String()).Msg("approval callback with unexpected status")
			return nil
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		s.log.Debug().Str("request_id", req.ID.String()).Str("status", string(req.Status)).Msg("approval callback ignored, request already settled")
		return nil
	}
	s.notifyUser(ctx, req.UserID, event, req, body)
	s.audit(ctx, actorID, audit.ActorSystem, "leave.request.resolve", req.ID, map[string]string{
		"status": string(req.Status),
	})
	return nil
}

// =============================================================================
// CONDITION ANSWER
// =============================================================================

// AcceptCondition converts APPROVED_CONDITIONAL into a full approval and
// settles the balance.
func (s *Service) AcceptCondition(ctx context.Context, id, actorID uuid.UUID) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotOwner
	}
	typ, err := s.store.GetLeaveType(ctx, req.TypeID)
	if err != nil {
		return nil, err
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "accept condition"}
		}
		yes := true
		cur.ConditionAccepted = &yes
		if err := s.approveLocked(ctx, st, cur, typ, actorID); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyManager(ctx, req, notify.EventConditionAnswered, "accepted the condition on their leave request")
	s.audit(ctx, actorID, audit.ActorUser, "leave.condition.accept", req.ID, nil)
	return req, nil
}

// DeclineCondition cancels the conditionally approved request. Nothing was
// deducted yet, so there is nothing to give back.
func (s *Service) DeclineCondition(ctx context.Context, id, actorID uuid.UUID, reason string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotOwner
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "decline condition"}
		}
		no := false
		cur.ConditionAccepted = &no
		cur.Status = StatusCancelled
		cur.UpdatedAt = s.now().UTC()
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyManager(ctx, req, notify.EventConditionAnswered, "declined the condition on their leave request")
	s.audit(ctx, actorID, audit.ActorUser, "leave.condition.decline", req.ID, map[string]string{"reason": reason})
	return req, nil
}

// =============================================================================
// CANCEL / REVOKE / REOPEN
// =============================================================================

// Cancel withdraws a request in any non-terminal state. Deducted balance
// comes back; a PENDING request also cancels its approval workflow.
func (s *Service) Cancel(ctx context.Context, id, actorID uuid.UUID, reason string, admin bool) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && req.UserID != actorID {
		return nil, ErrNotOwner
	}
	wasPending := false
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		switch cur.Status {
		case StatusDraft, StatusPending, StatusApproved, StatusApprovedConditional:
		default:
			return &TransitionError{From: cur.Status, Op: "cancel"}
		}
		wasPending = cur.Status == StatusPending
		if cur.BalanceDeducted {
			if _, err := s.restoreOutstanding(ctx, st, cur, actorID, "cancelled: "+reason); err != nil {
				return err
			}
			cur.BalanceDeducted = false
		}
		cur.Status = StatusCancelled
		cur.UpdatedAt = s.now().UTC()
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if wasPending && req.ApprovalRequestID != nil && s.approvals != nil {
		if _, err := s.approvals.Cancel(ctx, *req.ApprovalRequestID, actorID, reason, admin); err != nil {
			// Expected when the workflow resolved concurrently.
			s.log.Debug().Err(err).Str("request_id", req.ID.String()).Msg("approval cancel skipped")
		}
	}
	s.notifyUser(ctx, req.UserID, notify.EventRequestCancelled, req, "Your leave request was cancelled")
	s.audit(ctx, actorID, actorKind(admin), "leave.request.cancel", req.ID, map[string]string{"reason": reason})
	return req, nil
}

// Revoke pulls an approved request before it starts. Manager/HR action: the
// actor does not have to own the request. Started leaves use recall
// instead.
func (s *Service) Revoke(ctx context.Context, id, actorID uuid.UUID, reason string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.StartDate.After(calendar.Day(s.now())) {
		return nil, &RuleError{Op: "revoke", Reason: "leave has already started, use recall instead"}
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusApproved && cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "revoke"}
		}
		if cur.BalanceDeducted {
			if _, err := s.restoreOutstanding(ctx, st, cur, actorID, "revoked: "+reason); err != nil {
				return err
			}
			cur.BalanceDeducted = false
		}
		cur.Status = StatusRejected
		cur.UpdatedAt = s.now().UTC()
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyUser(ctx, req.UserID, notify.EventLeaveRevoked, req, "Your approved leave was revoked: "+reason)
	s.audit(ctx, actorID, audit.ActorAdmin, "leave.request.revoke", req.ID, map[string]string{"reason": reason})
	return req, nil
}

// Reopen resubmits a REJECTED, CANCELLED or EXPIRED request whose start is
// still in the future. Stale approval and condition state is cleared and
// the full validation and approval path runs again.
func (s *Service) Reopen(ctx context.Context, id, actorID uuid.UUID) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotOwner
	}
	if !req.Status.Reopenable() {
		return nil, &TransitionError{From: req.Status, Op: "reopen"}
	}
	if !req.StartDate.After(calendar.Day(s.now())) {
		return nil, &RuleError{Op: "reopen", Reason: "start date is not in the future"}
	}
	typ, err := s.store.GetLeaveType(ctx, req.TypeID)
	if err != nil {
		return nil, err
	}

	req.ApprovalRequestID = nil
	req.ConditionType = ""
	req.ConditionDetails = ""
	req.ConditionAccepted = nil
	req.BalanceDeducted = false
	req.DeductionDetails = nil

	days, err := s.effectiveDays(ctx, req)
	if err != nil {
		return nil, err
	}
	req.DaysRequested = days

	res, err := s.runPolicies(ctx, req, typ)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, &ValidationError{Errors: res.Errors, Warnings: res.Warnings}
	}
	out, err := s.submit(ctx, req, typ, res, actorID, notify.EventLeaveReopened)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actorID, audit.ActorUser, "leave.request.reopen", req.ID, nil)
	return out, nil
}

// =============================================================================
// MODIFY APPROVED
// =============================================================================

// ModifyInput moves an approved request to new dates.
type ModifyInput struct {
	StartDate    time.Time
	EndDate      time.Time
	StartHalfDay bool
	EndHalfDay   bool
	Reason       string
}

// ModifyApproved changes the dates of an APPROVED or APPROVED_CONDITIONAL
// request that has not started. The working-day delta settles through the
// ledger in one movement set; the status does not change.
func (s *Service) ModifyApproved(ctx context.Context, id, actorID uuid.UUID, in ModifyInput) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != actorID {
		return nil, ErrNotOwner
	}
	if req.Status != StatusApproved && req.Status != StatusApprovedConditional {
		return nil, &TransitionError{From: req.Status, Op: "modify"}
	}
	if req.HasInterruptions {
		return nil, &RuleError{Op: "modify", Reason: "request has interruptions, cancel and resubmit instead"}
	}
	start, end := calendar.Day(in.StartDate), calendar.Day(in.EndDate)
	if !start.After(calendar.Day(s.now())) {
		return nil, &RuleError{Op: "modify", Reason: "new start date must be in the future"}
	}
	if end.Before(start) {
		return nil, &ValidationError{Errors: []string{"end_date is before start_date"}}
	}
	typ, err := s.store.GetLeaveType(ctx, req.TypeID)
	if err != nil {
		return nil, err
	}

	probe := *req
	probe.StartDate, probe.EndDate = start, end
	probe.StartHalfDay, probe.EndHalfDay = in.StartHalfDay, in.EndHalfDay
	days, err := s.effectiveDays(ctx, &probe)
	if err != nil {
		return nil, err
	}

	before := map[string]string{
		"start_before": req.StartDate.Format("2006-01-02"),
		"end_before":   req.EndDate.Format("2006-01-02"),
		"days_before":  req.DaysRequested.String(),
	}
	err = s.store.WithTx(ctx, func(st Store) error {
		cur, err := st.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusApproved && cur.Status != StatusApprovedConditional {
			return &TransitionError{From: cur.Status, Op: "modify"}
		}
		if err := s.checkOverlap(ctx, st, cur.UserID, start, end, cur.ID); err != nil {
			return err
		}
		year := cur.StartDate.Year()
		delta := days.Sub(cur.DaysRequested)
		buckets := BucketsFor(cur.TypeCode)
		switch {
		case !cur.BalanceDeducted && len(buckets) > 0 && days.IsPositive():
			// Conditional approval waiting for an answer: replan the whole
			// deduction against the new span.
			led := s.ledgerFor(st)
			snap, err := led.Balance(ctx, cur.UserID, year)
			if err != nil {
				return err
			}
			plan, err := ledger.PlanDeduction(snap, buckets, days, typ.AllowNegativeBalance)
			if err != nil {
				return err
			}
			cur.DeductionDetails = plan
		case cur.BalanceDeducted && delta.IsPositive() && len(buckets) > 0:
			led := s.ledgerFor(st)
			snap, err := led.Balance(ctx, cur.UserID, year)
			if err != nil {
				return err
			}
			plan, err := ledger.PlanDeduction(snap, buckets, delta, typ.AllowNegativeBalance)
			if err != nil {
				return err
			}
			if _, err := led.Deduct(ctx, ledger.DeductInput{
				UserID:         cur.UserID,
				Year:           year,
				Breakdown:      plan,
				LeaveRequestID: &cur.ID,
				AllowNegative:  typ.AllowNegativeBalance,
				ActorID:        actorID,
				Note:           "dates modified",
			}); err != nil {
				return err
			}
		case cur.BalanceDeducted && delta.IsNegative():
			if _, err := s.restorePartial(ctx, st, cur, delta.Neg(), actorID, "dates modified", ""); err != nil {
				return err
			}
		}
		cur.StartDate, cur.EndDate = start, end
		cur.StartHalfDay, cur.EndHalfDay = in.StartHalfDay, in.EndHalfDay
		cur.DaysRequested = days
		if in.Reason != "" {
			cur.Reason = in.Reason
		}
		cur.UpdatedAt = s.now().UTC()
		if err := st.UpdateRequest(ctx, cur); err != nil {
			return err
		}
		*req = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	detail := before
	detail["start_after"] = start.Format("2006-01-02")
	detail["end_after"] = end.Format("2006-01-02")
	detail["days_after"] = days.String()
	s.audit(ctx, actorID, audit.ActorUser, "leave.request.modify", req.ID, detail)
	return req, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns one request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

// ListByUser returns a user's requests, newest first. Year 0 means all.
func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID, year int) ([]Request, error) {
	return s.store.ListRequestsByUser(ctx, userID, year)
}

// Interruptions lists a request's interruption children.
func (s *Service) Interruptions(ctx context.Context, requestID uuid.UUID) ([]Interruption, error) {
	return s.store.InterruptionsForRequest(ctx, requestID)
}

// LeavesInRange implements calendar.LeaveSource so the range aggregator can
// overlay leaves on the day grid. Drafts are invisible to the calendar.
func (s *Service) LeavesInRange(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]calendar.LeaveRef, error) {
	reqs, err := s.store.Overlapping(ctx, userID, from, to, uuid.Nil)
	if err != nil {
		return nil, err
	}
	refs := make([]calendar.LeaveRef, 0, len(reqs))
	for _, r := range reqs {
		if r.Status == StatusDraft {
			continue
		}
		refs = append(refs, calendar.LeaveRef{
			ID:           r.ID,
			TypeCode:     r.TypeCode,
			Status:       string(r.Status),
			StartDate:    r.StartDate,
			EndDate:      r.EndDate,
			StartHalfDay: r.StartHalfDay,
			EndHalfDay:   r.EndHalfDay,
		})
	}
	return refs, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (s *Service) resolveType(ctx context.Context, id uuid.UUID, code string) (*Type, error) {
	if id != uuid.Nil {
		return s.store.GetLeaveType(ctx, id)
	}
	if code != "" {
		return s.store.GetLeaveTypeByCode(ctx, code)
	}
	return nil, ErrTypeNotFound
}

// checkOverlap rejects the range when the user already holds a blocking
// request over any of its days.
func (s *Service) checkOverlap(ctx context.Context, st Store, userID uuid.UUID, start, end time.Time, excludeID uuid.UUID) error {
	rows, err := st.Overlapping(ctx, userID, start, end, excludeID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	c := rows[0]
	return &OverlapError{ConflictingID: c.ID, Start: c.StartDate, End: c.EndDate}
}

// monthlyUsed sums same-type blocking requests starting in the same month,
// feeding the max_per_month cap.
func (s *Service) monthlyUsed(ctx context.Context, req *Request) (decimal.Decimal, error) {
	rows, err := s.store.ListRequestsByUser(ctx, req.UserID, req.StartDate.Year())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range rows {
		if r.ID == req.ID || r.TypeCode != req.TypeCode || !r.Status.Blocking() {
			continue
		}
		if r.StartDate.Month() == req.StartDate.Month() {
			total = total.Add(r.DaysRequested)
		}
	}
	return total, nil
}

// outstandingByBucket nets the request's ledger entries per bucket:
// deductions count positive, restores count negative. The result is what
// the request still holds.
func outstandingByBucket(txs []ledger.Transaction) map[ledger.BalanceType]decimal.Decimal {
	out := make(map[ledger.BalanceType]decimal.Decimal)
	for _, tx := range txs {
		if tx.Type != ledger.TxDeduct && tx.Type != ledger.TxRestore {
			continue
		}
		// DEDUCT amounts are negative, RESTORE positive; either way the
		// outstanding moves by -amount.
		out[tx.Bucket] = out[tx.Bucket].Sub(tx.Amount)
	}
	return out
}

// allocateRestore plans a partial give-back of want days. Buckets drain in
// reverse deduction order (AC before AP) but the returned breakdown is in
// forward order because ledger.Restore walks it backwards again.
func allocateRestore(outstanding map[ledger.BalanceType]decimal.Decimal, order []ledger.BalanceType, want decimal.Decimal) []ledger.Movement {
	if want.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	take := make(map[ledger.BalanceType]decimal.Decimal, len(order))
	remaining := want
	for i := len(order) - 1; i >= 0 && remaining.IsPositive(); i-- {
		b := order[i]
		have := outstanding[b]
		if !have.IsPositive() {
			continue
		}
		t := decimal.Min(have, remaining)
		take[b] = t
		remaining = remaining.Sub(t)
	}
	var out []ledger.Movement
	for _, b := range order {
		if t, ok := take[b]; ok && t.IsPositive() {
			out = append(out, ledger.Movement{Bucket: b, Days: t})
		}
	}
	return out
}

// restoreOutstanding gives back everything the request still holds. Returns
// the total restored; zero when the ledger already nets out.
func (s *Service) restoreOutstanding(ctx context.Context, st Store, req *Request, actorID uuid.UUID, note string) (decimal.Decimal, error) {
	led := s.ledgerFor(st)
	txs, err := led.TransactionsForRequest(ctx, req.ID)
	if err != nil {
		return decimal.Zero, err
	}
	net := outstandingByBucket(txs)
	var breakdown []ledger.Movement
	for _, b := range ledger.Buckets {
		if amt := net[b]; amt.IsPositive() {
			breakdown = append(breakdown, ledger.Movement{Bucket: b, Days: amt})
		}
	}
	if len(breakdown) == 0 {
		return decimal.Zero, nil
	}
	if _, err := led.Restore(ctx, ledger.RestoreInput{
		UserID:         req.UserID,
		Year:           req.StartDate.Year(),
		Breakdown:      breakdown,
		LeaveRequestID: &req.ID,
		ActorID:        actorID,
		Note:           note,
	}); err != nil {
		return decimal.Zero, err
	}
	return ledger.SumMovements(breakdown), nil
}

// restorePartial gives back want days from what the request still holds,
// clamped to the outstanding amount.
func (s *Service) restorePartial(ctx context.Context, st Store, req *Request, want decimal.Decimal, actorID uuid.UUID, note, keySeed string) (decimal.Decimal, error) {
	if want.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	led := s.ledgerFor(st)
	txs, err := led.TransactionsForRequest(ctx, req.ID)
	if err != nil {
		return decimal.Zero, err
	}
	breakdown := allocateRestore(outstandingByBucket(txs), ledger.Buckets, want)
	if len(breakdown) == 0 {
		return decimal.Zero, nil
	}
	if _, err := led.Restore(ctx, ledger.RestoreInput{
		UserID:         req.UserID,
		Year:           req.StartDate.Year(),
		Breakdown:      breakdown,
		LeaveRequestID: &req.ID,
		ActorID:        actorID,
		Note:           note,
		KeySeed:        keySeed,
	}); err != nil {
		return decimal.Zero, err
	}
	return ledger.SumMovements(breakdown), nil
}

func (s *Service) department(ctx context.Context, userID uuid.UUID) string {
	if s.dir == nil {
		return ""
	}
	u, err := s.dir.User(ctx, userID)
	if err != nil {
		return ""
	}
	return u.DepartmentID
}

func requestSubject(req *Request) string {
	return fmt.Sprintf("%s %s to %s", req.TypeCode,
		req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"))
}

func requestTitle(req *Request, typ *Type) string {
	return fmt.Sprintf("%s %s to %s (%s days)", typ.Name,
		req.StartDate.Format("2006-01-02"), req.EndDate.Format("2006-01-02"), req.DaysRequested)
}

func actorKind(admin bool) string {
	if admin {
		return audit.ActorAdmin
	}
	return audit.ActorUser
}

func (s *Service) notifyUser(ctx context.Context, recipientID uuid.UUID, event string, req *Request, body string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notify.Notification{
		Type:        event,
		RecipientID: recipientID,
		Subject:     requestSubject(req),
		Body:        body,
		Meta: map[string]string{
			"leave_request_id": req.ID.String(),
			"leave_type":       req.TypeCode,
			"status":           string(req.Status),
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("type", event).Msg("notification failed")
	}
}

// notifyManager tells the requester's manager, when the directory knows
// one.
func (s *Service) notifyManager(ctx context.Context, req *Request, event, body string) {
	if s.notifier == nil || s.dir == nil {
		return
	}
	u, err := s.dir.User(ctx, req.UserID)
	if err != nil || u.ManagerID == nil {
		return
	}
	err = s.notifier.Send(ctx, notify.Notification{
		Type:        event,
		RecipientID: *u.ManagerID,
		Subject:     requestSubject(req),
		Body:        fmt.Sprintf("%s %s", u.Name, body),
		Meta: map[string]string{
			"leave_request_id": req.ID.String(),
			"status":           string(req.Status),
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("type", event).Msg("notification failed")
	}
}

func (s *Service) audit(ctx context.Context, actorID uuid.UUID, kind, action string, entityID uuid.UUID, detail map[string]string) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Record(ctx, audit.Entry{
		ID:         uuid.New(),
		At:         s.now().UTC(),
		ActorID:    actorID,
		ActorType:  kind,
		Action:     action,
		EntityType: "leave_request",
		EntityID:   entityID,
		Detail:     detail,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("action", action).Msg("audit sink failed")
	}
}
