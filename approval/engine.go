/*
engine.go - approval engine operations

PURPOSE:
  Create requests against a selected workflow, record decisions under the
  four counting modes, cancel, and answer the queue queries the transport
  exposes.

INVARIANTS:
  - One PENDING request per (entity_type, entity_id). Checked inside the
    creating transaction.
  - A decision row is written exactly once. Delegation closes the original
    row as DELEGATED and opens a new pending row at the same level.
  - Terminal requests never change again; the callback and notifications
    happen after the resolving transaction commits.

EXAMPLE:
  req, err := eng.CreateRequest(ctx, approval.CreateRequestInput{
      EntityType: "LEAVE_REQUEST", EntityID: leaveID, RequesterID: userID,
      Title: "Ferie 10-24 luglio", EntityData: approval.EntityData{"days": 11},
      CallbackURL: "http://localhost:8080/leaves/internal/approval-callback",
  })
*/
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/notify"
)

// FinalReminderHours is the offset of the always-scheduled last-call
// reminder.
const FinalReminderHours = 2

// Engine wires the approval store to its collaborators. Notifier, auditor
// and sender may be nil; those effects are skipped.
type Engine struct {
	store    Store
	dir      directory.Directory
	notifier notify.Notifier
	auditor  audit.Sink
	sender   CallbackSender
	log      zerolog.Logger
	now      func() time.Time
}

func NewEngine(store Store, dir directory.Directory, notifier notify.Notifier, auditor audit.Sink, sender CallbackSender, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		dir:      dir,
		notifier: notifier,
		auditor:  auditor,
		sender:   sender,
		log:      log.With().Str("component", "approval-engine").Logger(),
		now:      time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// =============================================================================
// WORKFLOW CONFIG CRUD
// =============================================================================

// CreateWorkflow validates and persists a workflow config.
func (e *Engine) CreateWorkflow(ctx context.Context, w *WorkflowConfig) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = e.now().UTC()
	w.UpdatedAt = w.CreatedAt
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return err
	}
	e.log.Info().Str("workflow_id", w.ID.String()).Str("entity_type", w.EntityType).Str("name", w.Name).Msg("workflow created")
	return nil
}

// UpdateWorkflow rewrites a config. Deactivation goes through here: flip
// IsActive, never delete.
func (e *Engine) UpdateWorkflow(ctx context.Context, w *WorkflowConfig) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}
	if _, err := e.store.GetWorkflow(ctx, w.ID); err != nil {
		return err
	}
	w.UpdatedAt = e.now().UTC()
	return e.store.UpdateWorkflow(ctx, w)
}

// Workflow returns one config by id.
func (e *Engine) Workflow(ctx context.Context, id uuid.UUID) (*WorkflowConfig, error) {
	return e.store.GetWorkflow(ctx, id)
}

// Workflows lists configs for an entity type, priority ascending.
func (e *Engine) Workflows(ctx context.Context, entityType string, activeOnly bool) ([]WorkflowConfig, error) {
	return e.store.ListWorkflows(ctx, entityType, activeOnly)
}

func validateWorkflow(w *WorkflowConfig) error {
	if w.EntityType == "" {
		return &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if w.Name == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if !w.Mode.Valid() {
		return &ValidationError{Field: "approval_mode", Reason: fmt.Sprintf("unknown mode %q", w.Mode)}
	}
	if w.MinApprovers < 1 {
		return &ValidationError{Field: "min_approvers", Reason: "must be at least 1"}
	}
	if w.MaxApprovers > 0 && w.MaxApprovers < w.MinApprovers {
		return &ValidationError{Field: "max_approvers", Reason: "smaller than min_approvers"}
	}
	if w.ExpirationHours < 0 {
		return &ValidationError{Field: "expiration_hours", Reason: "negative"}
	}
	if w.ExpirationHours > 0 {
		switch w.ExpirationAction {
		case ExpireReject, ExpireEscalate, ExpireAutoApprove, ExpireNotifyOnly:
		default:
			return &ValidationError{Field: "expiration_action", Reason: fmt.Sprintf("unknown action %q", w.ExpirationAction)}
		}
		if w.ExpirationAction == ExpireEscalate && w.EscalationRoleID == "" {
			return &ValidationError{Field: "escalation_role_id", Reason: "required for ESCALATE"}
		}
	}
	for _, h := range w.ReminderHoursBefore {
		if h < 0 {
			return &ValidationError{Field: "reminder_hours_before", Reason: "negative offset"}
		}
	}
	if w.ConditionExpr != "" {
		if err := compileExpr(w.ConditionExpr); err != nil {
			return &ValidationError{Field: "condition_expr", Reason: err.Error()}
		}
	}
	return nil
}

// =============================================================================
// CREATE REQUEST
// =============================================================================

// CreateRequestInput describes a new approval request. WorkflowID skips
// predicate selection; Approvers overrides role-token resolution.
type CreateRequestInput struct {
	EntityType  string
	EntityID    uuid.UUID
	RequesterID uuid.UUID
	Title       string
	Description string
	Metadata    map[string]string
	EntityData  EntityData
	CallbackURL string
	WorkflowID  *uuid.UUID
	Approvers   []uuid.UUID
}

// CreateRequest selects a workflow, resolves approvers and persists the
// request PENDING together with its decision slots and reminders.
func (e *Engine) CreateRequest(ctx context.Context, in CreateRequestInput) (*Request, error) {
	if in.EntityType == "" {
		return nil, &ValidationError{Field: "entity_type", Reason: "required"}
	}
	if in.EntityID == uuid.Nil {
		return nil, &ValidationError{Field: "entity_id", Reason: "required"}
	}
	if in.RequesterID == uuid.Nil {
		return nil, &ValidationError{Field: "requester_id", Reason: "required"}
	}
	if in.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "required"}
	}

	// The requester record feeds dynamic tokens and the scope filter.
	// A directory outage degrades to no roles; the default workflow still
	// applies and static approver lists still resolve.
	requester, err := e.lookupUser(ctx, in.RequesterID)
	if err != nil {
		e.log.Warn().Err(err).Str("requester_id", in.RequesterID.String()).Msg("requester lookup failed, degrading")
		requester = nil
	}

	w, err := e.pickWorkflow(ctx, in, requester)
	if err != nil {
		return nil, err
	}

	cands := e.resolveApprovers(ctx, w, requester, in.Approvers)
	now := e.now().UTC()

	req := &Request{
		ID:                uuid.New(),
		EntityType:        in.EntityType,
		EntityID:          in.EntityID,
		WorkflowConfigID:  w.ID,
		RequesterID:       in.RequesterID,
		Title:             in.Title,
		Description:       in.Description,
		Metadata:          in.Metadata,
		CallbackURL:       in.CallbackURL,
		Status:            StatusPending,
		RequiredApprovals: w.Mode.RequiredApprovals(len(cands)),
		CurrentLevel:      1,
		MaxLevel:          1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if w.Mode == ModeSequential && len(cands) > 0 {
		req.MaxLevel = len(cands)
	}
	if w.ExpirationHours > 0 {
		exp := now.Add(time.Duration(w.ExpirationHours) * time.Hour)
		req.ExpiresAt = &exp
	}

	decisions := make([]Decision, 0, len(cands))
	for i, c := range cands {
		level := 1
		if w.Mode == ModeSequential {
			level = i + 1
		}
		decisions = append(decisions, Decision{
			ID:           uuid.New(),
			RequestID:    req.ID,
			ApproverID:   c.ID,
			ApproverName: c.Name,
			ApproverRole: c.Role,
			Level:        level,
			AssignedAt:   now,
		})
	}
	reminders := buildReminders(w, req, decisions, now)

	err = e.store.WithTx(ctx, func(s Store) error {
		// Single-active check rides inside the insert transaction so two
		// concurrent creates for the same entity serialize.
		if existing, err := s.PendingRequestForEntity(ctx, in.EntityType, in.EntityID); err == nil {
			return &ConflictError{EntityType: in.EntityType, EntityID: in.EntityID, ExistingID: existing.ID}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := s.CreateRequest(ctx, req); err != nil {
			return err
		}
		if len(decisions) > 0 {
			if err := s.CreateDecisions(ctx, decisions); err != nil {
				return err
			}
		}
		if len(reminders) > 0 {
			if err := s.CreateReminders(ctx, reminders); err != nil {
				return err
			}
		}
		if err := s.AppendHistory(ctx, e.event(req.ID, HistoryCreated, in.RequesterID, ActorUser, map[string]string{
			"workflow_id": w.ID.String(),
			"workflow":    w.Name,
			"mode":        string(w.Mode),
		})); err != nil {
			return err
		}
		detail := map[string]string{"count": fmt.Sprint(len(decisions))}
		if len(decisions) == 0 {
			detail["warning"] = "NoApproversResolved"
		}
		return s.AppendHistory(ctx, e.event(req.ID, HistoryAssigned, in.RequesterID, ActorSystem, detail))
	})
	if err != nil {
		return nil, err
	}

	if len(cands) == 0 {
		// Not fatal: the request sits PENDING until operations steps in
		// with an admin override.
		e.log.Warn().
			Str("request_id", req.ID.String()).
			Str("entity_type", in.EntityType).
			Str("workflow", w.Name).
			Msg("NoApproversResolved: request created without approvers")
	}

	for _, d := range decisions {
		if d.Level != req.CurrentLevel {
			continue
		}
		e.notify(ctx, notify.Notification{
			Type:        notify.EventApprovalRequested,
			RecipientID: d.ApproverID,
			Subject:     req.Title,
			Body:        fmt.Sprintf("Approval requested for %s", req.Title),
			Meta:        map[string]string{"request_id": req.ID.String(), "entity_type": req.EntityType},
		})
	}
	e.audit(ctx, in.RequesterID, ActorUser, "approval.request.create", req.ID, map[string]string{
		"entity_type": in.EntityType,
		"entity_id":   in.EntityID.String(),
		"workflow":    w.Name,
	})
	return req, nil
}

func (e *Engine) pickWorkflow(ctx context.Context, in CreateRequestInput, requester *directory.User) (*WorkflowConfig, error) {
	if in.WorkflowID != nil {
		w, err := e.store.GetWorkflow(ctx, *in.WorkflowID)
		if err != nil {
			return nil, err
		}
		if !w.IsActive {
			return nil, &ValidationError{Field: "workflow_config_id", Reason: "workflow is inactive"}
		}
		if w.EntityType != in.EntityType {
			return nil, &ValidationError{Field: "workflow_config_id", Reason: "workflow is for a different entity type"}
		}
		return w, nil
	}
	ws, err := e.store.ListWorkflows(ctx, in.EntityType, true)
	if err != nil {
		return nil, err
	}
	var roles []string
	if requester != nil {
		roles = requester.RoleIDs
	}
	return SelectWorkflow(ws, in.EntityData, roles, e.log)
}

// buildReminders schedules FIRST/FINAL reminder rows per approver. The
// smallest offset is the FINAL last call; a 2h FINAL is added when the
// config names none. Rows that would land in the past are skipped.
func buildReminders(w *WorkflowConfig, req *Request, decisions []Decision, now time.Time) []Reminder {
	if !w.SendReminders || req.ExpiresAt == nil || len(decisions) == 0 {
		return nil
	}
	offsets := make([]int, 0, len(w.ReminderHoursBefore)+1)
	for _, h := range w.ReminderHoursBefore {
		if h > 0 {
			offsets = append(offsets, h)
		}
	}
	hasFinal := false
	for _, h := range offsets {
		if h <= FinalReminderHours {
			hasFinal = true
		}
	}
	if !hasFinal {
		offsets = append(offsets, FinalReminderHours)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(offsets)))

	var out []Reminder
	for _, d := range decisions {
		for i, h := range offsets {
			at := req.ExpiresAt.Add(-time.Duration(h) * time.Hour)
			if !at.After(now) {
				continue
			}
			typ := ReminderFirst
			if i == len(offsets)-1 {
				typ = ReminderFinal
			}
			out = append(out, Reminder{
				ID:          uuid.New(),
				RequestID:   req.ID,
				ApproverID:  d.ApproverID,
				Type:        typ,
				ScheduledAt: at,
			})
		}
	}
	return out
}

// =============================================================================
// DECIDE
// =============================================================================

// DecideInput is one approver's verdict on a request.
type DecideInput struct {
	RequestID        uuid.UUID
	ApproverID       uuid.UUID
	Decision         DecisionType
	Notes            string
	ConditionType    string
	ConditionDetails string
	DelegateTo       *uuid.UUID
	// AdminOverride lets an admin decide on behalf of an unresponsive
	// approver: the first unresolved slot at the current level is used.
	AdminOverride bool
	ActorID       uuid.UUID
}

// Decide records a verdict, recomputes tallies and resolves the request
// when its mode says so. The callback fires after the transaction commits.
func (e *Engine) Decide(ctx context.Context, in DecideInput) (*Request, error) {
	switch in.Decision {
	case DecisionApproved, DecisionRejected, DecisionDelegated, DecisionApprovedConditional:
	default:
		return nil, &ValidationError{Field: "decision", Reason: fmt.Sprintf("unknown decision %q", in.Decision)}
	}
	if in.Decision == DecisionDelegated {
		if in.DelegateTo == nil || *in.DelegateTo == uuid.Nil {
			return nil, &ValidationError{Field: "delegate_to", Reason: "required for DELEGATED"}
		}
		if *in.DelegateTo == in.ApproverID {
			return nil, &ValidationError{Field: "delegate_to", Reason: "cannot delegate to yourself"}
		}
	}
	actor := in.ActorID
	if actor == uuid.Nil {
		actor = in.ApproverID
	}

	var (
		req       *Request
		delegate  *Decision
		resolved  bool
		advanced  bool
		payload   CallbackPayload
		nextLevel []Decision
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		req, err = s.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != StatusPending {
			return ErrNotPending
		}
		w, err := s.GetWorkflow(ctx, req.WorkflowConfigID)
		if err != nil {
			return err
		}
		decisions, err := s.DecisionsForRequest(ctx, req.ID)
		if err != nil {
			return err
		}

		slot, err := findSlot(decisions, in, req)
		if err != nil {
			return err
		}
		if slot.ApproverID != in.ApproverID {
			// Admin override landed on someone else's slot.
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryOverride, actor, ActorUser, map[string]string{
				"assigned_approver": slot.ApproverID.String(),
				"decided_by":        actor.String(),
			})); err != nil {
				return err
			}
		}
		if w.Mode == ModeSequential && slot.Level != req.CurrentLevel {
			return ErrNotYourTurn
		}

		now := e.now().UTC()
		slot.Decision = in.Decision
		slot.Notes = in.Notes
		slot.DecidedAt = &now
		if in.Decision == DecisionDelegated {
			slot.DelegatedTo = in.DelegateTo
		}
		if err := s.UpdateDecision(ctx, slot); err != nil {
			return err
		}

		if in.Decision == DecisionDelegated {
			name := ""
			if u, lerr := e.lookupUser(ctx, *in.DelegateTo); lerr == nil {
				name = u.Name
			}
			d := Decision{
				ID:           uuid.New(),
				RequestID:    req.ID,
				ApproverID:   *in.DelegateTo,
				ApproverName: name,
				ApproverRole: "DELEGATE",
				Level:        slot.Level,
				AssignedAt:   now,
			}
			if err := s.CreateDecisions(ctx, []Decision{d}); err != nil {
				return err
			}
			delegate = &d
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryDelegated, in.ApproverID, ActorUser, map[string]string{
				"delegated_to": in.DelegateTo.String(),
			})); err != nil {
				return err
			}
		}

		if in.Decision == DecisionApprovedConditional {
			if req.Metadata == nil {
				req.Metadata = map[string]string{}
			}
			condType := in.ConditionType
			if condType == "" {
				condType = "GENERIC"
			}
			condDetails := in.ConditionDetails
			if condDetails == "" {
				condDetails = in.Notes
			}
			req.Metadata[MetaConditionType] = condType
			req.Metadata[MetaConditionDetails] = condDetails
		}

		if err := s.AppendHistory(ctx, e.event(req.ID, HistoryDecided, actor, ActorUser, map[string]string{
			"approver_id": slot.ApproverID.String(),
			"decision":    string(in.Decision),
			"level":       fmt.Sprint(slot.Level),
		})); err != nil {
			return err
		}

		// Tallies and resolution work on the fresh row set.
		decisions, err = s.DecisionsForRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		out := evaluate(w.Mode, decisions, req.RequiredApprovals, req.CurrentLevel, req.MaxLevel)
		req.ReceivedApprovals = out.approvals
		req.ReceivedRejections = out.rejections
		req.UpdatedAt = now

		switch {
		case out.resolved:
			resolved = true
			req.Status = out.status
			req.ResolvedAt = &now
			req.ResolutionNotes = resolutionNotes(out.status, slot)
			if err := s.DeleteRemindersForRequest(ctx, req.ID); err != nil {
				return err
			}
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryResolved, actor, ActorUser, map[string]string{
				"status": string(out.status),
			})); err != nil {
				return err
			}
			payload = buildPayload(req, decisions, &actor)
		case out.level > req.CurrentLevel:
			advanced = true
			req.CurrentLevel = out.level
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryLevelUp, actor, ActorSystem, map[string]string{
				"level": fmt.Sprint(out.level),
			})); err != nil {
				return err
			}
			for _, d := range decisions {
				if d.Level == out.level && !d.Decided() {
					nextLevel = append(nextLevel, d)
				}
			}
		}
		return s.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	if delegate != nil {
		e.notify(ctx, notify.Notification{
			Type:        notify.EventDelegated,
			RecipientID: delegate.ApproverID,
			Subject:     req.Title,
			Body:        fmt.Sprintf("Approval for %s was delegated to you", req.Title),
			Meta:        map[string]string{"request_id": req.ID.String()},
		})
	}
	if advanced {
		for _, d := range nextLevel {
			e.notify(ctx, notify.Notification{
				Type:        notify.EventApprovalRequested,
				RecipientID: d.ApproverID,
				Subject:     req.Title,
				Body:        fmt.Sprintf("Approval requested for %s", req.Title),
				Meta:        map[string]string{"request_id": req.ID.String()},
			})
		}
	}
	if resolved {
		e.deliverCallback(ctx, req, payload)
		e.notifyRequesterOutcome(ctx, req)
	}
	e.audit(ctx, actor, ActorUser, "approval.request.decide", req.ID, map[string]string{
		"decision": string(in.Decision),
		"status":   string(req.Status),
	})
	return req, nil
}

// findSlot locates the decision row a verdict lands on.
func findSlot(decisions []Decision, in DecideInput, req *Request) (*Decision, error) {
	var decided bool
	for i := range decisions {
		d := &decisions[i]
		if d.ApproverID != in.ApproverID {
			continue
		}
		if d.Decided() {
			decided = true
			continue
		}
		return d, nil
	}
	if decided {
		return nil, ErrAlreadyDecided
	}
	if !in.AdminOverride {
		return nil, ErrNotAnApprover
	}
	// Override: first unresolved slot at the current level, else the first
	// unresolved slot anywhere.
	for i := range decisions {
		d := &decisions[i]
		if !d.Decided() && d.Level == req.CurrentLevel {
			return d, nil
		}
	}
	for i := range decisions {
		d := &decisions[i]
		if !d.Decided() {
			return d, nil
		}
	}
	return nil, ErrNotPending
}

// outcome is the result of re-evaluating a request's decision rows.
type outcome struct {
	resolved   bool
	status     Status
	level      int
	approvals  int
	rejections int
}

// evaluate applies the mode's resolution rule to the full row set.
func evaluate(mode Mode, decisions []Decision, required, currentLevel, maxLevel int) outcome {
	var (
		approvals, rejections, pending int
		conditional                    bool
		pendingAtLevel                 = map[int]int{}
	)
	for _, d := range decisions {
		switch {
		case d.Decision.Approving():
			approvals++
			if d.Decision == DecisionApprovedConditional {
				conditional = true
			}
		case d.Decision == DecisionRejected:
			rejections++
		case !d.Decided():
			pending++
			pendingAtLevel[d.Level]++
		}
	}

	out := outcome{level: currentLevel, approvals: approvals, rejections: rejections}
	approvedStatus := StatusApproved
	if conditional {
		approvedStatus = StatusApprovedConditional
	}

	switch mode {
	case ModeAny:
		if rejections >= 1 {
			return resolvedAs(out, StatusRejected)
		}
		if approvals >= 1 {
			return resolvedAs(out, approvedStatus)
		}
	case ModeAll:
		if rejections >= 1 {
			return resolvedAs(out, StatusRejected)
		}
		if pending == 0 && approvals > 0 {
			return resolvedAs(out, approvedStatus)
		}
	case ModeSequential:
		if rejections >= 1 {
			return resolvedAs(out, StatusRejected)
		}
		level := currentLevel
		for level <= maxLevel && pendingAtLevel[level] == 0 {
			level++
		}
		if level > maxLevel {
			return resolvedAs(out, approvedStatus)
		}
		out.level = level
	case ModeMajority:
		total := len(decisions)
		if approvals >= required {
			return resolvedAs(out, approvedStatus)
		}
		if rejections > total-required {
			return resolvedAs(out, StatusRejected)
		}
	}
	return out
}

func resolvedAs(out outcome, status Status) outcome {
	out.resolved = true
	out.status = status
	return out
}

func resolutionNotes(status Status, final *Decision) string {
	who := final.ApproverName
	if who == "" {
		who = final.ApproverID.String()
	}
	switch status {
	case StatusRejected:
		return fmt.Sprintf("rejected by %s", who)
	case StatusApprovedConditional:
		return fmt.Sprintf("approved with condition by %s", who)
	default:
		return fmt.Sprintf("approved by %s", who)
	}
}

// =============================================================================
// CANCEL AND QUERIES
// =============================================================================

// Cancel withdraws a PENDING request. Only the requester may cancel unless
// admin is set.
func (e *Engine) Cancel(ctx context.Context, requestID, actorID uuid.UUID, reason string, admin bool) (*Request, error) {
	var req *Request
	var pendingApprovers []uuid.UUID
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		req, err = s.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != StatusPending {
			return ErrNotPending
		}
		if !admin && req.RequesterID != actorID {
			return ErrNotRequester
		}
		decisions, err := s.DecisionsForRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, d := range decisions {
			if !d.Decided() {
				pendingApprovers = append(pendingApprovers, d.ApproverID)
			}
		}
		now := e.now().UTC()
		req.Status = StatusCancelled
		req.ResolvedAt = &now
		req.ResolutionNotes = reason
		req.UpdatedAt = now
		if err := s.DeleteRemindersForRequest(ctx, req.ID); err != nil {
			return err
		}
		if err := s.AppendHistory(ctx, e.event(req.ID, HistoryCancelled, actorID, ActorUser, map[string]string{
			"reason": reason,
		})); err != nil {
			return err
		}
		return s.UpdateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	for _, id := range pendingApprovers {
		e.notify(ctx, notify.Notification{
			Type:        notify.EventRequestCancelled,
			RecipientID: id,
			Subject:     req.Title,
			Body:        fmt.Sprintf("Approval for %s was withdrawn", req.Title),
			Meta:        map[string]string{"request_id": req.ID.String()},
		})
	}
	e.audit(ctx, actorID, ActorUser, "approval.request.cancel", req.ID, nil)
	return req, nil
}

// Request returns one approval request.
func (e *Engine) Request(ctx context.Context, id uuid.UUID) (*Request, error) {
	return e.store.GetRequest(ctx, id)
}

// Decisions returns a request's decision rows, by level then assignment.
func (e *Engine) Decisions(ctx context.Context, requestID uuid.UUID) ([]Decision, error) {
	return e.store.DecisionsForRequest(ctx, requestID)
}

// History returns a request's append-only event log.
func (e *Engine) History(ctx context.Context, requestID uuid.UUID) ([]HistoryEvent, error) {
	return e.store.HistoryForRequest(ctx, requestID)
}

// RequestsByRequester lists a user's own requests.
func (e *Engine) RequestsByRequester(ctx context.Context, requesterID uuid.UUID) ([]Request, error) {
	return e.store.ListRequestsByRequester(ctx, requesterID)
}

// PendingForApprover is an approver's queue: PENDING requests whose
// unresolved slot belongs to them and, in SEQUENTIAL mode, whose cursor
// has reached the slot's level.
func (e *Engine) PendingForApprover(ctx context.Context, approverID uuid.UUID) ([]Request, error) {
	slots, err := e.store.PendingDecisionsForApprover(ctx, approverID)
	if err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{}
	var out []Request
	for _, d := range slots {
		if seen[d.RequestID] {
			continue
		}
		seen[d.RequestID] = true
		req, err := e.store.GetRequest(ctx, d.RequestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if req.Status != StatusPending {
			continue
		}
		w, err := e.store.GetWorkflow(ctx, req.WorkflowConfigID)
		if err == nil && w.Mode == ModeSequential && d.Level != req.CurrentLevel {
			continue
		}
		out = append(out, *req)
	}
	return out, nil
}

// =============================================================================
// EFFECTS
// =============================================================================

func (e *Engine) deliverCallback(ctx context.Context, req *Request, p CallbackPayload) {
	if e.sender == nil || req.CallbackURL == "" {
		return
	}
	if err := e.sender.Send(ctx, req.CallbackURL, p); err != nil {
		// The resolution stands; the receiver re-syncs on its own.
		e.log.Error().Err(err).
			Str("request_id", req.ID.String()).
			Str("url", req.CallbackURL).
			Msg("resolution callback failed")
		if herr := e.store.AppendHistory(ctx, e.event(req.ID, HistoryCallbackErr, uuid.Nil, ActorSystem, map[string]string{
			"error": err.Error(),
		})); herr != nil {
			e.log.Error().Err(herr).Msg("recording callback failure failed")
		}
	}
}

func (e *Engine) notifyRequesterOutcome(ctx context.Context, req *Request) {
	var typ string
	switch req.Status {
	case StatusApproved:
		typ = notify.EventRequestApproved
	case StatusApprovedConditional:
		typ = notify.EventRequestConditional
	case StatusRejected:
		typ = notify.EventRequestRejected
	case StatusExpired:
		typ = notify.EventRequestExpired
	default:
		return
	}
	e.notify(ctx, notify.Notification{
		Type:        typ,
		RecipientID: req.RequesterID,
		Subject:     req.Title,
		Body:        req.ResolutionNotes,
		Meta:        map[string]string{"request_id": req.ID.String(), "status": string(req.Status)},
	})
}

func (e *Engine) notify(ctx context.Context, n notify.Notification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, n); err != nil {
		e.log.Warn().Err(err).Str("type", n.Type).Msg("notification failed")
	}
}

func (e *Engine) audit(ctx context.Context, actorID uuid.UUID, actorType, action string, entityID uuid.UUID, detail map[string]string) {
	if e.auditor == nil {
		return
	}
	err := e.auditor.Record(ctx, audit.Entry{
		ID:         uuid.New(),
		At:         e.now().UTC(),
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     action,
		EntityType: "approval_request",
		EntityID:   entityID,
		Detail:     detail,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("action", action).Msg("audit sink failed")
	}
}

func (e *Engine) event(requestID uuid.UUID, action string, actorID uuid.UUID, actorType string, details map[string]string) *HistoryEvent {
	return &HistoryEvent{
		ID:        uuid.New(),
		RequestID: requestID,
		Action:    action,
		ActorID:   actorID,
		ActorType: actorType,
		Details:   details,
		CreatedAt: e.now().UTC(),
	}
}
