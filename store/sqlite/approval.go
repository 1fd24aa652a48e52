package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/approval"
)

// =============================================================================
// APPROVAL SQLITE STORE
// =============================================================================

// Approval implements approval.Store over the approval_* tables. A zero tx
// means top-level: writes take the database write lock and statements run
// on the pool. A non-nil tx means the facade is bound to a transaction
// opened by WithTx; nested WithTx calls reuse it.
type Approval struct {
	d  *DB
	tx *sql.Tx
}

func (s *Approval) q() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.d.db
}

// WithTx runs fn against a transaction-bound facade and commits when fn
// returns nil.
func (s *Approval) WithTx(ctx context.Context, fn func(approval.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()

	tx, err := s.d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin approval tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Approval{d: s.d, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// -----------------------------------------------------------------------------
// workflows

const workflowCols = `id, entity_type, name, min_approvers, max_approvers, mode,
	approver_role_ids, auto_assign_approvers, allow_self_approval,
	expiration_hours, expiration_action, escalation_role_id,
	reminder_hours_before, send_reminders, conditions_json, condition_expr,
	priority, is_active, is_default, target_role_ids, created_at, updated_at`

func (s *Approval) CreateWorkflow(ctx context.Context, w *approval.WorkflowConfig) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO approval_workflows (`+workflowCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.EntityType, w.Name, w.MinApprovers, w.MaxApprovers, string(w.Mode),
		toJSON(w.ApproverRoleIDs), w.AutoAssignApprovers, w.AllowSelfApproval,
		w.ExpirationHours, nullString(string(w.ExpirationAction)), nullString(w.EscalationRoleID),
		toJSON(w.ReminderHoursBefore), w.SendReminders, toJSON(w.Conditions), nullString(w.ConditionExpr),
		w.Priority, w.IsActive, w.IsDefault, toJSON(w.TargetRoleIDs),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt),
	)
	return err
}

func (s *Approval) UpdateWorkflow(ctx context.Context, w *approval.WorkflowConfig) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE approval_workflows SET
			entity_type = ?, name = ?, min_approvers = ?, max_approvers = ?, mode = ?,
			approver_role_ids = ?, auto_assign_approvers = ?, allow_self_approval = ?,
			expiration_hours = ?, expiration_action = ?, escalation_role_id = ?,
			reminder_hours_before = ?, send_reminders = ?, conditions_json = ?,
			condition_expr = ?, priority = ?, is_active = ?, is_default = ?,
			target_role_ids = ?, updated_at = ?
		WHERE id = ?`,
		w.EntityType, w.Name, w.MinApprovers, w.MaxApprovers, string(w.Mode),
		toJSON(w.ApproverRoleIDs), w.AutoAssignApprovers, w.AllowSelfApproval,
		w.ExpirationHours, nullString(string(w.ExpirationAction)), nullString(w.EscalationRoleID),
		toJSON(w.ReminderHoursBefore), w.SendReminders, toJSON(w.Conditions),
		nullString(w.ConditionExpr), w.Priority, w.IsActive, w.IsDefault,
		toJSON(w.TargetRoleIDs), fmtTime(w.UpdatedAt),
		w.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, approval.ErrNotFound)
}

func (s *Approval) GetWorkflow(ctx context.Context, id uuid.UUID) (*approval.WorkflowConfig, error) {
	rows, err := s.queryWorkflows(ctx,
		`SELECT `+workflowCols+` FROM approval_workflows WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, approval.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Approval) ListWorkflows(ctx context.Context, entityType string, activeOnly bool) ([]approval.WorkflowConfig, error) {
	q := `SELECT ` + workflowCols + ` FROM approval_workflows WHERE entity_type = ?`
	if activeOnly {
		q += ` AND is_active = TRUE`
	}
	q += ` ORDER BY priority ASC, created_at ASC`
	return s.queryWorkflows(ctx, q, entityType)
}

func (s *Approval) queryWorkflows(ctx context.Context, query string, args ...any) ([]approval.WorkflowConfig, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var out []approval.WorkflowConfig
	for rows.Next() {
		var w approval.WorkflowConfig
		var id, createdAt, updatedAt string
		var roleIDs, reminders, conds, targets sql.NullString
		var expAction, escRole, condExpr sql.NullString
		if err := rows.Scan(
			&id, &w.EntityType, &w.Name, &w.MinApprovers, &w.MaxApprovers, &w.Mode,
			&roleIDs, &w.AutoAssignApprovers, &w.AllowSelfApproval,
			&w.ExpirationHours, &expAction, &escRole,
			&reminders, &w.SendReminders, &conds, &condExpr,
			&w.Priority, &w.IsActive, &w.IsDefault, &targets, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		w.ID = uuidOrNil(id)
		w.ExpirationAction = approval.ExpirationAction(expAction.String)
		w.EscalationRoleID = escRole.String
		w.ConditionExpr = condExpr.String
		fromJSON(roleIDs, &w.ApproverRoleIDs)
		fromJSON(reminders, &w.ReminderHoursBefore)
		fromJSON(conds, &w.Conditions)
		fromJSON(targets, &w.TargetRoleIDs)
		w.CreatedAt = parseTime(createdAt)
		w.UpdatedAt = parseTime(updatedAt)
		out = append(out, w)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// requests

const requestCols = `id, entity_type, entity_id, workflow_config_id, requester_id,
	title, description, metadata_json, callback_url, status,
	required_approvals, received_approvals, received_rejections,
	current_level, max_level, expires_at, expired_action_taken,
	resolution_notes, resolved_at, created_at, updated_at`

func (s *Approval) CreateRequest(ctx context.Context, r *approval.Request) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO approval_requests (`+requestCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.EntityType, r.EntityID.String(), r.WorkflowConfigID.String(),
		r.RequesterID.String(), r.Title, nullString(r.Description), toJSON(r.Metadata),
		nullString(r.CallbackURL), string(r.Status),
		r.RequiredApprovals, r.ReceivedApprovals, r.ReceivedRejections,
		r.CurrentLevel, r.MaxLevel, nullTime(r.ExpiresAt), r.ExpiredActionTaken,
		nullString(r.ResolutionNotes), nullTime(r.ResolvedAt),
		fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	if isUniqueConstraint(err) {
		conflict := &approval.ConflictError{EntityType: r.EntityType, EntityID: r.EntityID}
		if existing, lookupErr := s.PendingRequestForEntity(ctx, r.EntityType, r.EntityID); lookupErr == nil {
			conflict.ExistingID = existing.ID
		}
		return conflict
	}
	return err
}

func (s *Approval) UpdateRequest(ctx context.Context, r *approval.Request) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE approval_requests SET
			status = ?, metadata_json = ?, required_approvals = ?,
			received_approvals = ?, received_rejections = ?, current_level = ?,
			max_level = ?, expires_at = ?, expired_action_taken = ?,
			resolution_notes = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?`,
		string(r.Status), toJSON(r.Metadata), r.RequiredApprovals,
		r.ReceivedApprovals, r.ReceivedRejections, r.CurrentLevel,
		r.MaxLevel, nullTime(r.ExpiresAt), r.ExpiredActionTaken,
		nullString(r.ResolutionNotes), nullTime(r.ResolvedAt), fmtTime(r.UpdatedAt),
		r.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, approval.ErrNotFound)
}

func (s *Approval) GetRequest(ctx context.Context, id uuid.UUID) (*approval.Request, error) {
	rows, err := s.queryRequests(ctx,
		`SELECT `+requestCols+` FROM approval_requests WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, approval.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Approval) PendingRequestForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (*approval.Request, error) {
	rows, err := s.queryRequests(ctx, `
		SELECT `+requestCols+` FROM approval_requests
		WHERE entity_type = ? AND entity_id = ? AND status = 'PENDING'
		LIMIT 1`, entityType, entityID.String())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, approval.ErrNotFound
	}
	return &rows[0], nil
}

func (s *Approval) ListRequestsByRequester(ctx context.Context, requesterID uuid.UUID) ([]approval.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestCols+` FROM approval_requests
		WHERE requester_id = ?
		ORDER BY created_at ASC, rowid ASC`, requesterID.String())
}

func (s *Approval) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]approval.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestCols+` FROM approval_requests
		WHERE status = 'PENDING' AND expired_action_taken = FALSE
		  AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?`, fmtTime(now), limit)
}

func (s *Approval) TerminalRequestsBefore(ctx context.Context, cutoff time.Time, limit int) ([]approval.Request, error) {
	return s.queryRequests(ctx, `
		SELECT `+requestCols+` FROM approval_requests
		WHERE status IN ('APPROVED', 'APPROVED_CONDITIONAL', 'REJECTED', 'EXPIRED', 'CANCELLED')
		  AND COALESCE(resolved_at, created_at) < ?
		ORDER BY created_at ASC
		LIMIT ?`, fmtTime(cutoff), limit)
}

// DeleteRequestCascade removes the request; decisions, history and
// reminders follow through the foreign keys.
func (s *Approval) DeleteRequestCascade(ctx context.Context, id uuid.UUID) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `DELETE FROM approval_requests WHERE id = ?`, id.String())
	return err
}

func (s *Approval) queryRequests(ctx context.Context, query string, args ...any) ([]approval.Request, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	var out []approval.Request
	for rows.Next() {
		var r approval.Request
		var id, entityID, workflowID, requester string
		var createdAt, updatedAt string
		var desc, meta, cb, notes sql.NullString
		var expiresAt, resolvedAt sql.NullString
		if err := rows.Scan(
			&id, &r.EntityType, &entityID, &workflowID, &requester,
			&r.Title, &desc, &meta, &cb, &r.Status,
			&r.RequiredApprovals, &r.ReceivedApprovals, &r.ReceivedRejections,
			&r.CurrentLevel, &r.MaxLevel, &expiresAt, &r.ExpiredActionTaken,
			&notes, &resolvedAt, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		r.ID = uuidOrNil(id)
		r.EntityID = uuidOrNil(entityID)
		r.WorkflowConfigID = uuidOrNil(workflowID)
		r.RequesterID = uuidOrNil(requester)
		r.Description = desc.String
		r.CallbackURL = cb.String
		r.ResolutionNotes = notes.String
		fromJSON(meta, &r.Metadata)
		r.ExpiresAt = timePtr(expiresAt)
		r.ResolvedAt = timePtr(resolvedAt)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// decisions

const decisionCols = `id, request_id, approver_id, approver_name, approver_role,
	level, decision, notes, delegated_to, assigned_at, decided_at`

func (s *Approval) CreateDecisions(ctx context.Context, ds []approval.Decision) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	for _, d := range ds {
		_, err := s.q().ExecContext(ctx, `
			INSERT INTO approval_decisions (`+decisionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID.String(), d.RequestID.String(), d.ApproverID.String(),
			nullString(d.ApproverName), nullString(d.ApproverRole),
			d.Level, string(d.Decision), nullString(d.Notes),
			nullUUID(d.DelegatedTo), fmtTime(d.AssignedAt), nullTime(d.DecidedAt),
		)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
	}
	return nil
}

func (s *Approval) UpdateDecision(ctx context.Context, d *approval.Decision) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx, `
		UPDATE approval_decisions SET
			decision = ?, notes = ?, delegated_to = ?, decided_at = ?
		WHERE id = ?`,
		string(d.Decision), nullString(d.Notes), nullUUID(d.DelegatedTo),
		nullTime(d.DecidedAt), d.ID.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res, approval.ErrNotFound)
}

func (s *Approval) DecisionsForRequest(ctx context.Context, requestID uuid.UUID) ([]approval.Decision, error) {
	return s.queryDecisions(ctx, `
		SELECT `+decisionCols+` FROM approval_decisions
		WHERE request_id = ?
		ORDER BY level ASC, rowid ASC`, requestID.String())
}

func (s *Approval) PendingDecisionsForApprover(ctx context.Context, approverID uuid.UUID) ([]approval.Decision, error) {
	return s.queryDecisions(ctx, `
		SELECT `+decisionCols+` FROM approval_decisions
		WHERE approver_id = ? AND decision = ''
		ORDER BY assigned_at ASC, rowid ASC`, approverID.String())
}

func (s *Approval) DeletePendingDecisions(ctx context.Context, requestID uuid.UUID) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx,
		`DELETE FROM approval_decisions WHERE request_id = ? AND decision = ''`,
		requestID.String())
	return err
}

func (s *Approval) queryDecisions(ctx context.Context, query string, args ...any) ([]approval.Decision, error) {
	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []approval.Decision
	for rows.Next() {
		var d approval.Decision
		var id, reqID, approver, assignedAt string
		var name, role, notes sql.NullString
		var delegatedTo, decidedAt sql.NullString
		if err := rows.Scan(
			&id, &reqID, &approver, &name, &role,
			&d.Level, &d.Decision, &notes, &delegatedTo, &assignedAt, &decidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.ID = uuidOrNil(id)
		d.RequestID = uuidOrNil(reqID)
		d.ApproverID = uuidOrNil(approver)
		d.ApproverName = name.String
		d.ApproverRole = role.String
		d.Notes = notes.String
		d.DelegatedTo = uuidPtr(delegatedTo)
		d.AssignedAt = parseTime(assignedAt)
		d.DecidedAt = timePtr(decidedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// history

func (s *Approval) AppendHistory(ctx context.Context, e *approval.HistoryEvent) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO approval_history (id, request_id, action, actor_id, actor_type, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.RequestID.String(), e.Action, e.ActorID.String(),
		e.ActorType, toJSON(e.Details), fmtTime(e.CreatedAt),
	)
	return err
}

func (s *Approval) HistoryForRequest(ctx context.Context, requestID uuid.UUID) ([]approval.HistoryEvent, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, request_id, action, actor_id, actor_type, details_json, created_at
		FROM approval_history
		WHERE request_id = ?
		ORDER BY rowid ASC`, requestID.String())
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []approval.HistoryEvent
	for rows.Next() {
		var e approval.HistoryEvent
		var id, reqID, actorID, createdAt string
		var details sql.NullString
		if err := rows.Scan(&id, &reqID, &e.Action, &actorID, &e.ActorType, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.ID = uuidOrNil(id)
		e.RequestID = uuidOrNil(reqID)
		e.ActorID = uuidOrNil(actorID)
		fromJSON(details, &e.Details)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// -----------------------------------------------------------------------------
// reminders

func (s *Approval) CreateReminders(ctx context.Context, rs []approval.Reminder) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	for _, r := range rs {
		_, err := s.q().ExecContext(ctx, `
			INSERT INTO approval_reminders (id, request_id, approver_id, reminder_type, scheduled_at, is_sent, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.RequestID.String(), r.ApproverID.String(),
			string(r.Type), fmtTime(r.ScheduledAt), r.Sent, nullTime(r.SentAt),
		)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

func (s *Approval) DueReminders(ctx context.Context, now time.Time, limit int) ([]approval.Reminder, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT id, request_id, approver_id, reminder_type, scheduled_at, is_sent, sent_at
		FROM approval_reminders
		WHERE is_sent = FALSE AND scheduled_at <= ?
		ORDER BY scheduled_at ASC
		LIMIT ?`, fmtTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []approval.Reminder
	for rows.Next() {
		var r approval.Reminder
		var id, reqID, approver, scheduledAt string
		var sentAt sql.NullString
		if err := rows.Scan(&id, &reqID, &approver, &r.Type, &scheduledAt, &r.Sent, &sentAt); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.ID = uuidOrNil(id)
		r.RequestID = uuidOrNil(reqID)
		r.ApproverID = uuidOrNil(approver)
		r.ScheduledAt = parseTime(scheduledAt)
		r.SentAt = timePtr(sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Approval) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	res, err := s.q().ExecContext(ctx,
		`UPDATE approval_reminders SET is_sent = TRUE, sent_at = ? WHERE id = ?`,
		fmtTime(at), id.String())
	if err != nil {
		return err
	}
	return requireRow(res, approval.ErrNotFound)
}

func (s *Approval) DeleteRemindersForRequest(ctx context.Context, requestID uuid.UUID) error {
	if s.tx == nil {
		s.d.mu.Lock()
		defer s.d.mu.Unlock()
	}
	_, err := s.q().ExecContext(ctx,
		`DELETE FROM approval_reminders WHERE request_id = ?`, requestID.String())
	return err
}
