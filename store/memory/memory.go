// Package memory provides in-memory approval and leave stores for tests
// and demo runs without a database file.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/approval"
)

// =============================================================================
// APPROVAL MEMORY STORE
// =============================================================================

// Approval keeps the whole approval schema in maps. WithTx simulates a
// transaction with a snapshot and rollback-on-error, which is enough for
// single-process use.
type Approval struct {
	mu        sync.RWMutex
	workflows map[uuid.UUID]approval.WorkflowConfig
	requests  map[uuid.UUID]approval.Request
	decisions map[uuid.UUID][]approval.Decision
	history   map[uuid.UUID][]approval.HistoryEvent
	reminders map[uuid.UUID][]approval.Reminder
}

func NewApproval() *Approval {
	return &Approval{
		workflows: map[uuid.UUID]approval.WorkflowConfig{},
		requests:  map[uuid.UUID]approval.Request{},
		decisions: map[uuid.UUID][]approval.Decision{},
		history:   map[uuid.UUID][]approval.HistoryEvent{},
		reminders: map[uuid.UUID][]approval.Reminder{},
	}
}

// -----------------------------------------------------------------------------
// workflows

func (m *Approval) CreateWorkflow(_ context.Context, w *approval.WorkflowConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[w.ID] = *w
	return nil
}

func (m *Approval) UpdateWorkflow(_ context.Context, w *approval.WorkflowConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[w.ID]; !ok {
		return approval.ErrNotFound
	}
	m.workflows[w.ID] = *w
	return nil
}

func (m *Approval) GetWorkflow(_ context.Context, id uuid.UUID) (*approval.WorkflowConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return &w, nil
}

func (m *Approval) ListWorkflows(_ context.Context, entityType string, activeOnly bool) ([]approval.WorkflowConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []approval.WorkflowConfig
	for _, w := range m.workflows {
		if w.EntityType != entityType {
			continue
		}
		if activeOnly && !w.IsActive {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// -----------------------------------------------------------------------------
// requests

func (m *Approval) CreateRequest(_ context.Context, r *approval.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *Approval) UpdateRequest(_ context.Context, r *approval.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return approval.ErrNotFound
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *Approval) GetRequest(_ context.Context, id uuid.UUID) (*approval.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	cp := cloneRequest(&r)
	return &cp, nil
}

func (m *Approval) PendingRequestForEntity(_ context.Context, entityType string, entityID uuid.UUID) (*approval.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.EntityType == entityType && r.EntityID == entityID && r.Status == approval.StatusPending {
			cp := cloneRequest(&r)
			return &cp, nil
		}
	}
	return nil, approval.ErrNotFound
}

func (m *Approval) ListRequestsByRequester(_ context.Context, requesterID uuid.UUID) ([]approval.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []approval.Request
	for _, r := range m.requests {
		if r.RequesterID == requesterID {
			out = append(out, cloneRequest(&r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Approval) ExpiredPending(_ context.Context, now time.Time, limit int) ([]approval.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []approval.Request
	for _, r := range m.requests {
		if r.Status != approval.StatusPending || r.ExpiredActionTaken || r.ExpiresAt == nil {
			continue
		}
		if r.ExpiresAt.After(now) {
			continue
		}
		out = append(out, cloneRequest(&r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Approval) TerminalRequestsBefore(_ context.Context, cutoff time.Time, limit int) ([]approval.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []approval.Request
	for _, r := range m.requests {
		if !r.Status.Terminal() {
			continue
		}
		ref := r.CreatedAt
		if r.ResolvedAt != nil {
			ref = *r.ResolvedAt
		}
		if !ref.Before(cutoff) {
			continue
		}
		out = append(out, cloneRequest(&r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Approval) DeleteRequestCascade(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	delete(m.decisions, id)
	delete(m.history, id)
	delete(m.reminders, id)
	return nil
}

// -----------------------------------------------------------------------------
// decisions

func (m *Approval) CreateDecisions(_ context.Context, ds []approval.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range ds {
		m.decisions[d.RequestID] = append(m.decisions[d.RequestID], d)
	}
	return nil
}

func (m *Approval) UpdateDecision(_ context.Context, d *approval.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.decisions[d.RequestID]
	for i := range rows {
		if rows[i].ID == d.ID {
			rows[i] = *d
			return nil
		}
	}
	return approval.ErrNotFound
}

func (m *Approval) DecisionsForRequest(_ context.Context, requestID uuid.UUID) ([]approval.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.decisions[requestID]
	out := make([]approval.Decision, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *Approval) PendingDecisionsForApprover(_ context.Context, approverID uuid.UUID) ([]approval.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []approval.Decision
	for _, rows := range m.decisions {
		for _, d := range rows {
			if d.ApproverID == approverID && !d.Decided() {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (m *Approval) DeletePendingDecisions(_ context.Context, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.decisions[requestID]
	kept := rows[:0]
	for _, d := range rows {
		if d.Decided() {
			kept = append(kept, d)
		}
	}
	m.decisions[requestID] = kept
	return nil
}

// -----------------------------------------------------------------------------
// history

func (m *Approval) AppendHistory(_ context.Context, e *approval.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[e.RequestID] = append(m.history[e.RequestID], *e)
	return nil
}

func (m *Approval) HistoryForRequest(_ context.Context, requestID uuid.UUID) ([]approval.HistoryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.history[requestID]
	out := make([]approval.HistoryEvent, len(rows))
	copy(out, rows)
	return out, nil
}

// -----------------------------------------------------------------------------
// reminders

func (m *Approval) CreateReminders(_ context.Context, rs []approval.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.reminders[r.RequestID] = append(m.reminders[r.RequestID], r)
	}
	return nil
}

func (m *Approval) DueReminders(_ context.Context, now time.Time, limit int) ([]approval.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []approval.Reminder
	for _, rows := range m.reminders {
		for _, r := range rows {
			if !r.Sent && !r.ScheduledAt.After(now) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Approval) MarkReminderSent(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for reqID, rows := range m.reminders {
		for i := range rows {
			if rows[i].ID == id {
				rows[i].Sent = true
				rows[i].SentAt = &at
				m.reminders[reqID] = rows
				return nil
			}
		}
	}
	return approval.ErrNotFound
}

func (m *Approval) DeleteRemindersForRequest(_ context.Context, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reminders, requestID)
	return nil
}

// -----------------------------------------------------------------------------
// transactions

// WithTx simulates a transaction: snapshot, run fn against the same store,
// restore on error. Nested calls run inline.
func (m *Approval) WithTx(_ context.Context, fn func(approval.Store) error) error {
	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(&txView{parent: m}); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

type approvalSnapshot struct {
	workflows map[uuid.UUID]approval.WorkflowConfig
	requests  map[uuid.UUID]approval.Request
	decisions map[uuid.UUID][]approval.Decision
	history   map[uuid.UUID][]approval.HistoryEvent
	reminders map[uuid.UUID][]approval.Reminder
}

func (m *Approval) snapshot() approvalSnapshot {
	s := approvalSnapshot{
		workflows: make(map[uuid.UUID]approval.WorkflowConfig, len(m.workflows)),
		requests:  make(map[uuid.UUID]approval.Request, len(m.requests)),
		decisions: make(map[uuid.UUID][]approval.Decision, len(m.decisions)),
		history:   make(map[uuid.UUID][]approval.HistoryEvent, len(m.history)),
		reminders: make(map[uuid.UUID][]approval.Reminder, len(m.reminders)),
	}
	for k, v := range m.workflows {
		s.workflows[k] = v
	}
	for k, v := range m.requests {
		s.requests[k] = v
	}
	for k, v := range m.decisions {
		s.decisions[k] = append([]approval.Decision{}, v...)
	}
	for k, v := range m.history {
		s.history[k] = append([]approval.HistoryEvent{}, v...)
	}
	for k, v := range m.reminders {
		s.reminders[k] = append([]approval.Reminder{}, v...)
	}
	return s
}

func (m *Approval) restore(s approvalSnapshot) {
	m.workflows = s.workflows
	m.requests = s.requests
	m.decisions = s.decisions
	m.history = s.history
	m.reminders = s.reminders
}

// txView delegates to the parent store. Nested WithTx reuses the view so
// inner failures roll back with the outer transaction.
type txView struct {
	parent *Approval
}

func (tv *txView) WithTx(_ context.Context, fn func(approval.Store) error) error {
	return fn(tv)
}

func (tv *txView) CreateWorkflow(ctx context.Context, w *approval.WorkflowConfig) error {
	return tv.parent.CreateWorkflow(ctx, w)
}
func (tv *txView) UpdateWorkflow(ctx context.Context, w *approval.WorkflowConfig) error {
	return tv.parent.UpdateWorkflow(ctx, w)
}
func (tv *txView) GetWorkflow(ctx context.Context, id uuid.UUID) (*approval.WorkflowConfig, error) {
	return tv.parent.GetWorkflow(ctx, id)
}
func (tv *txView) ListWorkflows(ctx context.Context, entityType string, activeOnly bool) ([]approval.WorkflowConfig, error) {
	return tv.parent.ListWorkflows(ctx, entityType, activeOnly)
}
func (tv *txView) CreateRequest(ctx context.Context, r *approval.Request) error {
	return tv.parent.CreateRequest(ctx, r)
}
func (tv *txView) UpdateRequest(ctx context.Context, r *approval.Request) error {
	return tv.parent.UpdateRequest(ctx, r)
}
func (tv *txView) GetRequest(ctx context.Context, id uuid.UUID) (*approval.Request, error) {
	return tv.parent.GetRequest(ctx, id)
}
func (tv *txView) PendingRequestForEntity(ctx context.Context, entityType string, entityID uuid.UUID) (*approval.Request, error) {
	return tv.parent.PendingRequestForEntity(ctx, entityType, entityID)
}
func (tv *txView) ListRequestsByRequester(ctx context.Context, requesterID uuid.UUID) ([]approval.Request, error) {
	return tv.parent.ListRequestsByRequester(ctx, requesterID)
}
func (tv *txView) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]approval.Request, error) {
	return tv.parent.ExpiredPending(ctx, now, limit)
}
func (tv *txView) TerminalRequestsBefore(ctx context.Context, cutoff time.Time, limit int) ([]approval.Request, error) {
	return tv.parent.TerminalRequestsBefore(ctx, cutoff, limit)
}
func (tv *txView) DeleteRequestCascade(ctx context.Context, id uuid.UUID) error {
	return tv.parent.DeleteRequestCascade(ctx, id)
}
func (tv *txView) CreateDecisions(ctx context.Context, ds []approval.Decision) error {
	return tv.parent.CreateDecisions(ctx, ds)
}
func (tv *txView) UpdateDecision(ctx context.Context, d *approval.Decision) error {
	return tv.parent.UpdateDecision(ctx, d)
}
func (tv *txView) DecisionsForRequest(ctx context.Context, requestID uuid.UUID) ([]approval.Decision, error) {
	return tv.parent.DecisionsForRequest(ctx, requestID)
}
func (tv *txView) PendingDecisionsForApprover(ctx context.Context, approverID uuid.UUID) ([]approval.Decision, error) {
	return tv.parent.PendingDecisionsForApprover(ctx, approverID)
}
func (tv *txView) DeletePendingDecisions(ctx context.Context, requestID uuid.UUID) error {
	return tv.parent.DeletePendingDecisions(ctx, requestID)
}
func (tv *txView) AppendHistory(ctx context.Context, e *approval.HistoryEvent) error {
	return tv.parent.AppendHistory(ctx, e)
}
func (tv *txView) HistoryForRequest(ctx context.Context, requestID uuid.UUID) ([]approval.HistoryEvent, error) {
	return tv.parent.HistoryForRequest(ctx, requestID)
}
func (tv *txView) CreateReminders(ctx context.Context, rs []approval.Reminder) error {
	return tv.parent.CreateReminders(ctx, rs)
}
func (tv *txView) DueReminders(ctx context.Context, now time.Time, limit int) ([]approval.Reminder, error) {
	return tv.parent.DueReminders(ctx, now, limit)
}
func (tv *txView) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return tv.parent.MarkReminderSent(ctx, id, at)
}
func (tv *txView) DeleteRemindersForRequest(ctx context.Context, requestID uuid.UUID) error {
	return tv.parent.DeleteRemindersForRequest(ctx, requestID)
}

// cloneRequest deep-copies the metadata map so callers cannot mutate
// stored state through the returned struct.
func cloneRequest(r *approval.Request) approval.Request {
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
