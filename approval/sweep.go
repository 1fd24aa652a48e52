/*
sweep.go - scheduler-driven maintenance

PURPOSE:
  The three periodic passes over approval state: expiration handling,
  reminder dispatch, and retention cleanup. Each pass works a chunk of at
  most SweepChunk rows per tick and is idempotent, so an overlapping or
  retried tick cannot double-fire.

KEY CONCEPTS:
  - expired_action_taken gates expiration: every branch sets it, so a
    request is acted on at most once.
  - ESCALATE re-assigns in the same transaction: pending slots are replaced
    with the escalation role's users, the expiry window restarts and the
    request returns to PENDING. When the role resolves to nobody the
    request parks in ESCALATED for operations.
  - is_sent gates reminders; a reminder for a request that already left
    PENDING is deleted, not sent.
*/
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/notify"
)

// SweepChunk bounds the rows one sweep tick processes.
const SweepChunk = 100

// DefaultRetentionDays is how long resolved requests are kept before the
// cleanup job removes them.
const DefaultRetentionDays = 730

// ProcessExpirations applies each overdue request's expiration action.
// Returns the number of requests acted on. Per-request failures are logged
// and the sweep continues.
func (e *Engine) ProcessExpirations(ctx context.Context, now time.Time) (int, error) {
	reqs, err := e.store.ExpiredPending(ctx, now, SweepChunk)
	if err != nil {
		return 0, err
	}
	processed := 0
	for i := range reqs {
		if err := e.expireOne(ctx, reqs[i].ID, now); err != nil {
			e.log.Error().Err(err).
				Str("request_id", reqs[i].ID.String()).
				Msg("expiration handling failed, continuing sweep")
			continue
		}
		processed++
	}
	return processed, nil
}

func (e *Engine) expireOne(ctx context.Context, requestID uuid.UUID, now time.Time) error {
	var (
		req          *Request
		resolved     bool
		payload      CallbackPayload
		notifyIDs    []uuid.UUID
		notifyEvent  string
		escalated    bool
		escalatedTo  []candidate
		escalateFail bool
	)
	err := e.store.WithTx(ctx, func(s Store) error {
		var err error
		req, err = s.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		// Re-check under the row lock: a decision may have raced the sweep.
		if req.Status != StatusPending || req.ExpiredActionTaken ||
			req.ExpiresAt == nil || req.ExpiresAt.After(now) {
			return nil
		}
		w, err := s.GetWorkflow(ctx, req.WorkflowConfigID)
		if err != nil {
			return err
		}
		decisions, err := s.DecisionsForRequest(ctx, req.ID)
		if err != nil {
			return err
		}

		req.ExpiredActionTaken = true
		req.UpdatedAt = now

		switch w.ExpirationAction {
		case ExpireReject:
			req.Status = StatusExpired
			req.ResolvedAt = &now
			req.ResolutionNotes = "auto-expired"
			if err := s.DeleteRemindersForRequest(ctx, req.ID); err != nil {
				return err
			}
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryExpired, uuid.Nil, ActorScheduler, map[string]string{
				"action": string(ExpireReject),
			})); err != nil {
				return err
			}
			resolved = true
			payload = buildPayload(req, decisions, nil)

		case ExpireAutoApprove:
			// Never APPROVED_CONDITIONAL: nobody attached a condition.
			req.Status = StatusApproved
			req.ResolvedAt = &now
			req.ResolutionNotes = "auto-approved on expiration"
			if err := s.DeleteRemindersForRequest(ctx, req.ID); err != nil {
				return err
			}
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryExpired, uuid.Nil, ActorScheduler, map[string]string{
				"action": string(ExpireAutoApprove),
			})); err != nil {
				return err
			}
			resolved = true
			payload = buildPayload(req, decisions, nil)

		case ExpireEscalate:
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryEscalated, uuid.Nil, ActorScheduler, map[string]string{
				"escalation_role": w.EscalationRoleID,
			})); err != nil {
				return err
			}
			users, derr := e.withDirRetry(ctx, func() ([]directory.User, error) {
				return e.dir.UsersInRole(ctx, w.EscalationRoleID)
			})
			if derr != nil || len(users) == 0 {
				// Nobody to escalate to: park the request.
				escalateFail = true
				req.Status = StatusEscalated
				if err := s.DeleteRemindersForRequest(ctx, req.ID); err != nil {
					return err
				}
				return s.UpdateRequest(ctx, req)
			}
			escalatedTo = candidates(users, sourceEscalation)
			if err := s.DeletePendingDecisions(ctx, req.ID); err != nil {
				return err
			}
			rows := make([]Decision, 0, len(escalatedTo))
			for _, c := range escalatedTo {
				rows = append(rows, Decision{
					ID:           uuid.New(),
					RequestID:    req.ID,
					ApproverID:   c.ID,
					ApproverName: c.Name,
					ApproverRole: c.Role,
					Level:        req.CurrentLevel,
					AssignedAt:   now,
				})
			}
			if err := s.CreateDecisions(ctx, rows); err != nil {
				return err
			}
			all, err := s.DecisionsForRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			req.RequiredApprovals = w.Mode.RequiredApprovals(len(all))
			exp := now.Add(time.Duration(w.ExpirationHours) * time.Hour)
			req.ExpiresAt = &exp
			req.ExpiredActionTaken = false
			if err := s.DeleteRemindersForRequest(ctx, req.ID); err != nil {
				return err
			}
			if rems := buildReminders(w, req, rows, now); len(rems) > 0 {
				if err := s.CreateReminders(ctx, rems); err != nil {
					return err
				}
			}
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryReassigned, uuid.Nil, ActorScheduler, map[string]string{
				"count": fmt.Sprint(len(rows)),
			})); err != nil {
				return err
			}
			escalated = true

		case ExpireNotifyOnly:
			for _, d := range decisions {
				if !d.Decided() {
					notifyIDs = append(notifyIDs, d.ApproverID)
				}
			}
			notifyEvent = notify.EventApprovalReminder
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryNotified, uuid.Nil, ActorScheduler, nil)); err != nil {
				return err
			}

		default:
			// No action configured: just record that the window passed.
			if err := s.AppendHistory(ctx, e.event(req.ID, HistoryExpired, uuid.Nil, ActorScheduler, map[string]string{
				"action": "NONE",
			})); err != nil {
				return err
			}
		}
		return s.UpdateRequest(ctx, req)
	})
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	if resolved {
		e.deliverCallback(ctx, req, payload)
		e.notifyRequesterOutcome(ctx, req)
	}
	if escalated {
		for _, c := range escalatedTo {
			e.notify(ctx, notify.Notification{
				Type:        notify.EventApprovalEscalated,
				RecipientID: c.ID,
				Subject:     req.Title,
				Body:        fmt.Sprintf("Approval for %s was escalated to you", req.Title),
				Meta:        map[string]string{"request_id": req.ID.String()},
			})
		}
	}
	if escalateFail {
		e.log.Warn().
			Str("request_id", req.ID.String()).
			Msg("escalation role resolved to nobody, request parked in ESCALATED")
	}
	for _, id := range notifyIDs {
		e.notify(ctx, notify.Notification{
			Type:        notifyEvent,
			RecipientID: id,
			Subject:     req.Title,
			Body:        fmt.Sprintf("Approval for %s is overdue", req.Title),
			Meta:        map[string]string{"request_id": req.ID.String()},
		})
	}
	return nil
}

// DispatchReminders sends due reminders for requests still PENDING and
// marks them sent. Returns the number delivered.
func (e *Engine) DispatchReminders(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.DueReminders(ctx, now, SweepChunk)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range due {
		req, err := e.store.GetRequest(ctx, r.RequestID)
		if err != nil {
			e.log.Warn().Err(err).Str("reminder_id", r.ID.String()).Msg("reminder without request, dropping")
			if err := e.store.MarkReminderSent(ctx, r.ID, now); err != nil {
				e.log.Error().Err(err).Msg("marking orphan reminder failed")
			}
			continue
		}
		if req.Status != StatusPending {
			// Leftovers from a resolution race. Clear them all at once.
			if err := e.store.DeleteRemindersForRequest(ctx, req.ID); err != nil {
				e.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("deleting stale reminders failed")
			}
			continue
		}
		e.notify(ctx, notify.Notification{
			Type:        notify.EventApprovalReminder,
			RecipientID: r.ApproverID,
			Subject:     req.Title,
			Body:        reminderBody(r.Type, req),
			Meta: map[string]string{
				"request_id":    req.ID.String(),
				"reminder_type": string(r.Type),
			},
		})
		if err := e.store.MarkReminderSent(ctx, r.ID, now); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func reminderBody(t ReminderType, req *Request) string {
	if t == ReminderFinal && req.ExpiresAt != nil {
		return fmt.Sprintf("Last call: approval for %s expires at %s", req.Title, req.ExpiresAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("Approval for %s is waiting for your decision", req.Title)
}

// CleanupOldRequests removes terminal requests older than the retention
// window, children included. Returns the number removed this tick.
func (e *Engine) CleanupOldRequests(ctx context.Context, now time.Time, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	reqs, err := e.store.TerminalRequestsBefore(ctx, cutoff, SweepChunk)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, r := range reqs {
		if err := e.store.DeleteRequestCascade(ctx, r.ID); err != nil {
			e.log.Error().Err(err).Str("request_id", r.ID.String()).Msg("cleanup delete failed, continuing")
			continue
		}
		removed++
	}
	if removed > 0 {
		e.log.Info().Int("removed", removed).Time("cutoff", cutoff).Msg("old approval requests cleaned up")
	}
	return removed, nil
}
