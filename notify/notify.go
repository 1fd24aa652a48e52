/*
Package notify is the outbound notification seam.

Core operations fire notifications on a best-effort basis: a send failure
is logged by the caller and never rolls back the business mutation that
triggered it. Production plugs a mail or chat gateway behind Notifier;
tests use Buffer to assert on what would have gone out.
*/
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types carried by notifications.
const (
	EventApprovalRequested    = "approval_requested"
	EventApprovalReminder     = "approval_reminder"
	EventApprovalEscalated    = "approval_escalated"
	EventRequestApproved      = "request_approved"
	EventRequestConditional   = "request_approved_conditional"
	EventRequestRejected      = "request_rejected"
	EventRequestExpired       = "request_expired"
	EventRequestCancelled     = "request_cancelled"
	EventRequestRecalled      = "request_recalled"
	EventConditionAnswered    = "condition_answered"
	EventSicknessConversion   = "sickness_conversion"
	EventDelegated            = "approval_delegated"
	EventBalanceExpired       = "balance_expired"
	EventClosureRecalculation = "closure_recalculation"

	EventLeaveSubmitted        = "leave_submitted"
	EventLeaveReopened         = "leave_reopened"
	EventLeaveRevoked          = "leave_revoked"
	EventVoluntaryWorkRequest  = "voluntary_work_request"
	EventVoluntaryWorkApproved = "voluntary_work_approved"
	EventVoluntaryWorkRejected = "voluntary_work_rejected"
)

// Notification is one outbound message.
type Notification struct {
	Type        string            `json:"type"`
	RecipientID uuid.UUID         `json:"recipient_id"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// =============================================================================
// IMPLEMENTATIONS
// =============================================================================

// Logger writes notifications to the structured log. Default in demo mode.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "notify").Logger()}
}

func (l *Logger) Send(_ context.Context, n Notification) error {
	l.log.Info().
		Str("type", n.Type).
		Str("recipient_id", n.RecipientID.String()).
		Str("subject", n.Subject).
		Msg("notification")
	return nil
}

// Buffer collects notifications in memory. Test double.
type Buffer struct {
	mu   sync.Mutex
	sent []Notification
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Send(_ context.Context, n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, n)
	return nil
}

// All returns a copy of everything sent so far.
func (b *Buffer) All() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Notification, len(b.sent))
	copy(out, b.sent)
	return out
}

// ByType filters sent notifications by event type.
func (b *Buffer) ByType(t string) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Notification
	for _, n := range b.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// ForRecipient filters sent notifications by recipient.
func (b *Buffer) ForRecipient(id uuid.UUID) []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Notification
	for _, n := range b.sent {
		if n.RecipientID == id {
			out = append(out, n)
		}
	}
	return out
}
