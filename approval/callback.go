/*
callback.go - resolution callback

On resolution the engine POSTs the outcome to the request's callback_url.
The POST happens after the resolving transaction commits; a failure is
logged and recorded in history but never un-resolves the request. The
approval row is the source of truth and receivers must be idempotent.
*/
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CallbackTimeout is the hard deadline on the resolution POST.
const CallbackTimeout = 10 * time.Second

// DecisionSummary is the per-approver slice of the callback payload.
type DecisionSummary struct {
	ApproverID   uuid.UUID    `json:"approver_id"`
	ApproverName string       `json:"approver_name,omitempty"`
	Level        int          `json:"approval_level"`
	Decision     DecisionType `json:"decision,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	DecidedAt    *time.Time   `json:"decided_at,omitempty"`
}

// CallbackPayload is what the originating service receives on resolution.
type CallbackPayload struct {
	RequestID        uuid.UUID         `json:"request_id"`
	EntityType       string            `json:"entity_type"`
	EntityID         uuid.UUID         `json:"entity_id"`
	Status           Status            `json:"status"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes  string            `json:"resolution_notes,omitempty"`
	FinalDeciderID   *uuid.UUID        `json:"final_decider_id,omitempty"`
	ConditionType    string            `json:"condition_type,omitempty"`
	ConditionDetails string            `json:"condition_details,omitempty"`
	Decisions        []DecisionSummary `json:"decisions"`
}

// CallbackSender delivers resolution payloads. Production uses the HTTP
// sender; tests and single-process deployments may wire the receiver
// directly.
type CallbackSender interface {
	Send(ctx context.Context, url string, p CallbackPayload) error
}

// SenderFunc adapts a plain function to CallbackSender, the same way
// http.HandlerFunc adapts handlers. Single-process deployments use it to
// hand payloads straight to the receiving service without a network hop.
type SenderFunc func(ctx context.Context, url string, p CallbackPayload) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, url string, p CallbackPayload) error {
	return f(ctx, url, p)
}

// HTTPCallback POSTs payloads as JSON with the 10 second hard timeout.
type HTTPCallback struct {
	client *http.Client
	log    zerolog.Logger
}

func NewHTTPCallback(log zerolog.Logger) *HTTPCallback {
	return &HTTPCallback{
		client: &http.Client{Timeout: CallbackTimeout},
		log:    log.With().Str("component", "approval-callback").Logger(),
	}
}

func (h *HTTPCallback) Send(ctx context.Context, url string, p CallbackPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, CallbackTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	h.log.Debug().
		Str("url", url).
		Str("request_id", p.RequestID.String()).
		Str("status", string(p.Status)).
		Msg("callback delivered")
	return nil
}

// buildPayload assembles the callback payload from a resolved request and
// its decision rows.
func buildPayload(req *Request, decisions []Decision, finalDecider *uuid.UUID) CallbackPayload {
	p := CallbackPayload{
		RequestID:       req.ID,
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		Status:          req.Status,
		ResolvedAt:      req.ResolvedAt,
		ResolutionNotes: req.ResolutionNotes,
		FinalDeciderID:  finalDecider,
	}
	if req.Metadata != nil {
		p.ConditionType = req.Metadata[MetaConditionType]
		p.ConditionDetails = req.Metadata[MetaConditionDetails]
	}
	for _, d := range decisions {
		p.Decisions = append(p.Decisions, DecisionSummary{
			ApproverID:   d.ApproverID,
			ApproverName: d.ApproverName,
			Level:        d.Level,
			Decision:     d.Decision,
			Notes:        d.Notes,
			DecidedAt:    d.DecidedAt,
		})
	}
	return p
}
