/*
handlers.go - Leave lifecycle HTTP handlers

PURPOSE:
  Exposes the leave type catalog and the leave request lifecycle over
  REST. Handles HTTP request/response and JSON serialization, then
  delegates to leave.Service; no business rules live here.

ENDPOINTS:
  Leave types:
    GET    /api/v1/leave-types                 List types
    POST   /api/v1/leave-types                 Create type
    PUT    /api/v1/leave-types/{id}            Update type

  Leaves:
    POST   /api/v1/leaves                      Create draft
    GET    /api/v1/leaves/{id}                 Get request
    PUT    /api/v1/leaves/{id}                 Modify approved dates
    POST   /api/v1/leaves/{id}/submit          Run policies, start approval
    POST   /api/v1/leaves/{id}/validate        Dry-run the policy chain
    POST   /api/v1/leaves/{id}/cancel          Cancel (draft/pending/approved)
    POST   /api/v1/leaves/{id}/revoke          Withdraw while pending
    POST   /api/v1/leaves/{id}/reopen          Rejected/cancelled back to draft
    POST   /api/v1/leaves/{id}/condition/*     Accept or decline a condition
    POST   /api/v1/leaves/{id}/recall          Recall from a date
    POST   /api/v1/leaves/{id}/recall/partial  Refund named days
    POST   /api/v1/leaves/{id}/sickness        Convert days to sickness
    POST   /api/v1/leaves/{id}/voluntary-work  File a conversion request
    GET    /api/v1/leaves/{id}/interruptions   List children
    GET    /api/v1/leaves/{id}/transactions    Ledger entries of the request
    POST   /api/v1/interruptions/{id}/decide   Decide voluntary work

  Internal:
    POST   /leaves/internal/approval-callback  Approval engine outcome

IDENTITY:
  The acting user arrives in the X-User-ID header. Mutating endpoints
  reject requests without it; ownership and admin rules are enforced by
  the services.

ERROR HANDLING:
  Domain errors map to HTTP status in writeDomainError:
  - 400: malformed body, ids or dates; invalid workflow/create input
  - 403: requester-only or approver-only operation by someone else
  - 404: unknown request, type, workflow or calendar entity
  - 409: overlaps, duplicate approvals, wrong-state transitions
  - 422: policy validation failures and business rule violations
  - 500: everything else

SEE ALSO:
  - dto.go: Request body shapes
  - approvals.go, calendars.go, balances.go: The other handler groups
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// LEAVE TYPE HANDLERS
// =============================================================================

// ListLeaveTypes returns the type catalog. ?active=true hides retired types.
func (h *Handler) ListLeaveTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	types, err := h.Leaves.Types(r.Context(), activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

// CreateLeaveType creates a leave type.
func (h *Handler) CreateLeaveType(w http.ResponseWriter, r *http.Request) {
	var t leave.Type
	if err := decode(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	created, err := h.Leaves.CreateType(r.Context(), &t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateLeaveType updates a leave type in place.
func (h *Handler) UpdateLeaveType(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var t leave.Type
	if err := decode(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	t.ID = id
	updated, err := h.Leaves.UpdateType(r.Context(), &t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// =============================================================================
// LEAVE LIFECYCLE HANDLERS
// =============================================================================

// CreateLeave creates a DRAFT leave request.
func (h *Handler) CreateLeave(w http.ResponseWriter, r *http.Request) {
	var body CreateLeaveRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id", err)
		return
	}
	typeID, err := optionalUUID(body.TypeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid type_id", err)
		return
	}
	start, end, ok := dayRange(w, body.StartDate, body.EndDate)
	if !ok {
		return
	}
	req, err := h.Leaves.Create(r.Context(), leave.CreateInput{
		UserID:         userID,
		TypeID:         typeID,
		TypeCode:       body.TypeCode,
		StartDate:      start,
		EndDate:        end,
		StartHalfDay:   body.StartHalfDay,
		EndHalfDay:     body.EndHalfDay,
		Reason:         body.Reason,
		ProtocolNumber: body.ProtocolNumber,
		Location:       body.Location,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetLeave returns a single leave request.
func (h *Handler) GetLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.Leaves.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// SubmitLeave runs the policy chain and either auto-approves or opens an
// approval request. The response carries the resulting status.
func (h *Handler) SubmitLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := h.Leaves.Submit(r.Context(), id, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ValidateLeave dry-runs the policy chain without changing anything.
func (h *Handler) ValidateLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.Leaves.Validate(r.Context(), id, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelLeave cancels a request and restores any deducted balance.
func (h *Handler) CancelLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body ReasonRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req, err := h.Leaves.Cancel(r.Context(), id, actor, body.Reason, body.Admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// RevokeLeave withdraws a pending request and aborts its approval.
func (h *Handler) RevokeLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body ReasonRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req, err := h.Leaves.Revoke(r.Context(), id, actor, body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ReopenLeave puts a rejected or cancelled request back into DRAFT.
func (h *Handler) ReopenLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := h.Leaves.Reopen(r.Context(), id, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ModifyLeave changes the dates of an approved request and settles the
// working-day delta through the ledger.
func (h *Handler) ModifyLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body ModifyLeaveRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	start, end, ok := dayRange(w, body.StartDate, body.EndDate)
	if !ok {
		return
	}
	req, err := h.Leaves.ModifyApproved(r.Context(), id, actor, leave.ModifyInput{
		StartDate:    start,
		EndDate:      end,
		StartHalfDay: body.StartHalfDay,
		EndHalfDay:   body.EndHalfDay,
		Reason:       body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// AcceptCondition accepts the condition of an APPROVED_CONDITIONAL request.
func (h *Handler) AcceptCondition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	req, err := h.Leaves.AcceptCondition(r.Context(), id, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// DeclineCondition declines the condition; the request ends CANCELLED and
// the balance comes back.
func (h *Handler) DeclineCondition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body ReasonRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req, err := h.Leaves.DeclineCondition(r.Context(), id, actor, body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// =============================================================================
// INTERRUPTION HANDLERS
// =============================================================================

// RecallLeave terminates an in-flight approved leave from the given date.
func (h *Handler) RecallLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body RecallLeaveRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	recallDate, err := parseDay(body.RecallDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recall_date", err)
		return
	}
	req, err := h.Leaves.Recall(r.Context(), leave.RecallInput{
		RequestID:  id,
		ActorID:    actor,
		RecallDate: recallDate,
		Reason:     body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// PartialRecallLeave refunds the named days without ending the leave.
func (h *Handler) PartialRecallLeave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body DaysRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	days, err := parseDays(body.Days)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid days", err)
		return
	}
	itr, err := h.Leaves.PartialRecall(r.Context(), leave.PartialRecallInput{
		RequestID: id,
		ActorID:   actor,
		Days:      days,
		Reason:    body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itr)
}

// ReportSickness converts part of an approved leave into certified
// sickness and restores the affected working days.
func (h *Handler) ReportSickness(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body SicknessRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	start, end, ok := dayRange(w, body.StartDate, body.EndDate)
	if !ok {
		return
	}
	itr, err := h.Leaves.ReportSickness(r.Context(), leave.SicknessInput{
		RequestID:      id,
		ActorID:        actor,
		StartDate:      start,
		EndDate:        end,
		ProtocolNumber: body.ProtocolNumber,
		Reason:         body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itr)
}

// RequestVoluntaryWork files a conversion request for the named days.
// Balance moves only when a manager approves it.
func (h *Handler) RequestVoluntaryWork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body DaysRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	days, err := parseDays(body.Days)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid days", err)
		return
	}
	itr, err := h.Leaves.RequestVoluntaryWork(r.Context(), leave.VoluntaryWorkInput{
		RequestID: id,
		ActorID:   actor,
		Days:      days,
		Reason:    body.Reason,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, itr)
}

// ListInterruptions lists a request's interruption children.
func (h *Handler) ListInterruptions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	itrs, err := h.Leaves.Interruptions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itrs)
}

// ListLeaveTransactions lists the ledger entries tied to a request.
func (h *Handler) ListLeaveTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	txs, err := h.Balances.TransactionsForRequest(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// DecideInterruption approves or rejects a voluntary work request.
func (h *Handler) DecideInterruption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body DecideInterruptionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	itr, err := h.Leaves.DecideVoluntaryWork(r.Context(), id, actor, body.Approve)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, itr)
}

// =============================================================================
// APPROVAL CALLBACK RECEIVER
// =============================================================================

// ApprovalCallback receives the approval engine's resolution payload and
// applies the outcome to the leave request. Replays of already-applied
// outcomes are acknowledged without effect.
func (h *Handler) ApprovalCallback(w http.ResponseWriter, r *http.Request) {
	var p approval.CallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload", err)
		return
	}
	if err := h.Leaves.HandleApprovalOutcome(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps service errors onto HTTP statuses. Anything not
// recognized is a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		overlap    *leave.OverlapError
		transition *leave.TransitionError
		rule       *leave.RuleError
		validation *leave.ValidationError
		conflict   *approval.ConflictError
		badInput   *approval.ValidationError
		balance    *ledger.InsufficientBalanceError
	)
	switch {
	case errors.Is(err, leave.ErrNotFound),
		errors.Is(err, leave.ErrTypeNotFound),
		errors.Is(err, leave.ErrInterruptionNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, calendar.ErrNotFound),
		errors.Is(err, ledger.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "not found", err)

	case errors.As(err, &overlap):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "overlapping leave request",
			Details: map[string]string{"conflicting_id": overlap.ConflictingID.String()},
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "entity already has a pending approval",
			Details: map[string]string{"existing_id": conflict.ExistingID.String()},
		})
	case errors.As(err, &transition),
		errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, approval.ErrNotYourTurn),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, "conflicting state", err)

	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: "validation failed",
			Details: map[string]any{
				"errors":   validation.Errors,
				"warnings": validation.Warnings,
			},
		})
	case errors.As(err, &rule),
		errors.As(err, &balance),
		errors.Is(err, approval.ErrNoWorkflowConfigured),
		errors.Is(err, calendar.ErrInvalidRange):
		writeError(w, http.StatusUnprocessableEntity, "business rule violation", err)

	case errors.Is(err, leave.ErrNotOwner),
		errors.Is(err, approval.ErrNotAnApprover),
		errors.Is(err, approval.ErrNotRequester):
		writeError(w, http.StatusForbidden, "forbidden", err)

	case errors.As(err, &badInput):
		writeError(w, http.StatusBadRequest, "invalid input", err)

	default:
		writeError(w, http.StatusInternalServerError, "internal error", err)
	}
}

func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// pathUUID parses the named chi URL parameter; on failure it writes a 400
// and returns ok=false.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name, err)
		return uuid.Nil, false
	}
	return id, true
}

// requireActor pulls the acting user from X-User-ID. Mutations without an
// identity are rejected.
func requireActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil || id == uuid.Nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid X-User-ID header", nil)
		return uuid.Nil, false
	}
	return id, true
}

// parseDay parses a "2006-01-02" calendar date (midnight UTC).
func parseDay(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

func parseDays(ss []string) ([]time.Time, error) {
	days := make([]time.Time, len(ss))
	for i, s := range ss {
		d, err := parseDay(s)
		if err != nil {
			return nil, err
		}
		days[i] = d
	}
	return days, nil
}

// dayRange parses a start/end date pair; on failure it writes a 400 and
// returns ok=false.
func dayRange(w http.ResponseWriter, startStr, endStr string) (start, end time.Time, ok bool) {
	start, err := parseDay(startStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date", err)
		return start, end, false
	}
	end, err = parseDay(endStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date", err)
		return start, end, false
	}
	return start, end, true
}

// optionalUUID parses s when present; empty means uuid.Nil.
func optionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
