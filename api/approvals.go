/*
approvals.go - Workflow configuration and approval request handlers

ENDPOINTS:
  Workflows:
    GET    /api/v1/workflows?entity_type=&active=  List configs
    POST   /api/v1/workflows                       Create config
    GET    /api/v1/workflows/{id}                  Get config
    PUT    /api/v1/workflows/{id}                  Update config

  Approvals:
    POST   /api/v1/approvals                 Open a request (any entity type)
    GET    /api/v1/approvals/pending         Caller's work queue
    GET    /api/v1/approvals/mine            Caller's own requests
    GET    /api/v1/approvals/{id}            Get request
    POST   /api/v1/approvals/{id}/decide     Approve/reject/delegate
    POST   /api/v1/approvals/{id}/cancel     Requester withdraws
    GET    /api/v1/approvals/{id}/decisions  Decision slots and verdicts
    GET    /api/v1/approvals/{id}/history    Audit trail of the request

Leave submissions open their approval through the leave service, not here;
this surface exists for other entity types and for back office tooling.
*/
package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/approval"
)

// =============================================================================
// WORKFLOW HANDLERS
// =============================================================================

// ListWorkflows lists workflow configs, optionally filtered by entity type
// and active flag.
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	activeOnly := r.URL.Query().Get("active") == "true"
	wfs, err := h.Engine.Workflows(r.Context(), entityType, activeOnly)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wfs)
}

// CreateWorkflow creates a workflow config. The condition expression is
// compiled here so a bad config never reaches selection.
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf approval.WorkflowConfig
	if err := decode(r, &wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := h.Engine.CreateWorkflow(r.Context(), &wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow returns one workflow config.
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	wf, err := h.Engine.Workflow(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// UpdateWorkflow replaces a workflow config in place.
func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var wf approval.WorkflowConfig
	if err := decode(r, &wf); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	wf.ID = id
	if err := h.Engine.UpdateWorkflow(r.Context(), &wf); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// =============================================================================
// APPROVAL REQUEST HANDLERS
// =============================================================================

// CreateApproval opens an approval request for an arbitrary entity.
func (h *Handler) CreateApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body CreateApprovalRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	entityID, err := uuid.Parse(body.EntityID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entity_id", err)
		return
	}
	in := approval.CreateRequestInput{
		EntityType:  body.EntityType,
		EntityID:    entityID,
		RequesterID: actor,
		Title:       body.Title,
		Description: body.Description,
		Metadata:    body.Metadata,
		EntityData:  body.EntityData,
		CallbackURL: body.CallbackURL,
	}
	if body.WorkflowID != "" {
		wfID, err := uuid.Parse(body.WorkflowID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid workflow_id", err)
			return
		}
		in.WorkflowID = &wfID
	}
	for _, a := range body.Approvers {
		id, err := uuid.Parse(a)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid approver id", err)
			return
		}
		in.Approvers = append(in.Approvers, id)
	}
	req, err := h.Engine.CreateRequest(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// GetApproval returns one approval request.
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.Engine.Request(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// DecideApproval records the caller's verdict on a request.
func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body DecideApprovalRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	in := approval.DecideInput{
		RequestID:        id,
		ApproverID:       actor,
		Decision:         approval.DecisionType(body.Decision),
		Notes:            body.Notes,
		ConditionType:    body.ConditionType,
		ConditionDetails: body.ConditionDetails,
		AdminOverride:    body.AdminOverride,
		ActorID:          actor,
	}
	if body.DelegateTo != "" {
		delegate, err := uuid.Parse(body.DelegateTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid delegate_to", err)
			return
		}
		in.DelegateTo = &delegate
	}
	req, err := h.Engine.Decide(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelApproval withdraws a pending request. Only the requester may do
// this unless the admin flag is set.
func (h *Handler) CancelApproval(w http.ResponseWriter, r *http.Request) {
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
	req, err := h.Engine.Cancel(r.Context(), id, actor, body.Reason, body.Admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ListApprovalDecisions lists the decision slots of a request.
func (h *Handler) ListApprovalDecisions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	decisions, err := h.Engine.Decisions(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

// GetApprovalHistory returns the request's event trail.
func (h *Handler) GetApprovalHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.Engine.History(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ListPendingApprovals returns the caller's approval work queue.
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	reqs, err := h.Engine.PendingForApprover(r.Context(), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// ListMyApprovals returns the requests the caller opened, newest first.
func (h *Handler) ListMyApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	reqs, err := h.Engine.RequestsByRequester(r.Context(), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}
