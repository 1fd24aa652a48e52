/*
balances.go - Per-user views and admin balance operations

ENDPOINTS:
  User views:
    GET    /api/v1/users/{id}/balance?year=        Bucket summary
    GET    /api/v1/users/{id}/transactions?year=   Ledger history
    GET    /api/v1/users/{id}/leaves?year=         Leave requests

  Admin:
    POST   /api/v1/admin/balances/accrue     Grant entitlement to a bucket
    POST   /api/v1/admin/balances/adjust     Signed manual correction
    POST   /api/v1/admin/balances/carryover  Roll leftover vacation to AP
    POST   /api/v1/admin/jobs/{name}/run     Trigger a background job now

The year defaults to the current one. Grants go through the ledger, so
they land in the audit trail and the snapshot cross-check like any other
movement.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kronos-wfm/kronos-core/jobs"
	"github.com/kronos-wfm/kronos-core/ledger"
)

// =============================================================================
// USER VIEW HANDLERS
// =============================================================================

// GetBalance returns the per-bucket balance summary for ?year= (default:
// current year). Users without ledger activity get a zeroed summary.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	year := queryInt(r, "year", time.Now().UTC().Year())
	snap, err := h.Balances.Balance(r.Context(), userID, year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceSummaryDTO(snap))
}

// GetTransactions returns a user's ledger entries for ?year= (default:
// current year), oldest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	year := queryInt(r, "year", time.Now().UTC().Year())
	txs, err := h.Balances.Transactions(r.Context(), userID, year)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// ListUserLeaves returns a user's leave requests, newest first. ?year=
// narrows to requests starting that year; 0 or absent means all.
func (h *Handler) ListUserLeaves(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	reqs, err := h.Leaves.ListByUser(r.Context(), userID, queryInt(r, "year", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AccrueBalance grants entitlement to one bucket.
func (h *Handler) AccrueBalance(w http.ResponseWriter, r *http.Request) {
	h.grant(w, r, h.Balances.Accrue)
}

// AdjustBalance applies a signed manual correction to one bucket.
func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	h.grant(w, r, h.Balances.Adjust)
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, in ledger.GrantInput) (*ledger.Transaction, error)) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body GrantRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id", err)
		return
	}
	tx, err := op(r.Context(), ledger.GrantInput{
		UserID:  userID,
		Year:    body.Year,
		Bucket:  ledger.BalanceType(body.Bucket),
		Days:    decimal.NewFromFloat(body.Days),
		ActorID: actor,
		Note:    body.Note,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// TriggerCarryOver rolls one user's leftover vacation into next year's AP
// bucket. Reruns for the same (user, year) are rejected by the ledger's
// idempotency keys.
func (h *Handler) TriggerCarryOver(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var body CarryOverRequest
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user_id", err)
		return
	}
	in := ledger.CarryOverInput{
		UserID:   userID,
		FromYear: body.FromYear,
		ActorID:  actor,
	}
	if body.Expiry != "" {
		expiry, err := parseDay(body.Expiry)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expiry", err)
			return
		}
		in.Expiry = &expiry
	}
	txs, err := h.Balances.CarryOver(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, txs)
}

// RunJob triggers one background job outside its schedule.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "job scheduler not enabled", nil)
		return
	}
	name := chi.URLParam(r, "name")
	processed, err := h.Jobs.Run(r.Context(), name)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "unknown job", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "job run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, JobRunDTO{Job: name, Processed: processed})
}
