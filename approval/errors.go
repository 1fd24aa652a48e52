package approval

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by stores when the row does not exist.
	ErrNotFound = errors.New("approval: not found")

	// ErrNoWorkflowConfigured means selection found no matching workflow
	// and no default for the entity type. Fatal for the create.
	ErrNoWorkflowConfigured = errors.New("approval: no workflow configured for entity type")

	// ErrNotPending rejects decisions on requests that already resolved.
	ErrNotPending = errors.New("approval: request is not pending")

	// ErrAlreadyDecided rejects a second verdict from the same approver.
	ErrAlreadyDecided = errors.New("approval: approver already decided")

	// ErrNotYourTurn rejects out-of-order decisions in SEQUENTIAL mode.
	ErrNotYourTurn = errors.New("approval: not this approver's turn")

	// ErrNotAnApprover rejects decisions from users without a slot on the
	// request. Admin override bypasses it.
	ErrNotAnApprover = errors.New("approval: user is not an assigned approver")

	// ErrNotRequester guards cancel, which only the requester (or an
	// admin) may perform.
	ErrNotRequester = errors.New("approval: only the requester may do this")
)

// ConflictError reports a second active approval for the same entity.
type ConflictError struct {
	EntityType string
	EntityID   uuid.UUID
	ExistingID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("approval: entity %s/%s already has pending request %s",
		e.EntityType, e.EntityID, e.ExistingID)
}

// ValidationError reports a malformed workflow config or create input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("approval: invalid %s: %s", e.Field, e.Reason)
}
