package leave

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound             = errors.New("leave request not found")
	ErrTypeNotFound         = errors.New("leave type not found")
	ErrInterruptionNotFound = errors.New("interruption not found")

	// ErrNotOwner guards requester-only transitions.
	ErrNotOwner = errors.New("only the requester may perform this operation")
)

// OverlapError reports a collision with a blocking request of the same user.
type OverlapError struct {
	ConflictingID uuid.UUID
	Start         time.Time
	End           time.Time
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("overlaps existing leave request %s (%s to %s)",
		e.ConflictingID, e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"))
}

// TransitionError reports a state-machine operation applied in the wrong
// status.
type TransitionError struct {
	From Status
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a request in status %s", e.Op, e.From)
}

// RuleError reports a business rule violation other than a bad transition
// (recall window, future-date requirements, day-range containment).
type RuleError struct {
	Op     string
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// ValidationError carries the policy chain's verdict. Warnings are
// informational and present on success too (attached to the request's
// validation result, not the error).
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}
