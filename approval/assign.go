/*
assign.go - approver resolution

Resolution strategies, in order, first non-empty wins:
 1. caller-supplied approver ids, used verbatim and in order
 2. role tokens from the workflow's approver_role_ids
 3. the directory's approval-capability flag, when auto_assign_approvers

Role tokens:
  <role-id>                     static role membership
  EXECUTIVE_LEVEL:<id>          users at the executive level
  DYNAMIC:DEPARTMENT_MANAGER    manager of the requester's department
  DYNAMIC:SERVICE_COORDINATOR   coordinator of the requester's service

After resolution the requester is removed unless allow_self_approval, the
list is deduplicated keeping first positions, and truncated to
max_approvers. An empty final list does not fail the create: the request
is persisted PENDING and flagged for operations.
*/
package approval

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kronos-wfm/kronos-core/directory"
)

const (
	TokenExecutiveLevelPrefix = "EXECUTIVE_LEVEL:"
	TokenDepartmentManager    = "DYNAMIC:DEPARTMENT_MANAGER"
	TokenServiceCoordinator   = "DYNAMIC:SERVICE_COORDINATOR"
)

// Approver-source labels stamped on decision rows.
const (
	sourceCaller     = "CALLER"
	sourceCapability = "CAPABILITY"
	sourceEscalation = "ESCALATION"
)

// candidate is a resolved approver before decision rows exist.
type candidate struct {
	ID   uuid.UUID
	Name string
	Role string // token or source label the candidate came from
}

func (e *Engine) resolveApprovers(ctx context.Context, w *WorkflowConfig, requester *directory.User, callerList []uuid.UUID) []candidate {
	var out []candidate
	switch {
	case len(callerList) > 0:
		for _, id := range callerList {
			c := candidate{ID: id, Role: sourceCaller}
			if u, err := e.lookupUser(ctx, id); err == nil {
				c.Name = u.Name
			} else {
				e.log.Warn().Err(err).Str("approver_id", id.String()).Msg("caller-supplied approver not in directory")
			}
			out = append(out, c)
		}
	case len(w.ApproverRoleIDs) > 0:
		for _, token := range w.ApproverRoleIDs {
			out = append(out, e.resolveToken(ctx, token, requester)...)
		}
	}
	if len(out) == 0 && w.AutoAssignApprovers {
		users, err := e.withDirRetry(ctx, func() ([]directory.User, error) { return e.dir.Approvers(ctx) })
		if err != nil {
			e.log.Error().Err(err).Msg("capability-flag approver lookup failed")
		}
		for _, u := range users {
			out = append(out, candidate{ID: u.ID, Name: u.Name, Role: sourceCapability})
		}
	}

	if !w.AllowSelfApproval && requester != nil {
		out = without(out, requester.ID)
	}
	out = dedupe(out)
	if w.MaxApprovers > 0 && len(out) > w.MaxApprovers {
		out = out[:w.MaxApprovers]
	}
	return out
}

func (e *Engine) resolveToken(ctx context.Context, token string, requester *directory.User) []candidate {
	switch {
	case token == TokenDepartmentManager:
		if requester == nil || requester.DepartmentID == "" {
			return nil
		}
		u, err := e.withDirRetryOne(ctx, func() (*directory.User, error) {
			return e.dir.DepartmentManager(ctx, requester.DepartmentID)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("department_id", requester.DepartmentID).Msg("department manager lookup failed")
			return nil
		}
		return []candidate{{ID: u.ID, Name: u.Name, Role: token}}

	case token == TokenServiceCoordinator:
		if requester == nil || requester.ServiceID == "" {
			return nil
		}
		u, err := e.withDirRetryOne(ctx, func() (*directory.User, error) {
			return e.dir.ServiceCoordinator(ctx, requester.ServiceID)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("service_id", requester.ServiceID).Msg("service coordinator lookup failed")
			return nil
		}
		return []candidate{{ID: u.ID, Name: u.Name, Role: token}}

	case strings.HasPrefix(token, TokenExecutiveLevelPrefix):
		level := strings.TrimPrefix(token, TokenExecutiveLevelPrefix)
		users, err := e.withDirRetry(ctx, func() ([]directory.User, error) {
			return e.dir.UsersAtExecutiveLevel(ctx, level)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("executive_level", level).Msg("executive level lookup failed")
			return nil
		}
		return candidates(users, token)

	default:
		users, err := e.withDirRetry(ctx, func() ([]directory.User, error) {
			return e.dir.UsersInRole(ctx, token)
		})
		if err != nil {
			e.log.Warn().Err(err).Str("role_id", token).Msg("role lookup failed")
			return nil
		}
		return candidates(users, token)
	}
}

func (e *Engine) lookupUser(ctx context.Context, id uuid.UUID) (*directory.User, error) {
	return e.withDirRetryOne(ctx, func() (*directory.User, error) { return e.dir.User(ctx, id) })
}

// Directory calls get one retry with a short backoff before the caller
// degrades. Not-found answers are definitive and skip the retry.
const dirRetryBackoff = 100 * time.Millisecond

func dirNotFound(err error) bool {
	return errors.Is(err, directory.ErrUserNotFound) ||
		errors.Is(err, directory.ErrDepartmentNotFound) ||
		errors.Is(err, directory.ErrServiceNotFound)
}

func (e *Engine) withDirRetry(ctx context.Context, fn func() ([]directory.User, error)) ([]directory.User, error) {
	users, err := fn()
	if err == nil || dirNotFound(err) {
		return users, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(dirRetryBackoff):
	}
	return fn()
}

func (e *Engine) withDirRetryOne(ctx context.Context, fn func() (*directory.User, error)) (*directory.User, error) {
	u, err := fn()
	if err == nil || dirNotFound(err) {
		return u, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(dirRetryBackoff):
	}
	return fn()
}

func candidates(users []directory.User, role string) []candidate {
	out := make([]candidate, 0, len(users))
	for _, u := range users {
		out = append(out, candidate{ID: u.ID, Name: u.Name, Role: role})
	}
	return out
}

func without(cs []candidate, id uuid.UUID) []candidate {
	out := cs[:0]
	for _, c := range cs {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return out
}

func dedupe(cs []candidate) []candidate {
	seen := make(map[uuid.UUID]bool, len(cs))
	out := cs[:0]
	for _, c := range cs {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		out = append(out, c)
	}
	return out
}
