/*
Package directory answers "who is this user and who stands around them":
roles, executive levels, department managers, service coordinators.

The approval engine resolves role tokens through this interface and the
leave engine reads locations from it. Production wires an HR-system client;
tests and demo mode use the Static implementation.
*/
package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound       = errors.New("user not found in directory")
	ErrDepartmentNotFound = errors.New("department not found in directory")
	ErrServiceNotFound    = errors.New("service not found in directory")
)

// User is one directory record.
type User struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	Location         string     `json:"location,omitempty"`
	DepartmentID     string     `json:"department_id,omitempty"`
	ServiceID        string     `json:"service_id,omitempty"`
	RoleIDs          []string   `json:"role_ids,omitempty"`
	ExecutiveLevelID string     `json:"executive_level_id,omitempty"`
	CanApproveLeaves bool       `json:"can_approve_leaves"`
	ManagerID        *uuid.UUID `json:"manager_id,omitempty"`
	Active           bool       `json:"active"`
}

// HasRole reports whether the user carries the given role id.
func (u *User) HasRole(roleID string) bool {
	for _, r := range u.RoleIDs {
		if r == roleID {
			return true
		}
	}
	return false
}

// Department groups users under one manager.
type Department struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ManagerID uuid.UUID `json:"manager_id"`
}

// Service groups users under one coordinator.
type Service struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CoordinatorID uuid.UUID `json:"coordinator_id"`
}

// Directory is the read-only view of the HR directory the engines consume.
// Implementations return only active users from the listing calls.
type Directory interface {
	User(ctx context.Context, id uuid.UUID) (*User, error)
	UsersInRole(ctx context.Context, roleID string) ([]User, error)
	UsersAtExecutiveLevel(ctx context.Context, levelID string) ([]User, error)
	DepartmentManager(ctx context.Context, departmentID string) (*User, error)
	ServiceCoordinator(ctx context.Context, serviceID string) (*User, error)
	// Approvers lists every active user holding the leave-approval
	// capability flag. Last resort of approver resolution.
	Approvers(ctx context.Context) ([]User, error)
}
