package directory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Static is an in-memory Directory. Demo mode seeds it at boot; tests build
// one per case.
type Static struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]User
	departments map[string]Department
	services    map[string]Service
}

func NewStatic() *Static {
	return &Static{
		users:       map[uuid.UUID]User{},
		departments: map[string]Department{},
		services:    map[string]Service{},
	}
}

// AddUser inserts or replaces a user record and returns its id.
func (s *Static) AddUser(u User) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	s.users[u.ID] = u
	return u.ID
}

func (s *Static) AddDepartment(d Department) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.departments[d.ID] = d
}

func (s *Static) AddService(sv Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[sv.ID] = sv
}

func (s *Static) User(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *Static) UsersInRole(_ context.Context, roleID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if u.Active && u.HasRole(roleID) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Static) UsersAtExecutiveLevel(_ context.Context, levelID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if u.Active && u.ExecutiveLevelID == levelID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *Static) DepartmentManager(ctx context.Context, departmentID string) (*User, error) {
	s.mu.RLock()
	d, ok := s.departments[departmentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrDepartmentNotFound
	}
	return s.User(ctx, d.ManagerID)
}

func (s *Static) ServiceCoordinator(ctx context.Context, serviceID string) (*User, error) {
	s.mu.RLock()
	sv, ok := s.services[serviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrServiceNotFound
	}
	return s.User(ctx, sv.CoordinatorID)
}

func (s *Static) Approvers(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.users {
		if u.Active && u.CanApproveLeaves {
			out = append(out, u)
		}
	}
	return out, nil
}
