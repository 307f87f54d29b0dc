package pipeline

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process use. It is
// an explicit, injectable value, not a package-level singleton.
type MemoryStore struct {
	mutex       sync.RWMutex
	projects    map[string]*Project
	checkpoints map[string]*Checkpoint
	approvals   map[string]*ApprovalRequest
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:    map[string]*Project{},
		checkpoints: map[string]*Checkpoint{},
		approvals:   map[string]*ApprovalRequest{},
	}
}

// SaveProject persists a complete project record
func (s *MemoryStore) SaveProject(ctx context.Context, project *Project) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.projects[project.ID] = project.Copy()
	return nil
}

// LoadProject loads a project by identifier
func (s *MemoryStore) LoadProject(ctx context.Context, id string) (*Project, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	project, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	return project.Copy(), nil
}

// ListProjects returns projects with the given status, or all when empty
func (s *MemoryStore) ListProjects(ctx context.Context, status ProjectStatus) ([]*Project, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var projects []*Project
	for _, project := range s.projects {
		if status == "" || project.Status == status {
			projects = append(projects, project.Copy())
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

// SaveCheckpoint persists a complete checkpoint for a project
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.checkpoints[checkpoint.ProjectID] = checkpoint.Copy()
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a project
func (s *MemoryStore) LoadCheckpoint(ctx context.Context, projectID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	checkpoint, ok := s.checkpoints[projectID]
	if !ok {
		return nil, nil
	}
	return checkpoint.Copy(), nil
}

// SaveApproval persists a complete approval request record
func (s *MemoryStore) SaveApproval(ctx context.Context, request *ApprovalRequest) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.approvals[request.ID] = request.Copy()
	return nil
}

// LoadApproval loads an approval request by identifier
func (s *MemoryStore) LoadApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	request, ok := s.approvals[id]
	if !ok {
		return nil, nil
	}
	return request.Copy(), nil
}

// ListApprovals returns approval requests matching the filter
func (s *MemoryStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var requests []*ApprovalRequest
	for _, request := range s.approvals {
		if filter.Matches(request) {
			requests = append(requests, request.Copy())
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedAt.After(requests[j].RequestedAt)
	})
	return requests, nil
}
