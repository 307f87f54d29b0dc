package pipeline

import (
	"context"
	"sort"
)

// ApprovalFilter narrows approval listings. Zero-value fields match all.
type ApprovalFilter struct {
	ProjectID  string
	Stage      string
	Status     ApprovalStatus
	AssignedTo string
}

// Matches reports whether a request satisfies the filter.
func (f ApprovalFilter) Matches(r *ApprovalRequest) bool {
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.Stage != "" && r.Stage != f.Stage {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && r.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}

// Store is the durable persistence collaborator. Every mutation is an
// explicit read-modify-save of a complete record; implementations must never
// expose partially written state. Load methods return (nil, nil) when the
// record does not exist.
type Store interface {

	// SaveProject persists a complete project record
	SaveProject(ctx context.Context, project *Project) error

	// LoadProject loads a project by identifier
	LoadProject(ctx context.Context, id string) (*Project, error)

	// ListProjects returns projects with the given status, or all projects
	// when status is empty
	ListProjects(ctx context.Context, status ProjectStatus) ([]*Project, error)

	// SaveCheckpoint persists a complete checkpoint for a project
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a project
	LoadCheckpoint(ctx context.Context, projectID string) (*Checkpoint, error)

	// SaveApproval persists a complete approval request record
	SaveApproval(ctx context.Context, request *ApprovalRequest) error

	// LoadApproval loads an approval request by identifier
	LoadApproval(ctx context.Context, id string) (*ApprovalRequest, error)

	// ListApprovals returns approval requests matching the filter, ordered
	// by request time descending
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error)
}

// sortApprovalsByRequestedAt orders requests newest first.
func sortApprovalsByRequestedAt(requests []*ApprovalRequest) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedAt.After(requests[j].RequestedAt)
	})
}
