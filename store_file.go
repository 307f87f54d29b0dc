package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore is a file-based Store that persists each record as a JSON
// document under a data directory. Writes go through a temp file and rename
// so a crash never leaves a partially written record behind.
type FileStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileStore creates a file-based store rooted at dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".greenroom", "pipeline")
	}
	for _, sub := range []string{"projects", "checkpoints", "approvals"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
		}
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) writeRecord(kind, id string, record any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", kind, err)
	}
	path := filepath.Join(s.dataDir, kind, sanitizeID(id)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s record: %w", kind, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) readRecord(kind, id string, record any) (bool, error) {
	path := filepath.Join(s.dataDir, kind, sanitizeID(id)+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s record: %w", kind, err)
	}
	if err := json.Unmarshal(data, record); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s record: %w", kind, err)
	}
	return true, nil
}

func (s *FileStore) listIDs(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// SaveProject persists a complete project record
func (s *FileStore) SaveProject(ctx context.Context, project *Project) error {
	return s.writeRecord("projects", project.ID, project)
}

// LoadProject loads a project by identifier
func (s *FileStore) LoadProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	found, err := s.readRecord("projects", id, &project)
	if err != nil || !found {
		return nil, err
	}
	return &project, nil
}

// ListProjects returns projects with the given status, or all when empty
func (s *FileStore) ListProjects(ctx context.Context, status ProjectStatus) ([]*Project, error) {
	ids, err := s.listIDs("projects")
	if err != nil {
		return nil, err
	}
	var projects []*Project
	for _, id := range ids {
		project, err := s.LoadProject(ctx, id)
		if err != nil || project == nil {
			continue
		}
		if status == "" || project.Status == status {
			projects = append(projects, project)
		}
	}
	return projects, nil
}

// SaveCheckpoint persists a complete checkpoint for a project
func (s *FileStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return s.writeRecord("checkpoints", checkpoint.ProjectID, checkpoint)
}

// LoadCheckpoint loads the latest checkpoint for a project
func (s *FileStore) LoadCheckpoint(ctx context.Context, projectID string) (*Checkpoint, error) {
	var checkpoint Checkpoint
	found, err := s.readRecord("checkpoints", projectID, &checkpoint)
	if err != nil || !found {
		return nil, err
	}
	return &checkpoint, nil
}

// SaveApproval persists a complete approval request record
func (s *FileStore) SaveApproval(ctx context.Context, request *ApprovalRequest) error {
	return s.writeRecord("approvals", request.ID, request)
}

// LoadApproval loads an approval request by identifier
func (s *FileStore) LoadApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	var request ApprovalRequest
	found, err := s.readRecord("approvals", id, &request)
	if err != nil || !found {
		return nil, err
	}
	return &request, nil
}

// ListApprovals returns approval requests matching the filter
func (s *FileStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRequest, error) {
	ids, err := s.listIDs("approvals")
	if err != nil {
		return nil, err
	}
	var requests []*ApprovalRequest
	for _, id := range ids {
		request, err := s.LoadApproval(ctx, id)
		if err != nil || request == nil {
			continue
		}
		if filter.Matches(request) {
			requests = append(requests, request)
		}
	}
	sortApprovalsByRequestedAt(requests)
	return requests, nil
}

// sanitizeID keeps record filenames flat even if an ID contains separators.
func sanitizeID(id string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(id)
}
