// Package sqlite provides a SQLite-backed pipeline.Store for single-node
// deployments that need durability without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/greenroom-ai/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	plan_name     TEXT NOT NULL,
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

CREATE TABLE IF NOT EXISTS checkpoints (
	project_id TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	stage_data TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	stage            TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	payload          TEXT NOT NULL DEFAULT '{}',
	options          TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	assigned_to      TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL,
	requested_at     TEXT NOT NULL,
	due_at           TEXT,
	resolved_at      TEXT,
	resolved_by      TEXT NOT NULL DEFAULT '',
	selected_option  TEXT NOT NULL DEFAULT '',
	feedback         TEXT NOT NULL DEFAULT '',
	response_time_ns INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_project ON approvals(project_id);
`

// Store is a SQLite-backed pipeline.Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applies the pragmas the
// store depends on, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The driver serializes access per connection; a single connection avoids
	// SQLITE_BUSY from concurrent writers in one process.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func decodeTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// SaveProject persists a complete project record
func (s *Store) SaveProject(ctx context.Context, project *pipeline.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, plan_name, status, current_stage, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			plan_name = excluded.plan_name,
			status = excluded.status,
			current_stage = excluded.current_stage,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		project.ID, project.Name, project.PlanName, project.Status,
		project.CurrentStage, project.Error,
		encodeTime(project.CreatedAt), encodeTime(project.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*pipeline.Project, error) {
	var project pipeline.Project
	var createdAt, updatedAt string
	err := row.Scan(&project.ID, &project.Name, &project.PlanName, &project.Status,
		&project.CurrentStage, &project.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if project.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if project.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	return &project, nil
}

// LoadProject loads a project by identifier
func (s *Store) LoadProject(ctx context.Context, id string) (*pipeline.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, plan_name, status, current_stage, error, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return project, nil
}

// ListProjects returns projects with the given status, or all when empty
func (s *Store) ListProjects(ctx context.Context, status pipeline.ProjectStatus) ([]*pipeline.Project, error) {
	query := `
		SELECT id, name, plan_name, status, current_stage, error, created_at, updated_at
		FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*pipeline.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// SaveCheckpoint persists a complete checkpoint for a project
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *pipeline.Checkpoint) error {
	stageData, err := json.Marshal(checkpoint.StageData)
	if err != nil {
		return fmt.Errorf("failed to marshal stage data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (project_id, stage, stage_data, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			stage = excluded.stage,
			stage_data = excluded.stage_data,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		checkpoint.ProjectID, checkpoint.Stage, string(stageData),
		checkpoint.Version, encodeTime(checkpoint.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a project
func (s *Store) LoadCheckpoint(ctx context.Context, projectID string) (*pipeline.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, stage, stage_data, version, updated_at
		FROM checkpoints WHERE project_id = ?`, projectID)

	var checkpoint pipeline.Checkpoint
	var stageData, updatedAt string
	err := row.Scan(&checkpoint.ProjectID, &checkpoint.Stage, &stageData,
		&checkpoint.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal([]byte(stageData), &checkpoint.StageData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage data: %w", err)
	}
	if checkpoint.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	return &checkpoint, nil
}

// SaveApproval persists a complete approval request record
func (s *Store) SaveApproval(ctx context.Context, request *pipeline.ApprovalRequest) error {
	payload, err := json.Marshal(request.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	options, err := json.Marshal(request.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (
			id, project_id, stage, title, description, payload, options,
			status, assigned_to, priority, requested_at, due_at, resolved_at,
			resolved_by, selected_option, feedback, response_time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			assigned_to = excluded.assigned_to,
			resolved_at = excluded.resolved_at,
			resolved_by = excluded.resolved_by,
			selected_option = excluded.selected_option,
			feedback = excluded.feedback,
			response_time_ns = excluded.response_time_ns`,
		request.ID, request.ProjectID, request.Stage, request.Title,
		request.Description, string(payload), string(options),
		request.Status, request.AssignedTo, request.Priority,
		encodeTime(request.RequestedAt), encodeNullTime(request.DueAt),
		encodeNullTime(request.ResolvedAt), request.ResolvedBy,
		request.SelectedOption, request.Feedback, int64(request.ResponseTime))
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

func scanApproval(row interface{ Scan(...any) error }) (*pipeline.ApprovalRequest, error) {
	var request pipeline.ApprovalRequest
	var payload, options, requestedAt string
	var dueAt, resolvedAt sql.NullString
	var responseTime int64
	err := row.Scan(&request.ID, &request.ProjectID, &request.Stage,
		&request.Title, &request.Description, &payload, &options,
		&request.Status, &request.AssignedTo, &request.Priority,
		&requestedAt, &dueAt, &resolvedAt, &request.ResolvedBy,
		&request.SelectedOption, &request.Feedback, &responseTime)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &request.Payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &request.Options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if request.RequestedAt, err = decodeTime(requestedAt); err != nil {
		return nil, fmt.Errorf("invalid requested_at: %w", err)
	}
	if request.DueAt, err = decodeTime(dueAt.String); err != nil {
		return nil, fmt.Errorf("invalid due_at: %w", err)
	}
	if request.ResolvedAt, err = decodeTime(resolvedAt.String); err != nil {
		return nil, fmt.Errorf("invalid resolved_at: %w", err)
	}
	request.ResponseTime = time.Duration(responseTime)
	return &request, nil
}

const approvalColumns = `
	id, project_id, stage, title, description, payload, options,
	status, assigned_to, priority, requested_at, due_at, resolved_at,
	resolved_by, selected_option, feedback, response_time_ns`

// LoadApproval loads an approval request by identifier
func (s *Store) LoadApproval(ctx context.Context, id string) (*pipeline.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	request, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load approval: %w", err)
	}
	return request, nil
}

// ListApprovals returns approval requests matching the filter, newest first
func (s *Store) ListApprovals(ctx context.Context, filter pipeline.ApprovalFilter) ([]*pipeline.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var requests []*pipeline.ApprovalRequest
	for rows.Next() {
		request, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}
