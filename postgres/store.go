// Package postgres provides a PostgreSQL-backed pipeline.Store for
// deployments where several processes share one durable record of projects,
// checkpoints, and approvals.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

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
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects (status);

CREATE TABLE IF NOT EXISTS checkpoints (
	project_id TEXT PRIMARY KEY,
	stage      TEXT NOT NULL,
	stage_data JSONB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	id               TEXT PRIMARY KEY,
	project_id       TEXT NOT NULL,
	stage            TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	payload          JSONB NOT NULL DEFAULT '{}',
	options          JSONB NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	assigned_to      TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL,
	requested_at     TIMESTAMPTZ NOT NULL,
	due_at           TIMESTAMPTZ,
	resolved_at      TIMESTAMPTZ,
	resolved_by      TEXT NOT NULL DEFAULT '',
	selected_option  TEXT NOT NULL DEFAULT '',
	feedback         TEXT NOT NULL DEFAULT '',
	response_time_ns BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals (status);
CREATE INDEX IF NOT EXISTS idx_approvals_project ON approvals (project_id);
`

// Store is a PostgreSQL-backed pipeline.Store.
type Store struct {
	db *sql.DB
}

// Open connects to the database named by the connection string and ensures
// the schema exists.
func Open(connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := &Store{db: db}
	if err := store.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing connection pool without touching the schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// SaveProject persists a complete project record
func (s *Store) SaveProject(ctx context.Context, project *pipeline.Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, plan_name, status, current_stage, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			plan_name = EXCLUDED.plan_name,
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		project.ID, project.Name, project.PlanName, project.Status,
		project.CurrentStage, project.Error,
		project.CreatedAt.UTC(), project.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*pipeline.Project, error) {
	var project pipeline.Project
	err := row.Scan(&project.ID, &project.Name, &project.PlanName, &project.Status,
		&project.CurrentStage, &project.Error, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// LoadProject loads a project by identifier
func (s *Store) LoadProject(ctx context.Context, id string) (*pipeline.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, plan_name, status, current_stage, error, created_at, updated_at
		FROM projects WHERE id = $1`, id)
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
		query += ` WHERE status = $1`
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			stage_data = EXCLUDED.stage_data,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		checkpoint.ProjectID, checkpoint.Stage, stageData,
		checkpoint.Version, checkpoint.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a project
func (s *Store) LoadCheckpoint(ctx context.Context, projectID string) (*pipeline.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, stage, stage_data, version, updated_at
		FROM checkpoints WHERE project_id = $1`, projectID)

	var checkpoint pipeline.Checkpoint
	var stageData []byte
	err := row.Scan(&checkpoint.ProjectID, &checkpoint.Stage, &stageData,
		&checkpoint.Version, &checkpoint.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal(stageData, &checkpoint.StageData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stage data: %w", err)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_to = EXCLUDED.assigned_to,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by,
			selected_option = EXCLUDED.selected_option,
			feedback = EXCLUDED.feedback,
			response_time_ns = EXCLUDED.response_time_ns`,
		request.ID, request.ProjectID, request.Stage, request.Title,
		request.Description, payload, options,
		request.Status, request.AssignedTo, request.Priority,
		request.RequestedAt.UTC(), nullTime(request.DueAt),
		nullTime(request.ResolvedAt), request.ResolvedBy,
		request.SelectedOption, request.Feedback, int64(request.ResponseTime))
	if err != nil {
		return fmt.Errorf("failed to save approval: %w", err)
	}
	return nil
}

const approvalColumns = `
	id, project_id, stage, title, description, payload, options,
	status, assigned_to, priority, requested_at, due_at, resolved_at,
	resolved_by, selected_option, feedback, response_time_ns`

func scanApproval(row interface{ Scan(...any) error }) (*pipeline.ApprovalRequest, error) {
	var request pipeline.ApprovalRequest
	var payload, options []byte
	var dueAt, resolvedAt sql.NullTime
	var responseTime int64
	err := row.Scan(&request.ID, &request.ProjectID, &request.Stage,
		&request.Title, &request.Description, &payload, &options,
		&request.Status, &request.AssignedTo, &request.Priority,
		&request.RequestedAt, &dueAt, &resolvedAt, &request.ResolvedBy,
		&request.SelectedOption, &request.Feedback, &responseTime)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &request.Payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if err := json.Unmarshal(options, &request.Options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if dueAt.Valid {
		request.DueAt = dueAt.Time
	}
	if resolvedAt.Valid {
		request.ResolvedAt = resolvedAt.Time
	}
	request.ResponseTime = time.Duration(responseTime)
	return &request, nil
}

// LoadApproval loads an approval request by identifier
func (s *Store) LoadApproval(ctx context.Context, id string) (*pipeline.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
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
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ` + arg(filter.ProjectID)
	}
	if filter.Stage != "" {
		query += ` AND stage = ` + arg(filter.Stage)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ` + arg(filter.AssignedTo)
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
