package pipeline

import (
	"time"

	"go.jetify.com/typeid"
)

// NewProjectID returns a new prefixed identifier for a project
func NewProjectID() string {
	id, err := typeid.WithPrefix("proj")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ProjectStatus represents the lifecycle status of a project
type ProjectStatus string

const (
	ProjectStatusCreated    ProjectStatus = "created"
	ProjectStatusInProgress ProjectStatus = "in_progress"
	ProjectStatusCompleted  ProjectStatus = "completed"
	ProjectStatusFailed     ProjectStatus = "failed"
	ProjectStatusPaused     ProjectStatus = "paused"
)

// Project is one pipeline run. It owns exactly one live checkpoint and any
// number of approval requests, which reference it by identifier. A project
// is mutated only by the engine driving it and never deleted during a run.
type Project struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	PlanName     string        `json:"plan_name"`
	Status       ProjectStatus `json:"status"`
	CurrentStage string        `json:"current_stage"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitzero"`
	UpdatedAt    time.Time     `json:"updated_at,omitzero"`
}

// Copy returns a shallow copy of the project.
func (p *Project) Copy() *Project {
	cp := *p
	return &cp
}
