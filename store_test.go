package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the Store contract against any implementation.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Missing records load as (nil, nil).
	project, err := store.LoadProject(ctx, "proj_missing")
	require.NoError(t, err)
	assert.Nil(t, project)
	checkpoint, err := store.LoadCheckpoint(ctx, "proj_missing")
	require.NoError(t, err)
	assert.Nil(t, checkpoint)
	approval, err := store.LoadApproval(ctx, "appr_missing")
	require.NoError(t, err)
	assert.Nil(t, approval)

	// Project round trip and status filtering.
	first := &Project{
		ID:           "proj_one",
		Name:         "First",
		PlanName:     "script-to-production-plan",
		Status:       ProjectStatusInProgress,
		CurrentStage: "shot_division",
		CreatedAt:    base,
		UpdatedAt:    base.Add(time.Hour),
	}
	require.NoError(t, store.SaveProject(ctx, first))
	require.NoError(t, store.SaveProject(ctx, &Project{
		ID:        "proj_two",
		Name:      "Second",
		PlanName:  "script-to-production-plan",
		Status:    ProjectStatusCompleted,
		CreatedAt: base.Add(time.Minute),
		UpdatedAt: base.Add(time.Minute),
	}))

	loaded, err := store.LoadProject(ctx, "proj_one")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, first.Name, loaded.Name)
	assert.Equal(t, first.Status, loaded.Status)
	assert.Equal(t, first.CurrentStage, loaded.CurrentStage)
	assert.True(t, first.CreatedAt.Equal(loaded.CreatedAt))

	all, err := store.ListProjects(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	inProgress, err := store.ListProjects(ctx, ProjectStatusInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "proj_one", inProgress[0].ID)

	// Saving again overwrites.
	first.Status = ProjectStatusPaused
	require.NoError(t, store.SaveProject(ctx, first))
	loaded, err = store.LoadProject(ctx, "proj_one")
	require.NoError(t, err)
	assert.Equal(t, ProjectStatusPaused, loaded.Status)

	// Checkpoint round trip, stage data intact.
	cp := NewCheckpoint("proj_one", "shot_division")
	cp.SetRecord(&StageRecord{Stage: "script_input", Content: "the script", CompletedAt: base})
	cp.SetRecord(&StageRecord{
		Stage: "screenplay_generation",
		Output: &MergedResult{
			Content:               sampleScreenplay,
			QualityScore:          42,
			ContributingProviders: []string{"a", "b"},
			Strategy:              StrategyConsensus,
			Success:               true,
		},
		Feedback:  []string{"first pass notes"},
		Revisions: 1,
		Approved:  true,
	})
	cp.Version = 3
	cp.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, store.SaveCheckpoint(ctx, cp))

	checkpoint, err = store.LoadCheckpoint(ctx, "proj_one")
	require.NoError(t, err)
	require.NotNil(t, checkpoint)
	assert.Equal(t, "shot_division", checkpoint.Stage)
	assert.Equal(t, 3, checkpoint.Version)
	record := checkpoint.Record("screenplay_generation")
	require.NotNil(t, record)
	assert.Equal(t, 42, record.Output.QualityScore)
	assert.Equal(t, []string{"a", "b"}, record.Output.ContributingProviders)
	assert.Equal(t, []string{"first pass notes"}, record.Feedback)
	assert.True(t, record.Approved)

	// Approval round trip and filtering.
	require.NoError(t, store.SaveApproval(ctx, &ApprovalRequest{
		ID:          "appr_one",
		ProjectID:   "proj_one",
		Stage:       "screenplay_generation",
		Title:       "Review",
		Status:      ApprovalStatusPending,
		AssignedTo:  "alice",
		Priority:    PriorityHigh,
		RequestedAt: base,
		DueAt:       base.Add(24 * time.Hour),
	}))
	require.NoError(t, store.SaveApproval(ctx, &ApprovalRequest{
		ID:           "appr_two",
		ProjectID:    "proj_one",
		Stage:        "shot_division",
		Title:        "Review",
		Status:       ApprovalStatusApproved,
		Priority:     PriorityNormal,
		RequestedAt:  base.Add(time.Hour),
		ResolvedAt:   base.Add(2 * time.Hour),
		ResolvedBy:   "bob",
		ResponseTime: time.Hour,
	}))

	approval, err = store.LoadApproval(ctx, "appr_one")
	require.NoError(t, err)
	require.NotNil(t, approval)
	assert.Equal(t, PriorityHigh, approval.Priority)
	assert.Equal(t, "alice", approval.AssignedTo)
	assert.True(t, approval.DueAt.Equal(base.Add(24*time.Hour)))
	assert.True(t, approval.ResolvedAt.IsZero())

	resolved, err := store.LoadApproval(ctx, "appr_two")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, time.Hour, resolved.ResponseTime)
	assert.True(t, resolved.DueAt.IsZero())

	byProject, err := store.ListApprovals(ctx, ApprovalFilter{ProjectID: "proj_one"})
	require.NoError(t, err)
	require.Len(t, byProject, 2)
	// Newest first.
	assert.Equal(t, "appr_two", byProject[0].ID)

	pendingOnly, err := store.ListApprovals(ctx, ApprovalFilter{Status: ApprovalStatusPending})
	require.NoError(t, err)
	require.Len(t, pendingOnly, 1)
	assert.Equal(t, "appr_one", pendingOnly[0].ID)

	byAssignee, err := store.ListApprovals(ctx, ApprovalFilter{AssignedTo: "alice", Stage: "screenplay_generation"})
	require.NoError(t, err)
	assert.Len(t, byAssignee, 1)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveProject(ctx, &Project{
		ID:     "proj_keep",
		Name:   "Keep",
		Status: ProjectStatusInProgress,
	}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	project, err := reopened.LoadProject(ctx, "proj_keep")
	require.NoError(t, err)
	require.NotNil(t, project)
	assert.Equal(t, "Keep", project.Name)
}

func TestMemoryStoreCopiesOnSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	project := &Project{ID: "proj_iso", Name: "Before", Status: ProjectStatusCreated}
	require.NoError(t, store.SaveProject(ctx, project))
	project.Name = "After"

	loaded, err := store.LoadProject(ctx, "proj_iso")
	require.NoError(t, err)
	assert.Equal(t, "Before", loaded.Name)

	loaded.Name = "Mutated"
	again, err := store.LoadProject(ctx, "proj_iso")
	require.NoError(t, err)
	assert.Equal(t, "Before", again.Name)
}
