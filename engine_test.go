package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureNotifier records every event for assertions.
type captureNotifier struct {
	mutex  sync.Mutex
	events []*Event
}

func (n *captureNotifier) Notify(ctx context.Context, event *Event) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) types() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	types := make([]string, 0, len(n.events))
	for _, event := range n.events {
		types = append(types, event.Type)
	}
	return types
}

func (n *captureNotifier) count(eventType string) int {
	total := 0
	for _, seen := range n.types() {
		if seen == eventType {
			total++
		}
	}
	return total
}

type engineFixture struct {
	engine   *Engine
	queue    *ApprovalQueue
	store    *MemoryStore
	notifier *captureNotifier
	clock    *fakeClock
}

func newEngineFixture(t *testing.T, plan *Plan, generators ...Generator) *engineFixture {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	notifier := &captureNotifier{}

	queue, err := NewApprovalQueue(ApprovalQueueOptions{
		Store:    store,
		Clock:    clock,
		Notifier: notifier,
	})
	require.NoError(t, err)

	var merger *ConsensusMerger
	if len(generators) > 0 {
		pool, err := NewProviderPool(ProviderPoolOptions{
			Generators: generators,
			MaxRetries: 1,
			RetryDelay: time.Millisecond,
		})
		require.NoError(t, err)
		merger, err = NewConsensusMerger(ConsensusMergerOptions{Pool: pool})
		require.NoError(t, err)
	}

	engine, err := NewEngine(EngineOptions{
		Plan:     plan,
		Merger:   merger,
		Queue:    queue,
		Store:    store,
		Notifier: notifier,
		Clock:    clock,
	})
	require.NoError(t, err)

	return &engineFixture{
		engine:   engine,
		queue:    queue,
		store:    store,
		notifier: notifier,
		clock:    clock,
	}
}

// pendingFor returns the single pending approval for a project.
func (f *engineFixture) pendingFor(t *testing.T, projectID string) *ApprovalRequest {
	t.Helper()
	pending := f.queue.ListPending(PendingFilter{ProjectID: projectID})
	require.Len(t, pending, 1)
	return pending[0]
}

// decide responds to the project's pending approval and feeds the resolution
// back into the engine.
func (f *engineFixture) decide(t *testing.T, projectID string, decision Decision) *Project {
	t.Helper()
	request := f.pendingFor(t, projectID)
	resolved, err := f.queue.Respond(context.Background(), request.ID, decision)
	require.NoError(t, err)
	project, err := f.engine.HandleApproval(context.Background(), resolved)
	require.NoError(t, err)
	return project
}

func TestNewEngineValidation(t *testing.T) {
	plan := DefaultPlan([]string{"a"})
	store := NewMemoryStore()

	_, err := NewEngine(EngineOptions{Store: store})
	require.Error(t, err)

	_, err = NewEngine(EngineOptions{Plan: plan})
	require.Error(t, err)

	// Gated generating plan needs both a merger and a queue.
	_, err = NewEngine(EngineOptions{Plan: plan, Store: store})
	require.Error(t, err)
}

func TestEngineStartRequiresScript(t *testing.T) {
	plan, err := NewPlan(PlanOptions{
		Name:   "trivial",
		Stages: []*Stage{{Name: "script_input"}, {Name: "final"}},
	})
	require.NoError(t, err)
	fixture := newEngineFixture(t, plan)

	_, err = fixture.engine.Start(context.Background(), "empty", "")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
}

func TestEnginePassThroughPlanCompletes(t *testing.T) {
	plan, err := NewPlan(PlanOptions{
		Name:   "trivial",
		Stages: []*Stage{{Name: "script_input"}, {Name: "final"}},
	})
	require.NoError(t, err)
	fixture := newEngineFixture(t, plan)

	project, err := fixture.engine.Start(context.Background(), "demo", sampleScreenplay)
	require.NoError(t, err)
	assert.Equal(t, ProjectStatusCompleted, project.Status)

	checkpoint, err := fixture.store.LoadCheckpoint(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, sampleScreenplay, checkpoint.Record("final").Text())
	assert.Equal(t, 1, fixture.notifier.count(EventPipelineCompleted))
}

func TestEngineEndToEndGatedRun(t *testing.T) {
	ctx := context.Background()
	providers := []string{"provider-a", "provider-b", "provider-c"}
	plan := DefaultPlan(providers)
	for _, stage := range plan.Stages() {
		stage.Timeout = 50 * time.Millisecond
	}
	fixture := newEngineFixture(t, plan,
		staticGenerator("provider-a", sampleScreenplay),
		staticGenerator("provider-b", sampleScreenplay),
		blockingGenerator("provider-c"),
	)

	project, err := fixture.engine.Start(ctx, "feature-film", "Two thieves argue in a warehouse.")
	require.NoError(t, err)
	assert.Equal(t, ProjectStatusInProgress, project.Status)
	assert.Equal(t, "screenplay_generation", project.CurrentStage)

	// The timed-out provider is excluded from the gate payload.
	request := fixture.pendingFor(t, project.ID)
	assert.Equal(t, "screenplay_generation", request.Stage)
	assert.Equal(t, "Screenplay Review Required", request.Title)
	assert.Equal(t,
		[]string{"provider-a", "provider-b"},
		request.Payload["contributing_providers"])

	project = fixture.decide(t, project.ID, Decision{Approved: true, ResolvedBy: "alice"})
	assert.Equal(t, "shot_division", project.CurrentStage)

	project = fixture.decide(t, project.ID, Decision{Approved: true, ResolvedBy: "alice"})
	// Character extraction and image prompts advance without a gate.
	assert.Equal(t, "production_planning", project.CurrentStage)

	project = fixture.decide(t, project.ID, Decision{Approved: true, ResolvedBy: "bob"})
	assert.Equal(t, ProjectStatusCompleted, project.Status)
	assert.Equal(t, "final", project.CurrentStage)

	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	for _, stage := range []string{"screenplay_generation", "shot_division", "production_planning"} {
		record := checkpoint.Record(stage)
		require.NotNil(t, record, stage)
		assert.True(t, record.Approved, stage)
		assert.Equal(t, []string{"provider-a", "provider-b"}, record.Output.ContributingProviders, stage)
	}
	assert.NotEmpty(t, checkpoint.Record("final").Text())
	assert.Equal(t, 1, fixture.notifier.count(EventPipelineCompleted))
}

func TestEngineResumeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	providers := []string{"provider-a"}
	fixture := newEngineFixture(t, DefaultPlan(providers),
		staticGenerator("provider-a", sampleScreenplay))

	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.NoError(t, err)
	assert.Equal(t, "screenplay_generation", project.CurrentStage)

	before, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)

	// Redundant resumes re-verify the gate without duplicating the approval
	// or rerunning the stage.
	for i := 0; i < 3; i++ {
		resumed, err := fixture.engine.Run(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, "screenplay_generation", resumed.CurrentStage)
	}
	assert.Len(t, fixture.queue.ListPending(PendingFilter{ProjectID: project.ID}), 1)

	after, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Record("screenplay_generation").Output.Content,
		after.Record("screenplay_generation").Output.Content)
	assert.Equal(t, 1, fixture.notifier.count(EventApprovalCreated))
}

func TestEngineRejectionPausesProject(t *testing.T) {
	ctx := context.Background()
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", sampleScreenplay))

	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.NoError(t, err)

	project = fixture.decide(t, project.ID, Decision{ResolvedBy: "alice", Feedback: "not usable"})
	assert.Equal(t, ProjectStatusPaused, project.Status)
	assert.Contains(t, project.Error, "not usable")
	assert.Equal(t, 1, fixture.notifier.count(EventPipelinePaused))

	// The checkpoint survives the pause.
	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.NotNil(t, checkpoint.Record("screenplay_generation"))
}

func TestEngineRevisionRerunsStageWithFeedback(t *testing.T) {
	ctx := context.Background()
	echo := NewGeneratorFunction("echo", func(ctx context.Context, prompt string) (string, error) {
		return "INT. GENERATED - DAY\n\n" + prompt, nil
	})
	fixture := newEngineFixture(t, DefaultPlan([]string{"echo"}), echo)

	project, err := fixture.engine.Start(ctx, "demo", "the original script")
	require.NoError(t, err)

	project = fixture.decide(t, project.ID, Decision{ResolvedBy: "alice", RevisionNotes: "tighten act two"})
	assert.Equal(t, ProjectStatusInProgress, project.Status)
	assert.Equal(t, "screenplay_generation", project.CurrentStage)

	// The stage reran with the reviewer's notes in the prompt, and a fresh
	// approval request replaced the resolved one.
	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	record := checkpoint.Record("screenplay_generation")
	assert.Equal(t, 1, record.Revisions)
	assert.Equal(t, []string{"tighten act two"}, record.Feedback)
	assert.Contains(t, record.Output.Content, "REVISION NOTES:")
	assert.Contains(t, record.Output.Content, "tighten act two")

	request := fixture.pendingFor(t, project.ID)
	assert.Equal(t, "screenplay_generation", request.Stage)
	assert.Equal(t, 2, fixture.notifier.count(EventApprovalCreated))
}

func TestEngineRevisionLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	queue, err := NewApprovalQueue(ApprovalQueueOptions{Store: store, Clock: clock})
	require.NoError(t, err)
	pool, err := NewProviderPool(ProviderPoolOptions{
		Generators: []Generator{staticGenerator("provider-a", sampleScreenplay)},
		MaxRetries: 1,
	})
	require.NoError(t, err)
	merger, err := NewConsensusMerger(ConsensusMergerOptions{Pool: pool})
	require.NoError(t, err)
	engine, err := NewEngine(EngineOptions{
		Plan:         DefaultPlan([]string{"provider-a"}),
		Merger:       merger,
		Queue:        queue,
		Store:        store,
		Clock:        clock,
		MaxRevisions: 1,
	})
	require.NoError(t, err)

	project, err := engine.Start(ctx, "demo", "script")
	require.NoError(t, err)

	// First revision is within the limit.
	request := queue.ListPending(PendingFilter{ProjectID: project.ID})[0]
	resolved, err := queue.Respond(ctx, request.ID, Decision{RevisionNotes: "again"})
	require.NoError(t, err)
	project, err = engine.HandleApproval(ctx, resolved)
	require.NoError(t, err)
	assert.Equal(t, ProjectStatusInProgress, project.Status)

	// Second revision exceeds it and fails the project.
	request = queue.ListPending(PendingFilter{ProjectID: project.ID})[0]
	resolved, err = queue.Respond(ctx, request.ID, Decision{RevisionNotes: "once more"})
	require.NoError(t, err)
	project, err = engine.HandleApproval(ctx, resolved)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeRevisionLimit))
	assert.Equal(t, ProjectStatusFailed, project.Status)
}

func TestEngineFailurePreservesCheckpoint(t *testing.T) {
	ctx := context.Background()
	var healthy bool
	flaky := NewGeneratorFunction("provider-a", func(ctx context.Context, prompt string) (string, error) {
		if !healthy {
			return "", assert.AnError
		}
		return sampleScreenplay, nil
	})
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}), flaky)

	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeNoCandidates))
	assert.Equal(t, ProjectStatusFailed, project.Status)
	assert.Equal(t, 1, fixture.notifier.count(EventPipelineFailed))

	// The script input stage survives the failure.
	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "script", checkpoint.Record("script_input").Text())

	// After the backend recovers, a retry picks up from the checkpoint.
	healthy = true
	project, err = fixture.engine.Retry(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectStatusInProgress, project.Status)
	assert.Equal(t, "screenplay_generation", project.CurrentStage)
	fixture.pendingFor(t, project.ID)
}

func TestEngineRetryRequiresFailedOrPaused(t *testing.T) {
	ctx := context.Background()
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", sampleScreenplay))

	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.NoError(t, err)

	_, err = fixture.engine.Retry(ctx, project.ID)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
}

func TestEngineResumeAll(t *testing.T) {
	ctx := context.Background()
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", sampleScreenplay))

	first, err := fixture.engine.Start(ctx, "one", "script one")
	require.NoError(t, err)
	second, err := fixture.engine.Start(ctx, "two", "script two")
	require.NoError(t, err)

	resumed, err := fixture.engine.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Len(t, resumed, 2)

	// Both projects are still suspended at their gate with one pending
	// approval each.
	assert.Len(t, fixture.queue.ListPending(PendingFilter{ProjectID: first.ID}), 1)
	assert.Len(t, fixture.queue.ListPending(PendingFilter{ProjectID: second.ID}), 1)
}

func TestEngineAutoStageFailsOnInvalidOutput(t *testing.T) {
	ctx := context.Background()
	plan, err := NewPlan(PlanOptions{
		Name: "auto-only",
		Stages: []*Stage{
			{Name: "script_input"},
			{Name: "character_extraction", Mode: StageModeAuto, Providers: []string{"provider-a"}, Strategy: StrategyQualityScore},
			{Name: "final"},
		},
	})
	require.NoError(t, err)
	fixture := newEngineFixture(t, plan,
		staticGenerator("provider-a", "just prose, no headings or dialogue"))

	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
	assert.Equal(t, ProjectStatusFailed, project.Status)
	assert.Contains(t, project.Error, "structurally invalid output")
	assert.Equal(t, 1, fixture.notifier.count(EventPipelineFailed))

	// The checkpoint survives with the completed stages; the invalid stage
	// left no record behind.
	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "script", checkpoint.Record("script_input").Text())
	assert.Nil(t, checkpoint.Record("character_extraction"))
}

func TestEngineGatedStageSuspendsOnInvalidOutput(t *testing.T) {
	ctx := context.Background()
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", "just prose, no headings or dialogue"))

	// A gated stage surfaces the invalid output to its reviewer instead of
	// failing outright.
	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.NoError(t, err)
	assert.Equal(t, ProjectStatusInProgress, project.Status)
	assert.Equal(t, "screenplay_generation", project.CurrentStage)

	request := fixture.pendingFor(t, project.ID)
	assert.Equal(t, false, request.Payload["valid"])

	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.False(t, checkpoint.Record("screenplay_generation").Output.Success)
}

func TestEngineHandleApprovalWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", sampleScreenplay))

	require.NoError(t, fixture.store.SaveProject(ctx, &Project{
		ID:     "proj_orphan",
		Name:   "Orphan",
		Status: ProjectStatusInProgress,
	}))

	_, err := fixture.engine.HandleApproval(ctx, &ApprovalRequest{
		ID:        "appr_orphan",
		ProjectID: "proj_orphan",
		Stage:     "screenplay_generation",
		Status:    ApprovalStatusApproved,
	})
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
}

func TestEngineRelinksApprovalAfterPartialSuspend(t *testing.T) {
	ctx := context.Background()
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", sampleScreenplay))

	project, err := fixture.engine.Start(ctx, "demo", "script")
	require.NoError(t, err)
	request := fixture.pendingFor(t, project.ID)

	// Simulate a crash between filing the request and the checkpoint write
	// that records its identifier.
	checkpoint, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	record := checkpoint.Record("screenplay_generation")
	record.ApprovalID = ""
	checkpoint.SetRecord(record)
	require.NoError(t, fixture.store.SaveCheckpoint(ctx, checkpoint))

	// The next resume relinks the pending request rather than filing a new
	// one, and bumps the version exactly once.
	_, err = fixture.engine.Run(ctx, project.ID)
	require.NoError(t, err)

	relinked, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, request.ID, relinked.Record("screenplay_generation").ApprovalID)
	assert.Len(t, fixture.queue.ListPending(PendingFilter{ProjectID: project.ID}), 1)
	assert.Equal(t, 1, fixture.notifier.count(EventApprovalCreated))

	_, err = fixture.engine.Run(ctx, project.ID)
	require.NoError(t, err)
	final, err := fixture.store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, relinked.Version, final.Version)
}

func TestEngineHandleApprovalRejectsPendingRequest(t *testing.T) {
	fixture := newEngineFixture(t, DefaultPlan([]string{"provider-a"}),
		staticGenerator("provider-a", sampleScreenplay))

	project, err := fixture.engine.Start(context.Background(), "demo", "script")
	require.NoError(t, err)

	request := fixture.pendingFor(t, project.ID)
	_, err = fixture.engine.HandleApproval(context.Background(), request)
	require.Error(t, err)
	assert.True(t, IsErrorType(err, ErrorTypeValidation))
}
