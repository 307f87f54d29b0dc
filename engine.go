package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxRevisions bounds how many revision cycles one gated stage may go
// through before the project fails.
const DefaultMaxRevisions = 3

// EngineOptions configures an Engine.
type EngineOptions struct {
	Plan         *Plan
	Merger       *ConsensusMerger
	Queue        *ApprovalQueue
	Store        Store
	Notifier     Notifier
	Clock        Clock
	Logger       *slog.Logger
	MaxRevisions int
}

// Engine drives projects through a plan. Every stage transition is persisted
// as a complete checkpoint before the engine moves on, so a crash or restart
// resumes from the last completed stage rather than rerunning the pipeline.
// A gated stage suspends the run entirely; no goroutine blocks waiting for
// the human. The decision re-enters through HandleApproval.
type Engine struct {
	plan         *Plan
	merger       *ConsensusMerger
	queue        *ApprovalQueue
	store        Store
	notifier     Notifier
	clock        Clock
	logger       *slog.Logger
	maxRevisions int

	// One mutex per project serializes Run and HandleApproval for that
	// project within this process. Cross-process exclusion is the deployment's
	// concern, not the engine's.
	locksMutex sync.Mutex
	locks      map[string]*sync.Mutex
}

// NewEngine returns a new Engine configured with the given options.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	var needsMerger, needsQueue bool
	for _, stage := range opts.Plan.Stages() {
		if stage.Generates() {
			needsMerger = true
		}
		if stage.Gated() {
			needsQueue = true
		}
	}
	if needsMerger && opts.Merger == nil {
		return nil, fmt.Errorf("merger is required for plans with generating stages")
	}
	if needsQueue && opts.Queue == nil {
		return nil, fmt.Errorf("approval queue is required for plans with gated stages")
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNullNotifier()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.MaxRevisions <= 0 {
		opts.MaxRevisions = DefaultMaxRevisions
	}
	return &Engine{
		plan:         opts.Plan,
		merger:       opts.Merger,
		queue:        opts.Queue,
		store:        opts.Store,
		notifier:     opts.Notifier,
		clock:        opts.Clock,
		logger:       opts.Logger,
		maxRevisions: opts.MaxRevisions,
		locks:        map[string]*sync.Mutex{},
	}, nil
}

func (e *Engine) projectLock(projectID string) *sync.Mutex {
	e.locksMutex.Lock()
	defer e.locksMutex.Unlock()
	lock, ok := e.locks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[projectID] = lock
	}
	return lock
}

// Start creates a new project for the given script and runs it until it
// completes, suspends at a gate, or fails.
func (e *Engine) Start(ctx context.Context, name, script string) (*Project, error) {
	if script == "" {
		return nil, NewPipelineError(ErrorTypeValidation, "script is required")
	}
	now := e.clock.Now()
	project := &Project{
		ID:           NewProjectID(),
		Name:         name,
		PlanName:     e.plan.Name(),
		Status:       ProjectStatusCreated,
		CurrentStage: e.plan.First().Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	checkpoint := NewCheckpoint(project.ID, e.plan.First().Name)
	checkpoint.SetRecord(&StageRecord{
		Stage:       e.plan.First().Name,
		Content:     script,
		CompletedAt: now,
	})
	checkpoint.UpdatedAt = now

	if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}
	if err := e.store.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	e.logger.Info("project started",
		"project_id", project.ID,
		"name", name,
		"plan", e.plan.Name())

	return e.Run(ctx, project.ID)
}

// Run advances the project from its checkpointed stage until the plan ends,
// a gated stage suspends it, or a stage fails. Running an already completed
// or suspended project is a no-op, so redundant resumes are safe.
func (e *Engine) Run(ctx context.Context, projectID string) (*Project, error) {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	project, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil {
		return nil, NewPipelineError(ErrorTypeValidation, fmt.Sprintf("project %s not found", projectID))
	}
	if project.Status == ProjectStatusCompleted || project.Status == ProjectStatusFailed || project.Status == ProjectStatusPaused {
		return project, nil
	}
	checkpoint, err := e.store.LoadCheckpoint(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return nil, NewPipelineError(ErrorTypeValidation, fmt.Sprintf("project %s has no checkpoint", projectID))
	}

	if project.Status != ProjectStatusInProgress {
		project.Status = ProjectStatusInProgress
		project.UpdatedAt = e.clock.Now()
		if err := e.store.SaveProject(ctx, project); err != nil {
			return nil, fmt.Errorf("failed to save project: %w", err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return project, err
		}
		stage, ok := e.plan.Stage(checkpoint.Stage)
		if !ok {
			return nil, NewPipelineError(ErrorTypeValidation,
				fmt.Sprintf("checkpoint references unknown stage %q", checkpoint.Stage))
		}

		record := checkpoint.Record(stage.Name)
		if !record.Complete() {
			record, err = e.runStage(ctx, project, checkpoint, stage, record)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return project, err
				}
				return e.failProject(ctx, project, stage.Name, err)
			}
			checkpoint.SetRecord(record)
		}

		if stage.Gated() && !record.Approved {
			return e.suspendAtGate(ctx, project, checkpoint, stage, record)
		}

		next, ok := e.plan.Next(stage.Name)
		if !ok {
			return e.completeProject(ctx, project, checkpoint, stage)
		}
		if err := e.advance(ctx, project, checkpoint, stage, next); err != nil {
			return nil, err
		}
	}
}

// runStage produces the record for one stage. Generating stages fan out to
// providers through the merger; pass-through stages copy the prior stage's
// output forward. Accumulated revision feedback and the revision counter on
// a prior incomplete record survive the rerun.
func (e *Engine) runStage(ctx context.Context, project *Project, checkpoint *Checkpoint, stage *Stage, prior *StageRecord) (*StageRecord, error) {
	record := &StageRecord{Stage: stage.Name}
	if prior != nil {
		record.Feedback = append([]string(nil), prior.Feedback...)
		record.Revisions = prior.Revisions
	}

	input := ""
	if priorStage, ok := e.plan.Prior(stage.Name); ok {
		if priorRecord := checkpoint.Record(priorStage.Name); priorRecord != nil {
			input = priorRecord.Text()
		}
	}
	if input == "" {
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("stage %q has no input from the prior stage", stage.Name))
	}

	if !stage.Generates() {
		record.Content = input
		record.CompletedAt = e.clock.Now()
		return record, nil
	}

	result, err := e.merger.Merge(ctx, GenerationTask{
		Stage:     stage.Name,
		Content:   input,
		Feedback:  record.Feedback,
		Providers: stage.Providers,
		Timeout:   stage.Timeout,
	}, stage.Strategy)
	if err != nil {
		return nil, err
	}
	// Invalid merged output never advances on its own. A gated stage still
	// suspends so the reviewer can request a revision; an auto stage has no
	// reviewer, so the project fails with its checkpoint intact.
	if !result.Success && !stage.Gated() {
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("stage %q produced structurally invalid output", stage.Name))
	}
	record.Output = result
	record.CompletedAt = e.clock.Now()
	return record, nil
}

// suspendAtGate persists the checkpoint first, then files the approval
// request. If the process dies between the two, a resume finds the completed
// record and files the request again; the queue's single-pending rule makes
// the retry harmless.
func (e *Engine) suspendAtGate(ctx context.Context, project *Project, checkpoint *Checkpoint, stage *Stage, record *StageRecord) (*Project, error) {
	// A redundant resume finds the approval it filed last time still pending
	// and leaves everything untouched.
	if record.ApprovalID != "" {
		existing, err := e.store.LoadApproval(ctx, record.ApprovalID)
		if err != nil {
			return nil, fmt.Errorf("failed to load approval: %w", err)
		}
		if existing != nil && existing.Pending() {
			return project, nil
		}
	}

	// A crash between filing the request and recording its identifier leaves
	// a pending approval the checkpoint does not know about. Relink it once
	// instead of rewriting the checkpoint on every resume.
	pendingRequests, err := e.store.ListApprovals(ctx, ApprovalFilter{
		ProjectID: project.ID,
		Stage:     stage.Name,
		Status:    ApprovalStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	if len(pendingRequests) > 0 {
		record.ApprovalID = pendingRequests[0].ID
		checkpoint.SetRecord(record)
		checkpoint.Version++
		checkpoint.UpdatedAt = e.clock.Now()
		if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			return nil, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		e.logger.Debug("relinked pending approval",
			"project_id", project.ID,
			"stage", stage.Name,
			"approval_id", record.ApprovalID)
		return project, nil
	}

	now := e.clock.Now()
	checkpoint.Version++
	checkpoint.UpdatedAt = now
	if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	project.CurrentStage = stage.Name
	project.UpdatedAt = now
	if err := e.store.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	request := &ApprovalRequest{
		ProjectID:   project.ID,
		Stage:       stage.Name,
		Title:       stage.Title,
		Description: stage.Description,
		Priority:    stage.Priority,
	}
	if request.Title == "" {
		request.Title = fmt.Sprintf("Review required: %s", stage.Name)
	}
	if record.Output != nil {
		request.Payload = map[string]any{
			"content":                record.Output.Content,
			"quality_score":          record.Output.QualityScore,
			"contributing_providers": record.Output.ContributingProviders,
			"revisions":              record.Revisions,
			"valid":                  record.Output.Success,
		}
	} else {
		request.Payload = map[string]any{"content": record.Content}
	}

	approvalID, err := e.queue.Enqueue(ctx, request)
	if err != nil {
		if IsErrorType(err, ErrorTypeDuplicatePending) {
			e.logger.Debug("approval already pending",
				"project_id", project.ID,
				"stage", stage.Name)
			return project, nil
		}
		return nil, fmt.Errorf("failed to enqueue approval: %w", err)
	}

	record.ApprovalID = approvalID
	checkpoint.SetRecord(record)
	checkpoint.Version++
	checkpoint.UpdatedAt = e.clock.Now()
	if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	e.logger.Info("project suspended at gate",
		"project_id", project.ID,
		"stage", stage.Name,
		"approval_id", approvalID)

	return project, nil
}

// advance commits the transition to the next stage as one checkpoint write.
func (e *Engine) advance(ctx context.Context, project *Project, checkpoint *Checkpoint, from, to *Stage) error {
	now := e.clock.Now()
	checkpoint.Stage = to.Name
	checkpoint.Version++
	checkpoint.UpdatedAt = now
	if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	project.CurrentStage = to.Name
	project.UpdatedAt = now
	if err := e.store.SaveProject(ctx, project); err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	e.logger.Info("stage advanced",
		"project_id", project.ID,
		"from", from.Name,
		"to", to.Name,
		"version", checkpoint.Version)

	e.notifier.Notify(ctx, &Event{
		Type:      EventStageAdvanced,
		ProjectID: project.ID,
		Stage:     to.Name,
		Time:      now,
		Payload:   map[string]any{"from": from.Name, "version": checkpoint.Version},
	})
	return nil
}

func (e *Engine) completeProject(ctx context.Context, project *Project, checkpoint *Checkpoint, last *Stage) (*Project, error) {
	now := e.clock.Now()
	checkpoint.Version++
	checkpoint.UpdatedAt = now
	if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	project.Status = ProjectStatusCompleted
	project.CurrentStage = last.Name
	project.UpdatedAt = now
	if err := e.store.SaveProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	e.logger.Info("project completed", "project_id", project.ID)

	e.notifier.Notify(ctx, &Event{
		Type:      EventPipelineCompleted,
		ProjectID: project.ID,
		Stage:     last.Name,
		Time:      now,
	})
	return project, nil
}

// failProject marks the project failed but leaves its checkpoint intact, so
// completed stage outputs survive for a later Retry.
func (e *Engine) failProject(ctx context.Context, project *Project, stage string, cause error) (*Project, error) {
	now := e.clock.Now()
	project.Status = ProjectStatusFailed
	project.Error = cause.Error()
	project.UpdatedAt = now
	if err := e.store.SaveProject(ctx, project); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("failed to save project: %w", err))
	}

	e.logger.Error("project failed",
		"project_id", project.ID,
		"stage", stage,
		"error", cause)

	e.notifier.Notify(ctx, &Event{
		Type:      EventPipelineFailed,
		ProjectID: project.ID,
		Stage:     stage,
		Time:      now,
		Payload:   map[string]any{"error": cause.Error()},
	})
	return project, cause
}

// HandleApproval applies a resolved approval request to its project. An
// approved decision marks the gate passed and resumes the run. A rejection
// pauses the project. A revision request reruns the gated stage with the
// reviewer's notes appended to the prompt, bounded by the revision limit.
func (e *Engine) HandleApproval(ctx context.Context, request *ApprovalRequest) (*Project, error) {
	if request.Pending() {
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("approval %s is still pending", request.ID))
	}

	lock := e.projectLock(request.ProjectID)
	lock.Lock()

	project, err := e.store.LoadProject(ctx, request.ProjectID)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil {
		lock.Unlock()
		return nil, NewPipelineError(ErrorTypeValidation, fmt.Sprintf("project %s not found", request.ProjectID))
	}
	checkpoint, err := e.store.LoadCheckpoint(ctx, request.ProjectID)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint == nil {
		lock.Unlock()
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("project %s has no checkpoint", request.ProjectID))
	}
	record := checkpoint.Record(request.Stage)
	if record == nil {
		lock.Unlock()
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("project %s has no record for stage %q", request.ProjectID, request.Stage))
	}

	now := e.clock.Now()
	switch request.Status {
	case ApprovalStatusApproved:
		record.Approved = true
		record.ApprovalID = request.ID
		checkpoint.SetRecord(record)
		checkpoint.Version++
		checkpoint.UpdatedAt = now
		if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		lock.Unlock()

		e.logger.Info("gate approved",
			"project_id", project.ID,
			"stage", request.Stage,
			"resolved_by", request.ResolvedBy)
		return e.Run(ctx, project.ID)

	case ApprovalStatusRejected:
		defer lock.Unlock()
		project.Status = ProjectStatusPaused
		if request.Feedback != "" {
			project.Error = fmt.Sprintf("stage %q rejected: %s", request.Stage, request.Feedback)
		} else {
			project.Error = fmt.Sprintf("stage %q rejected", request.Stage)
		}
		project.UpdatedAt = now
		if err := e.store.SaveProject(ctx, project); err != nil {
			return nil, fmt.Errorf("failed to save project: %w", err)
		}

		e.logger.Info("project paused on rejection",
			"project_id", project.ID,
			"stage", request.Stage)

		e.notifier.Notify(ctx, &Event{
			Type:      EventPipelinePaused,
			ProjectID: project.ID,
			Stage:     request.Stage,
			Time:      now,
			Payload:   map[string]any{"feedback": request.Feedback},
		})
		return project, nil

	case ApprovalStatusRevisionRequested:
		if record.Revisions+1 > e.maxRevisions {
			defer lock.Unlock()
			return e.failProject(ctx, project, request.Stage, NewRevisionLimitError(request.Stage, e.maxRevisions))
		}
		record.Revisions++
		if request.Feedback != "" {
			record.Feedback = append(record.Feedback, request.Feedback)
		}
		record.Output = nil
		record.Content = ""
		record.Approved = false
		record.ApprovalID = ""
		checkpoint.SetRecord(record)
		checkpoint.Version++
		checkpoint.UpdatedAt = now
		if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
			lock.Unlock()
			return nil, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		lock.Unlock()

		e.logger.Info("revision requested",
			"project_id", project.ID,
			"stage", request.Stage,
			"revision", record.Revisions,
			"feedback", request.Feedback)
		return e.Run(ctx, project.ID)

	default:
		lock.Unlock()
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("unexpected approval status %q", request.Status))
	}
}

// ResumeAll reruns every in-progress project, typically at process start.
// Projects suspended at a gate simply re-verify their pending request and
// suspend again. Individual project failures do not stop the sweep.
func (e *Engine) ResumeAll(ctx context.Context) ([]*Project, error) {
	projects, err := e.store.ListProjects(ctx, ProjectStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	resumed := make([]*Project, 0, len(projects))
	var errs []error
	for _, project := range projects {
		updated, err := e.Run(ctx, project.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", project.ID, err))
			continue
		}
		resumed = append(resumed, updated)
	}
	return resumed, errors.Join(errs...)
}

// Retry reruns a failed or paused project from its checkpoint. Completed
// stage records are preserved, so only the failing stage runs again.
func (e *Engine) Retry(ctx context.Context, projectID string) (*Project, error) {
	lock := e.projectLock(projectID)
	lock.Lock()

	project, err := e.store.LoadProject(ctx, projectID)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if project == nil {
		lock.Unlock()
		return nil, NewPipelineError(ErrorTypeValidation, fmt.Sprintf("project %s not found", projectID))
	}
	if project.Status != ProjectStatusFailed && project.Status != ProjectStatusPaused {
		lock.Unlock()
		return nil, NewPipelineError(ErrorTypeValidation,
			fmt.Sprintf("project %s is %s, only failed or paused projects can be retried", projectID, project.Status))
	}
	project.Status = ProjectStatusInProgress
	project.Error = ""
	project.UpdatedAt = e.clock.Now()
	if err := e.store.SaveProject(ctx, project); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to save project: %w", err)
	}
	lock.Unlock()

	e.logger.Info("project retry", "project_id", projectID)
	return e.Run(ctx, projectID)
}
