package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Decision is one human response to a pending approval request. Approved
// wins; otherwise revision notes turn the decision into a revision request
// and an empty decision is a rejection.
type Decision struct {
	Approved       bool
	ResolvedBy     string
	SelectedOption string
	Feedback       string
	RevisionNotes  string
}

func (d Decision) status() ApprovalStatus {
	switch {
	case d.Approved:
		return ApprovalStatusApproved
	case d.RevisionNotes != "":
		return ApprovalStatusRevisionRequested
	default:
		return ApprovalStatusRejected
	}
}

// PendingFilter narrows ListPending results. Zero-value fields match all.
type PendingFilter struct {
	ProjectID  string
	AssignedTo string
	Limit      int
}

// Workload summarizes one reviewer's pending assignments.
type Workload struct {
	UserID       string                   `json:"user_id"`
	TotalPending int                      `json:"total_pending"`
	ByPriority   map[ApprovalPriority]int `json:"by_priority"`
	OverdueCount int                      `json:"overdue_count"`
}

// ApprovalQueueOptions configures an ApprovalQueue.
type ApprovalQueueOptions struct {
	Store    Store
	Clock    Clock
	Notifier Notifier
	Logger   *slog.Logger
}

// ApprovalQueue serializes human-in-the-loop gate decisions. Pending
// requests are held in a working set ordered by a priority score recomputed
// at read time; resolved requests remain in the store as history.
type ApprovalQueue struct {
	store    Store
	clock    Clock
	notifier Notifier
	logger   *slog.Logger

	// One mutex guards the working set and both indexes so a mutation is
	// never visible to only one view of the data.
	mutex          sync.Mutex
	pending        map[string]*ApprovalRequest
	byUser         map[string]map[string]bool
	byProjectStage map[string]string
}

// NewApprovalQueue creates a queue over the given store and rebuilds the
// pending working set from it, so a restart picks up where it left off.
func NewApprovalQueue(opts ApprovalQueueOptions) (*ApprovalQueue, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNullNotifier()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	q := &ApprovalQueue{
		store:          opts.Store,
		clock:          opts.Clock,
		notifier:       opts.Notifier,
		logger:         opts.Logger,
		pending:        map[string]*ApprovalRequest{},
		byUser:         map[string]map[string]bool{},
		byProjectStage: map[string]string{},
	}
	requests, err := opts.Store.ListApprovals(context.Background(), ApprovalFilter{Status: ApprovalStatusPending})
	if err != nil {
		return nil, fmt.Errorf("failed to load pending approvals: %w", err)
	}
	for _, request := range requests {
		q.index(request)
	}
	return q, nil
}

// index adds a pending request to the working set. Caller holds the mutex
// (or is the constructor, before the queue is shared).
func (q *ApprovalQueue) index(request *ApprovalRequest) {
	q.pending[request.ID] = request
	q.byProjectStage[projectStageKey(request.ProjectID, request.Stage)] = request.ID
	if request.AssignedTo != "" {
		if q.byUser[request.AssignedTo] == nil {
			q.byUser[request.AssignedTo] = map[string]bool{}
		}
		q.byUser[request.AssignedTo][request.ID] = true
	}
}

// unindex removes a request from the working set. Caller holds the mutex.
func (q *ApprovalQueue) unindex(request *ApprovalRequest) {
	delete(q.pending, request.ID)
	delete(q.byProjectStage, projectStageKey(request.ProjectID, request.Stage))
	if request.AssignedTo != "" {
		delete(q.byUser[request.AssignedTo], request.ID)
	}
}

func projectStageKey(projectID, stage string) string {
	return projectID + "\x00" + stage
}

// Enqueue files a new approval request and returns its identifier. At most
// one pending request may exist per project and stage; a second one fails
// with a duplicate_pending error.
func (q *ApprovalQueue) Enqueue(ctx context.Context, request *ApprovalRequest) (string, error) {
	if request.ProjectID == "" || request.Stage == "" {
		return "", NewPipelineError(ErrorTypeValidation, "approval request requires project and stage")
	}
	if request.Priority < PriorityLow || request.Priority > PriorityCritical {
		request.Priority = PriorityNormal
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if _, exists := q.byProjectStage[projectStageKey(request.ProjectID, request.Stage)]; exists {
		return "", NewDuplicatePendingError(request.ProjectID, request.Stage)
	}

	request = request.Copy()
	if request.ID == "" {
		request.ID = NewApprovalID()
	}
	request.Status = ApprovalStatusPending
	request.RequestedAt = q.clock.Now()

	if err := q.store.SaveApproval(ctx, request); err != nil {
		return "", fmt.Errorf("failed to save approval request: %w", err)
	}
	q.index(request)

	q.logger.Info("approval request created",
		"approval_id", request.ID,
		"project_id", request.ProjectID,
		"stage", request.Stage,
		"priority", request.Priority,
		"assigned_to", request.AssignedTo)

	q.notifier.Notify(ctx, &Event{
		Type:      EventApprovalCreated,
		ProjectID: request.ProjectID,
		Stage:     request.Stage,
		Time:      request.RequestedAt,
		Payload: map[string]any{
			"approval_id": request.ID,
			"title":       request.Title,
			"priority":    request.Priority,
			"assigned_to": request.AssignedTo,
		},
	})

	return request.ID, nil
}

// ListPending returns pending requests matching the filter in descending
// priority-score order. Scores are computed fresh on every call since age
// and due-date proximity change continuously.
func (q *ApprovalQueue) ListPending(filter PendingFilter) []*ApprovalRequest {
	now := q.clock.Now()

	q.mutex.Lock()
	var requests []*ApprovalRequest
	for _, request := range q.pending {
		if filter.ProjectID != "" && request.ProjectID != filter.ProjectID {
			continue
		}
		if filter.AssignedTo != "" && request.AssignedTo != filter.AssignedTo {
			continue
		}
		requests = append(requests, request.Copy())
	}
	q.mutex.Unlock()

	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].PriorityScore(now) > requests[j].PriorityScore(now)
	})
	if filter.Limit > 0 && len(requests) > filter.Limit {
		requests = requests[:filter.Limit]
	}
	return requests
}

// Respond records a human decision on a pending request and returns the
// resolved record. Responding to a request that is no longer pending fails
// with an already_resolved error.
func (q *ApprovalQueue) Respond(ctx context.Context, id string, decision Decision) (*ApprovalRequest, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	request, ok := q.pending[id]
	if !ok {
		stored, err := q.store.LoadApproval(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load approval request: %w", err)
		}
		if stored == nil {
			return nil, NewPipelineError(ErrorTypeValidation, fmt.Sprintf("approval %s not found", id))
		}
		return nil, NewAlreadyResolvedError(id, stored.Status)
	}

	now := q.clock.Now()
	resolved := request.Copy()
	resolved.Status = decision.status()
	resolved.ResolvedAt = now
	resolved.ResolvedBy = decision.ResolvedBy
	resolved.SelectedOption = decision.SelectedOption
	resolved.Feedback = decision.Feedback
	if decision.RevisionNotes != "" {
		resolved.Feedback = decision.RevisionNotes
	}
	resolved.ResponseTime = now.Sub(resolved.RequestedAt)

	if err := q.store.SaveApproval(ctx, resolved); err != nil {
		return nil, fmt.Errorf("failed to save approval response: %w", err)
	}
	q.unindex(request)

	q.logger.Info("approval request resolved",
		"approval_id", id,
		"status", resolved.Status,
		"resolved_by", resolved.ResolvedBy,
		"response_time", resolved.ResponseTime)

	q.notifier.Notify(ctx, &Event{
		Type:      EventApprovalResolved,
		ProjectID: resolved.ProjectID,
		Stage:     resolved.Stage,
		Time:      now,
		Payload: map[string]any{
			"approval_id":     id,
			"status":          resolved.Status,
			"resolved_by":     resolved.ResolvedBy,
			"selected_option": resolved.SelectedOption,
		},
	})

	return resolved.Copy(), nil
}

// Reassign moves a pending request to a new assignee. The request record and
// the per-user indexes change under one lock so the reassignment is never
// visible to only one of the two views.
func (q *ApprovalQueue) Reassign(ctx context.Context, id, newAssignee string) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	request, ok := q.pending[id]
	if !ok {
		stored, err := q.store.LoadApproval(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load approval request: %w", err)
		}
		if stored == nil {
			return NewPipelineError(ErrorTypeValidation, fmt.Sprintf("approval %s not found", id))
		}
		return NewAlreadyResolvedError(id, stored.Status)
	}

	oldAssignee := request.AssignedTo
	updated := request.Copy()
	updated.AssignedTo = newAssignee
	if err := q.store.SaveApproval(ctx, updated); err != nil {
		return fmt.Errorf("failed to save reassignment: %w", err)
	}

	if oldAssignee != "" {
		delete(q.byUser[oldAssignee], id)
	}
	if newAssignee != "" {
		if q.byUser[newAssignee] == nil {
			q.byUser[newAssignee] = map[string]bool{}
		}
		q.byUser[newAssignee][id] = true
	}
	q.pending[id] = updated

	q.logger.Info("approval request reassigned",
		"approval_id", id,
		"old_assignee", oldAssignee,
		"new_assignee", newAssignee)

	q.notifier.Notify(ctx, &Event{
		Type:      EventApprovalReassigned,
		ProjectID: updated.ProjectID,
		Stage:     updated.Stage,
		Time:      q.clock.Now(),
		Payload: map[string]any{
			"approval_id":  id,
			"old_assignee": oldAssignee,
			"new_assignee": newAssignee,
		},
	})

	return nil
}

// Cancel rejects a pending request on behalf of an operator, recording the
// reason as feedback.
func (q *ApprovalQueue) Cancel(ctx context.Context, id, cancelledBy, reason string) error {
	_, err := q.Respond(ctx, id, Decision{
		ResolvedBy: cancelledBy,
		Feedback:   fmt.Sprintf("cancelled: %s", reason),
	})
	return err
}

// ExpireOverdue auto-rejects every pending request whose due date has
// passed, recording the feedback note "expired". It is safe to run
// redundantly: an already-resolved request is simply no longer pending.
// Returns the identifiers of the requests that were expired.
func (q *ApprovalQueue) ExpireOverdue(ctx context.Context) ([]string, error) {
	now := q.clock.Now()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	var expired []string
	for id, request := range q.pending {
		if !request.Overdue(now) {
			continue
		}
		resolved := request.Copy()
		resolved.Status = ApprovalStatusRejected
		resolved.ResolvedAt = now
		resolved.Feedback = "expired"
		resolved.ResponseTime = now.Sub(resolved.RequestedAt)

		if err := q.store.SaveApproval(ctx, resolved); err != nil {
			return expired, fmt.Errorf("failed to save expired approval %s: %w", id, err)
		}
		q.unindex(request)
		expired = append(expired, id)

		q.logger.Info("approval request expired",
			"approval_id", id,
			"project_id", request.ProjectID,
			"stage", request.Stage,
			"due_at", request.DueAt)

		q.notifier.Notify(ctx, &Event{
			Type:      EventApprovalExpired,
			ProjectID: request.ProjectID,
			Stage:     request.Stage,
			Time:      now,
			Payload:   map[string]any{"approval_id": id},
		})
	}
	return expired, nil
}

// History returns all approval requests for a project, newest first.
func (q *ApprovalQueue) History(ctx context.Context, projectID string) ([]*ApprovalRequest, error) {
	return q.store.ListApprovals(ctx, ApprovalFilter{ProjectID: projectID})
}

// GetWorkload summarizes a reviewer's pending assignments: counts by
// priority and how many are overdue.
func (q *ApprovalQueue) GetWorkload(userID string) Workload {
	now := q.clock.Now()

	q.mutex.Lock()
	defer q.mutex.Unlock()

	workload := Workload{
		UserID:     userID,
		ByPriority: map[ApprovalPriority]int{},
	}
	for id := range q.byUser[userID] {
		request, ok := q.pending[id]
		if !ok {
			continue
		}
		workload.TotalPending++
		workload.ByPriority[request.Priority]++
		if request.Overdue(now) {
			workload.OverdueCount++
		}
	}
	return workload
}
