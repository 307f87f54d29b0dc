package pipeline

import (
	"time"

	"go.jetify.com/typeid"
)

// NewApprovalID returns a new prefixed identifier for an approval request
func NewApprovalID() string {
	id, err := typeid.WithPrefix("appr")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ApprovalStatus represents the state of one approval request. A request is
// mutated exactly once: pending to one of the terminal statuses.
type ApprovalStatus string

const (
	ApprovalStatusPending           ApprovalStatus = "pending"
	ApprovalStatusApproved          ApprovalStatus = "approved"
	ApprovalStatusRejected          ApprovalStatus = "rejected"
	ApprovalStatusRevisionRequested ApprovalStatus = "revision_requested"
)

// ApprovalPriority orders pending requests, 1 (low) through 5 (critical).
type ApprovalPriority int

const (
	PriorityLow      ApprovalPriority = 1
	PriorityNormal   ApprovalPriority = 2
	PriorityHigh     ApprovalPriority = 3
	PriorityUrgent   ApprovalPriority = 4
	PriorityCritical ApprovalPriority = 5
)

// Priority score tuning. Priority dominates, age provides fairness so old
// low-priority requests are never starved forever, and due-date proximity
// escalates in tiers.
const (
	priorityWeight   = 1000
	agePointsPerHour = 10
	maxAgeBonus      = 500
	overdueBonus     = 1000
	dueSoonBonus     = 500 // due within 24h
	dueLaterBonus    = 200 // due within 72h
)

// ApprovalRequest is one pending or resolved human decision. Resolved
// requests are retained indefinitely as audit history.
type ApprovalRequest struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	Stage          string           `json:"stage"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Payload        map[string]any   `json:"payload,omitempty"`
	Options        []string         `json:"options,omitempty"`
	Status         ApprovalStatus   `json:"status"`
	AssignedTo     string           `json:"assigned_to,omitempty"`
	Priority       ApprovalPriority `json:"priority"`
	RequestedAt    time.Time        `json:"requested_at,omitzero"`
	DueAt          time.Time        `json:"due_at,omitzero"`
	ResolvedAt     time.Time        `json:"resolved_at,omitzero"`
	ResolvedBy     string           `json:"resolved_by,omitempty"`
	SelectedOption string           `json:"selected_option,omitempty"`
	Feedback       string           `json:"feedback,omitempty"`
	ResponseTime   time.Duration    `json:"response_time,omitempty"`
}

// Pending reports whether the request still awaits a decision.
func (r *ApprovalRequest) Pending() bool {
	return r.Status == ApprovalStatusPending
}

// Overdue reports whether the request is pending past its due date.
func (r *ApprovalRequest) Overdue(now time.Time) bool {
	return r.Pending() && !r.DueAt.IsZero() && now.After(r.DueAt)
}

// PriorityScore computes the queue ordering score at the given instant:
// priority*1000 + capped age bonus + tiered due-date bonus. It must be
// recomputed at read time since age and due-date proximity change
// continuously.
func (r *ApprovalRequest) PriorityScore(now time.Time) float64 {
	score := float64(r.Priority) * priorityWeight

	ageBonus := now.Sub(r.RequestedAt).Hours() * agePointsPerHour
	if ageBonus < 0 {
		ageBonus = 0
	}
	if ageBonus > maxAgeBonus {
		ageBonus = maxAgeBonus
	}
	score += ageBonus

	if !r.DueAt.IsZero() {
		untilDue := r.DueAt.Sub(now)
		switch {
		case untilDue < 0:
			score += overdueBonus
		case untilDue < 24*time.Hour:
			score += dueSoonBonus
		case untilDue < 72*time.Hour:
			score += dueLaterBonus
		}
	}
	return score
}

// Copy returns a copy of the request with its own payload and options.
func (r *ApprovalRequest) Copy() *ApprovalRequest {
	cp := *r
	if r.Payload != nil {
		cp.Payload = make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			cp.Payload[k] = v
		}
	}
	if r.Options != nil {
		cp.Options = append([]string(nil), r.Options...)
	}
	return &cp
}
