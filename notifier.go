package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Event type constants emitted through the Notifier.
const (
	EventApprovalCreated    = "approval_created"
	EventApprovalResolved   = "approval_resolved"
	EventApprovalReassigned = "approval_reassigned"
	EventApprovalExpired    = "approval_expired"
	EventStageAdvanced      = "stage_advanced"
	EventPipelineCompleted  = "pipeline_completed"
	EventPipelinePaused     = "pipeline_paused"
	EventPipelineFailed     = "pipeline_failed"
)

// Event carries one pipeline occurrence to the notification sink.
type Event struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Time      time.Time      `json:"time,omitzero"`
}

// Notifier receives pipeline events. Delivery transport (WebSocket, webhook,
// message bus) is up to the implementation; the core only emits.
type Notifier interface {
	Notify(ctx context.Context, event *Event)
}

// NullNotifier discards all events.
type NullNotifier struct{}

func NewNullNotifier() *NullNotifier { return &NullNotifier{} }

func (n *NullNotifier) Notify(ctx context.Context, event *Event) {
	// noop
}

// SlogNotifier writes events to a structured logger.
type SlogNotifier struct {
	logger *slog.Logger
}

func NewSlogNotifier(logger *slog.Logger) *SlogNotifier {
	return &SlogNotifier{logger: logger}
}

func (n *SlogNotifier) Notify(ctx context.Context, event *Event) {
	n.logger.Info("pipeline event",
		"event", event.Type,
		"project_id", event.ProjectID,
		"stage", event.Stage,
		"payload", event.Payload)
}

// NotifierChain fans one event out to multiple notifiers in order.
type NotifierChain struct {
	notifiers []Notifier
}

func NewNotifierChain(notifiers ...Notifier) *NotifierChain {
	return &NotifierChain{notifiers: notifiers}
}

// Add appends a notifier to the chain.
func (c *NotifierChain) Add(notifier Notifier) {
	c.notifiers = append(c.notifiers, notifier)
}

func (c *NotifierChain) Notify(ctx context.Context, event *Event) {
	for _, notifier := range c.notifiers {
		notifier.Notify(ctx, event)
	}
}
