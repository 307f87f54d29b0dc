package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPriorityScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	fresh := &ApprovalRequest{Priority: PriorityHigh, RequestedAt: now}
	assert.Equal(t, 3000.0, fresh.PriorityScore(now))

	// Ten hours of age adds 100 points.
	aged := &ApprovalRequest{Priority: PriorityHigh, RequestedAt: now.Add(-10 * time.Hour)}
	assert.Equal(t, 3100.0, aged.PriorityScore(now))

	// The age bonus caps at 500.
	ancient := &ApprovalRequest{Priority: PriorityHigh, RequestedAt: now.Add(-1000 * time.Hour)}
	assert.Equal(t, 3500.0, ancient.PriorityScore(now))

	// A request timestamped in the future contributes no age bonus.
	future := &ApprovalRequest{Priority: PriorityHigh, RequestedAt: now.Add(time.Hour)}
	assert.Equal(t, 3000.0, future.PriorityScore(now))
}

func TestPriorityScoreDueDateTiers(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	base := &ApprovalRequest{Priority: PriorityNormal, RequestedAt: now}

	overdue := *base
	overdue.DueAt = now.Add(-time.Minute)
	assert.Equal(t, 3000.0, overdue.PriorityScore(now))

	soon := *base
	soon.DueAt = now.Add(12 * time.Hour)
	assert.Equal(t, 2500.0, soon.PriorityScore(now))

	later := *base
	later.DueAt = now.Add(48 * time.Hour)
	assert.Equal(t, 2200.0, later.PriorityScore(now))

	farOut := *base
	farOut.DueAt = now.Add(100 * time.Hour)
	assert.Equal(t, 2000.0, farOut.PriorityScore(now))
}

func TestOverdue(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	pending := &ApprovalRequest{Status: ApprovalStatusPending, DueAt: now.Add(-time.Hour)}
	assert.True(t, pending.Overdue(now))

	noDue := &ApprovalRequest{Status: ApprovalStatusPending}
	assert.False(t, noDue.Overdue(now))

	resolved := &ApprovalRequest{Status: ApprovalStatusApproved, DueAt: now.Add(-time.Hour)}
	assert.False(t, resolved.Overdue(now))

	notYet := &ApprovalRequest{Status: ApprovalStatusPending, DueAt: now.Add(time.Hour)}
	assert.False(t, notYet.Overdue(now))
}

func TestApprovalRequestCopy(t *testing.T) {
	original := &ApprovalRequest{
		ID:      "appr_x",
		Payload: map[string]any{"content": "text"},
		Options: []string{"a", "b"},
	}
	cp := original.Copy()
	cp.Payload["content"] = "changed"
	cp.Options[0] = "z"

	assert.Equal(t, "text", original.Payload["content"])
	assert.Equal(t, "a", original.Options[0])
}
