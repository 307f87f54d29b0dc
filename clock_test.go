package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock for tests that depend on age or
// due-date arithmetic.
type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

func TestSystemClock(t *testing.T) {
	clock := SystemClock()
	before := time.Now()
	now := clock.Now()
	require.False(t, now.Before(before))
}

func TestFakeClockAdvance(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	require.Equal(t, base, clock.Now())

	clock.Advance(3 * time.Hour)
	require.Equal(t, base.Add(3*time.Hour), clock.Now())
}
