package retry

import (
	"context"
	"math"
	"time"
)

// Backoff selects how the wait between attempts grows.
type Backoff string

const (
	// BackoffLinear waits baseWait * attempt between attempts.
	BackoffLinear Backoff = "linear"

	// BackoffExponential waits baseWait * 2^(attempt-1) between attempts.
	BackoffExponential Backoff = "exponential"
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	backoff    Backoff
}

// Option configures a call to Do.
type Option func(*config)

// WithMaxRetries sets how many times a failed call is retried after the
// initial attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithBackoff sets the growth curve for waits between attempts.
func WithBackoff(b Backoff) Option {
	return func(c *config) { c.backoff = b }
}

// Do runs fn, retrying recoverable failures until it succeeds, the retry
// budget is exhausted, or the context is done. The last error is returned
// unmodified so callers can inspect it.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := &config{
		maxRetries: 3,
		baseWait:   time.Second,
		maxWait:    30 * time.Second,
		backoff:    BackoffExponential,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return lastErr
		}
		if attempt > cfg.maxRetries {
			break
		}
		wait := cfg.wait(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (c *config) wait(attempt int) time.Duration {
	var wait time.Duration
	switch c.backoff {
	case BackoffLinear:
		wait = c.baseWait * time.Duration(attempt)
	default:
		wait = time.Duration(float64(c.baseWait) * math.Pow(2, float64(attempt-1)))
	}
	if c.maxWait > 0 && wait > c.maxWait {
		wait = c.maxWait
	}
	return wait
}
