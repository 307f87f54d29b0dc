package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/greenroom-ai/pipeline/retry"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// ProviderPoolOptions configures a ProviderPool.
type ProviderPoolOptions struct {
	Generators []Generator
	MaxRetries int
	RetryDelay time.Duration
	Backoff    retry.Backoff
	Logger     *slog.Logger
}

// ProviderPool wraps N interchangeable generation backends behind one
// capability. Each call retries transient failures internally and reports the
// outcome as a Candidate; a failing provider never aborts the pool.
type ProviderPool struct {
	generators GeneratorRegistry
	maxRetries int
	retryDelay time.Duration
	backoff    retry.Backoff
	logger     *slog.Logger
}

// NewProviderPool creates a pool over the given generators.
func NewProviderPool(opts ProviderPoolOptions) (*ProviderPool, error) {
	if len(opts.Generators) == 0 {
		return nil, fmt.Errorf("generators are required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.Backoff == "" {
		opts.Backoff = retry.BackoffLinear
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	generators := make(GeneratorRegistry, len(opts.Generators))
	for _, generator := range opts.Generators {
		if generator.Name() == "" {
			return nil, fmt.Errorf("generator name required")
		}
		generators[generator.Name()] = generator
	}
	return &ProviderPool{
		generators: generators,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		backoff:    opts.Backoff,
		logger:     opts.Logger,
	}, nil
}

// Providers returns the identifiers of all registered generators.
func (p *ProviderPool) Providers() []string {
	names := make([]string, 0, len(p.generators))
	for name := range p.generators {
		names = append(names, name)
	}
	return names
}

// Call invokes one provider for the task, retrying transient failures up to
// the configured cap. It always returns a Candidate: after the cap the last
// error is reported with Succeeded=false rather than propagated, and a call
// that exceeds its deadline is a failure like any other.
func (p *ProviderPool) Call(ctx context.Context, providerID string, task GenerationTask) Candidate {
	start := time.Now()

	generator, ok := p.generators[providerID]
	if !ok {
		return Candidate{
			Provider: providerID,
			Error:    fmt.Sprintf("unknown provider %q", providerID),
		}
	}

	prompt := task.Prompt()
	attempt := 0
	var content string

	err := retry.Do(ctx, func() error {
		attempt++
		callCtx := ctx
		if task.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, task.Timeout)
			defer cancel()
		}
		text, genErr := generator.Generate(callCtx, prompt)
		if genErr != nil {
			p.logger.Warn("provider call failed",
				"provider", providerID,
				"stage", task.Stage,
				"attempt", attempt,
				"error", genErr)
			return retry.NewRecoverableError(genErr)
		}
		p.logger.Info("provider call succeeded",
			"provider", providerID,
			"stage", task.Stage,
			"attempt", attempt)
		content = text
		return nil
	},
		retry.WithMaxRetries(p.maxRetries-1),
		retry.WithBaseWait(p.retryDelay),
		retry.WithBackoff(p.backoff))

	candidate := Candidate{
		Provider: providerID,
		Latency:  time.Since(start),
	}
	if err != nil {
		candidate.Error = err.Error()
		return candidate
	}
	candidate.Content = content
	candidate.Succeeded = true
	return candidate
}
