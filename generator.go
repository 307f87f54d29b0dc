package pipeline

import (
	"context"
	"strings"
	"time"
)

// Generator is one interchangeable generation backend. Prompt construction
// and transport belong to the implementation; the core only sees text in,
// text out.
type Generator interface {

	// Name returns the provider identifier used in GenerationTask.Providers.
	Name() string

	// Generate produces content for the given prompt payload.
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorRegistry is a map of provider identifiers to generators
type GeneratorRegistry map[string]Generator

// GeneratorFunction is a function that can be used as a generator
type GeneratorFunction struct {
	name string
	fn   func(ctx context.Context, prompt string) (string, error)
}

// NewGeneratorFunction creates a new GeneratorFunction
func NewGeneratorFunction(name string, fn func(ctx context.Context, prompt string) (string, error)) *GeneratorFunction {
	return &GeneratorFunction{name: name, fn: fn}
}

func (g *GeneratorFunction) Name() string {
	return g.name
}

func (g *GeneratorFunction) Generate(ctx context.Context, prompt string) (string, error) {
	return g.fn(ctx, prompt)
}

// GenerationTask is the input to one consensus merge: a content payload plus
// the ordered providers to fan out to. Immutable once dispatched.
type GenerationTask struct {
	Stage     string        `json:"stage"`
	Content   string        `json:"content"`
	Feedback  []string      `json:"feedback,omitempty"`
	Providers []string      `json:"providers"`
	Timeout   time.Duration `json:"timeout"`
}

// Prompt returns the content payload with any accumulated revision feedback
// appended, which is what each provider receives.
func (t GenerationTask) Prompt() string {
	if len(t.Feedback) == 0 {
		return t.Content
	}
	var b strings.Builder
	b.WriteString(t.Content)
	b.WriteString("\n\nREVISION NOTES:\n")
	for _, note := range t.Feedback {
		b.WriteString("- ")
		b.WriteString(note)
		b.WriteString("\n")
	}
	return b.String()
}

// Candidate is one provider's output for a GenerationTask. It lives only for
// the duration of one merge operation.
type Candidate struct {
	Provider  string        `json:"provider"`
	Content   string        `json:"content"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
}
