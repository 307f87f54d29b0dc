package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MergeStrategy selects how surviving candidates are reduced to one result.
type MergeStrategy string

const (
	// StrategyConsensus synthesizes a new result from all surviving
	// candidates: the union of their structural elements, ordered by the
	// first survivor. This is the default.
	StrategyConsensus MergeStrategy = "consensus"

	// StrategyQualityScore scores every candidate on the fixed rubric and
	// passes through the highest-scoring one.
	StrategyQualityScore MergeStrategy = "quality_score"

	// StrategyBestElements passes through the structurally most complete
	// candidate, measured by scene-heading count alone. Deliberately crude;
	// kept as a selectable strategy, not the recommended default.
	StrategyBestElements MergeStrategy = "best_elements"
)

// MergedResult is the output of one consensus merge.
type MergedResult struct {
	Content               string        `json:"content"`
	QualityScore          int           `json:"quality_score"`
	ContributingProviders []string      `json:"contributing_providers"`
	Strategy              MergeStrategy `json:"strategy"`
	Success               bool          `json:"success"`
}

// ConsensusMergerOptions configures a ConsensusMerger.
type ConsensusMergerOptions struct {
	Pool   *ProviderPool
	Logger *slog.Logger
}

// ConsensusMerger fans a task out to every listed provider concurrently,
// tolerates partial failure, and deterministically reduces whatever
// candidates survive into one ranked result.
type ConsensusMerger struct {
	pool   *ProviderPool
	logger *slog.Logger
}

// NewConsensusMerger creates a merger over the given provider pool.
func NewConsensusMerger(opts ConsensusMergerOptions) (*ConsensusMerger, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("provider pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &ConsensusMerger{pool: opts.Pool, logger: opts.Logger}, nil
}

// Merge dispatches the task to every provider concurrently, waits for all of
// them to finish or time out, then applies the strategy to the survivors.
// It returns a no_candidates error when every provider failed; a merged
// output that fails structural validation is returned with Success=false so
// the caller can route to a revision path.
func (m *ConsensusMerger) Merge(ctx context.Context, task GenerationTask, strategy MergeStrategy) (*MergedResult, error) {
	if len(task.Providers) == 0 {
		return nil, NewPipelineError(ErrorTypeValidation, "task has no providers")
	}
	if strategy == "" {
		strategy = StrategyConsensus
	}

	// Fan out. Results are indexed by the task's provider order so the
	// survivor list stays deterministic regardless of completion order.
	candidates := make([]Candidate, len(task.Providers))
	var wg sync.WaitGroup
	for i, providerID := range task.Providers {
		wg.Add(1)
		go func(i int, providerID string) {
			defer wg.Done()
			candidates[i] = m.pool.Call(ctx, providerID, task)
		}(i, providerID)
	}
	wg.Wait()

	var survivors []Candidate
	for _, candidate := range candidates {
		if candidate.Succeeded {
			survivors = append(survivors, candidate)
		} else {
			m.logger.Warn("candidate discarded",
				"provider", candidate.Provider,
				"stage", task.Stage,
				"error", candidate.Error)
		}
	}
	if len(survivors) == 0 {
		return nil, NewNoCandidatesError(task.Stage)
	}

	var content string
	switch strategy {
	case StrategyConsensus:
		content = mergeCandidates(survivors)
	case StrategyQualityScore:
		content = selectCandidate(survivors, ScoreContent)
	case StrategyBestElements:
		content = selectCandidate(survivors, func(text string) int {
			return len(ExtractSceneHeadings(text))
		})
	default:
		return nil, NewPipelineError(ErrorTypeValidation, fmt.Sprintf("unknown merge strategy %q", strategy))
	}

	contributing := make([]string, 0, len(survivors))
	for _, candidate := range survivors {
		contributing = append(contributing, candidate.Provider)
	}

	result := &MergedResult{
		Content:               content,
		QualityScore:          ScoreContent(content),
		ContributingProviders: contributing,
		Strategy:              strategy,
		Success:               ValidateStructure(content),
	}

	m.logger.Info("merge completed",
		"stage", task.Stage,
		"strategy", strategy,
		"survivors", len(survivors),
		"quality_score", result.QualityScore,
		"valid", result.Success)

	return result, nil
}

// selectCandidate returns the content of the highest-scoring candidate.
// Ties go to the earlier provider in the task's provider order.
func selectCandidate(candidates []Candidate, score func(string) int) string {
	best := 0
	bestScore := score(candidates[0].Content)
	for i := 1; i < len(candidates); i++ {
		if s := score(candidates[i].Content); s > bestScore {
			best = i
			bestScore = s
		}
	}
	return candidates[best].Content
}

// mergeCandidates builds a consensus text from all survivors: the first
// survivor's blocks in their original order, then any scene headings or
// dialogue blocks that appear only in later survivors. Deterministic given
// the same candidate set and order.
func mergeCandidates(candidates []Candidate) string {
	if len(candidates) == 1 {
		return candidates[0].Content
	}

	seen := make(map[string]bool)
	var merged []string
	for _, block := range SplitBlocks(candidates[0].Content) {
		merged = append(merged, block)
		seen[block] = true
	}

	for _, candidate := range candidates[1:] {
		for _, block := range SplitBlocks(candidate.Content) {
			if seen[block] {
				continue
			}
			if IsSceneHeading(block) || IsDialogueBlock(block) {
				merged = append(merged, block)
				seen[block] = true
			}
		}
	}

	return strings.Join(merged, "\n\n")
}
