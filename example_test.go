package pipeline_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/greenroom-ai/pipeline"
)

const exampleDraft = `INT. OBSERVATORY - NIGHT

The dome grinds open above a lone telescope.

VEGA
There. Third star from the ridge.

HALE
That's no star.`

func TestPipelineLibraryExample(t *testing.T) {
	store := pipeline.NewMemoryStore()

	queue, err := pipeline.NewApprovalQueue(pipeline.ApprovalQueueOptions{
		Store: store,
	})
	require.NoError(t, err)

	pool, err := pipeline.NewProviderPool(pipeline.ProviderPoolOptions{
		Generators: []pipeline.Generator{
			pipeline.NewGeneratorFunction("studio-a", func(ctx context.Context, prompt string) (string, error) {
				return exampleDraft, nil
			}),
			pipeline.NewGeneratorFunction("studio-b", func(ctx context.Context, prompt string) (string, error) {
				return exampleDraft + "\n\nEXT. RIDGE - NIGHT\n\nA light descends.", nil
			}),
		},
	})
	require.NoError(t, err)

	merger, err := pipeline.NewConsensusMerger(pipeline.ConsensusMergerOptions{Pool: pool})
	require.NoError(t, err)

	engine, err := pipeline.NewEngine(pipeline.EngineOptions{
		Plan:   pipeline.DefaultPlan([]string{"studio-a", "studio-b"}),
		Merger: merger,
		Queue:  queue,
		Store:  store,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	project, err := engine.Start(ctx, "first-contact", "Two astronomers spot something over the ridge.")
	require.NoError(t, err)
	require.Equal(t, pipeline.ProjectStatusInProgress, project.Status)

	// Approve every gate as it comes up until the plan completes.
	for project.Status != pipeline.ProjectStatusCompleted {
		pending := queue.ListPending(pipeline.PendingFilter{ProjectID: project.ID})
		require.Len(t, pending, 1)

		resolved, err := queue.Respond(ctx, pending[0].ID, pipeline.Decision{
			Approved:   true,
			ResolvedBy: "producer",
		})
		require.NoError(t, err)

		project, err = engine.HandleApproval(ctx, resolved)
		require.NoError(t, err)
	}

	checkpoint, err := store.LoadCheckpoint(ctx, project.ID)
	require.NoError(t, err)
	final := checkpoint.Record("final")
	require.NotNil(t, final)
	require.NotEmpty(t, final.Text())

	history, err := queue.History(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
}
