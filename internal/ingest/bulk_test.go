package ingest

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/storage"
)

func item(name, content string) ContentItem {
	return ContentItem{
		ConceptName: name,
		Topic:       "Algebra",
		Difficulty:  DifficultyBeginner,
		ContentType: ContentConcept,
		Content:     content,
	}
}

func TestLoader_Run(t *testing.T) {
	emb := &mockEmbedder{}
	env := newTestEnv(t, emb)
	l := NewLoader(env.store, env.proc, LoaderOptions{Workers: 3, GroupSize: 2})
	ctx := context.Background()

	items := []ContentItem{
		item("Slope", "Slope is rise over run."),
		item("Intercepts", "The y-intercept is where x is zero."),
		item("Parallel Lines", "Parallel lines share a slope."),
		item("Perpendicular Lines", "Perpendicular slopes multiply to minus one."),
		item("Distance", "Distance follows from the Pythagorean theorem."),
	}
	rep := l.Run(ctx, items)

	require.Len(t, rep.Outcomes, len(items))
	assert.Equal(t, 5, rep.Succeeded)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, rep.Cancelled)
	assert.Equal(t, 5, rep.Chunks)

	for i, o := range rep.Outcomes {
		assert.Equal(t, items[i].ConceptName, o.Name, "outcomes keep input order")
		assert.True(t, o.OK, o.Message)
		require.NotEmpty(t, o.SourceID)

		src, err := env.store.GetSource(ctx, o.SourceID)
		require.NoError(t, err)
		assert.Equal(t, storage.KindConcept, src.Kind)
		assert.Equal(t, storage.StatusReady, src.Status)
		assert.Equal(t, "Algebra", src.Metadata["topic"])

		chunks, err := env.chunks.GetBySource(ctx, o.SourceID)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, items[i].ConceptName, chunks[0].Metadata["concept_name"])
		assert.Equal(t, DifficultyBeginner, chunks[0].Metadata["difficulty"])
	}
}

func TestLoader_RerunIsIdempotent(t *testing.T) {
	emb := &mockEmbedder{}
	env := newTestEnv(t, emb)
	l := NewLoader(env.store, env.proc, LoaderOptions{})
	ctx := context.Background()
	items := []ContentItem{item("Slope", "Slope is rise over run.")}

	first := l.Run(ctx, items)
	require.Equal(t, 1, first.Succeeded)
	calls := emb.calls.Load()

	second := l.Run(ctx, items)
	require.Equal(t, 1, second.Succeeded)
	assert.True(t, second.Outcomes[0].Skipped)
	assert.Equal(t, first.Outcomes[0].SourceID, second.Outcomes[0].SourceID)
	assert.Equal(t, calls, emb.calls.Load(), "a loaded concept must not be embedded again")
}

func TestLoader_ChangedContentReprocesses(t *testing.T) {
	env := newTestEnv(t, &mockEmbedder{})
	l := NewLoader(env.store, env.proc, LoaderOptions{})
	ctx := context.Background()

	first := l.Run(ctx, []ContentItem{item("Slope", "Slope is rise over run.")})
	require.Equal(t, 1, first.Succeeded)

	second := l.Run(ctx, []ContentItem{item("Slope", "Slope measures steepness.")})
	require.Equal(t, 1, second.Succeeded)
	assert.False(t, second.Outcomes[0].Skipped)

	chunks, err := env.chunks.GetBySource(ctx, first.Outcomes[0].SourceID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Slope measures steepness.", chunks[0].Content)
}

func TestLoader_ChangedContentWaitsForOwner(t *testing.T) {
	env := newTestEnv(t, &mockEmbedder{})
	l := NewLoader(env.store, env.proc, LoaderOptions{})
	ctx := context.Background()

	first := l.Run(ctx, []ContentItem{item("Slope", "old text")})
	require.Equal(t, 1, first.Succeeded)
	id := first.Outcomes[0].SourceID

	// Another run holds the source.
	require.NoError(t, env.store.MarkProcessing(ctx, id, time.Hour))

	busy := l.Run(ctx, []ContentItem{item("Slope", "new text")})
	require.Len(t, busy.Outcomes, 1)
	assert.Contains(t, busy.Outcomes[0].Message, "being processed")
	src, err := env.store.GetSource(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "old text", src.Content, "content must not change under another run")

	require.NoError(t, env.store.MarkReady(ctx, id, 1))

	again := l.Run(ctx, []ContentItem{item("Slope", "new text")})
	require.Equal(t, 1, again.Succeeded)
	assert.False(t, again.Outcomes[0].Skipped)

	src, err = env.store.GetSource(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new text", src.Content)
	chunks, err := env.chunks.GetBySource(ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "new text", chunks[0].Content)
}

func TestLoader_DuplicateNamesShareSource(t *testing.T) {
	env := newTestEnv(t, &mockEmbedder{})
	l := NewLoader(env.store, env.proc, LoaderOptions{Workers: 4})

	items := []ContentItem{
		item("Slope", "Slope is rise over run."),
		item("Slope", "Slope is rise over run."),
		item("Slope", "Slope is rise over run."),
	}
	rep := l.Run(context.Background(), items)

	ids := map[string]bool{}
	for _, o := range rep.Outcomes {
		ids[o.SourceID] = true
	}
	assert.Len(t, ids, 1)
	assert.Zero(t, rep.Failed)
}

func TestLoader_FailureDoesNotAbortBatch(t *testing.T) {
	env := newTestEnv(t, &mockEmbedder{
		batchFn: func(_ context.Context, texts []string) ([][]float32, error) {
			if strings.Contains(texts[0], "poison") {
				return nil, errors.New("provider rejected input")
			}
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 0, 0}
			}
			return out, nil
		},
	})
	l := NewLoader(env.store, env.proc, LoaderOptions{Workers: 2})

	rep := l.Run(context.Background(), []ContentItem{
		item("Good One", "Fine content."),
		item("Bad One", "poison content"),
		item("", "No name."),
		item("Good Two", "More fine content."),
	})

	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 2, rep.Failed)
	assert.True(t, rep.Outcomes[0].OK)
	assert.False(t, rep.Outcomes[1].OK)
	assert.Contains(t, rep.Outcomes[1].Message, "provider rejected input")
	assert.Equal(t, "missing concept name", rep.Outcomes[2].Message)
	assert.True(t, rep.Outcomes[3].OK)

	src, err := env.store.GetSource(context.Background(), rep.Outcomes[1].SourceID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, src.Status)
}

func TestLoader_CancelledBeforeStart(t *testing.T) {
	emb := &mockEmbedder{}
	env := newTestEnv(t, emb)
	l := NewLoader(env.store, env.proc, LoaderOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep := l.Run(ctx, []ContentItem{item("Slope", "a"), item("Distance", "b")})

	assert.Equal(t, 2, rep.Cancelled)
	assert.Zero(t, rep.Succeeded)
	for _, o := range rep.Outcomes {
		assert.Equal(t, "cancelled", o.Message)
		assert.Empty(t, o.SourceID)
	}
	assert.Zero(t, emb.calls.Load())
}

// blockingProcessor cancels the run after the first item and records how
// many items reached it.
type blockingProcessor struct {
	cancel context.CancelFunc
	seen   atomic.Int32
}

func (b *blockingProcessor) Process(ctx context.Context, sourceID string, _ processor.TextFunc) (processor.Result, error) {
	b.seen.Add(1)
	b.cancel()
	return processor.Result{SourceID: sourceID, Status: storage.StatusReady, ChunkCount: 1}, nil
}

func (b *blockingProcessor) Reprocess(ctx context.Context, sourceID string, text processor.TextFunc) (processor.Result, error) {
	return b.Process(ctx, sourceID, text)
}

func TestLoader_CancelStopsDispatch(t *testing.T) {
	env := newTestEnv(t, &mockEmbedder{})
	ctx, cancel := context.WithCancel(context.Background())
	proc := &blockingProcessor{cancel: cancel}
	l := NewLoader(env.store, proc, LoaderOptions{Workers: 1})

	var items []ContentItem
	for _, name := range []string{"A", "B", "C", "D"} {
		items = append(items, item(name, "content "+name))
	}
	rep := l.Run(ctx, items)

	assert.Equal(t, int32(1), proc.seen.Load())
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 3, rep.Cancelled)
	assert.True(t, rep.Outcomes[0].OK)
}
