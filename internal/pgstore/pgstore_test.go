package pgstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

func TestClassifyNative(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"42883", retrieval.ErrNativeUnsupported},
		{"42P01", retrieval.ErrNativeUnsupported},
		{"42704", retrieval.ErrNativeUnsupported},
		{"22000", retrieval.ErrNativeBadInput},
		{"22P02", retrieval.ErrNativeBadInput},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classifyNative(fmt.Errorf("query: %w", &pgconn.PgError{Code: tt.code, Message: "boom"}))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := &pgconn.PgError{Code: "57014"} // query_canceled
	err := classifyNative(other)
	assert.NotErrorIs(t, err, retrieval.ErrNativeUnsupported)
	assert.NotErrorIs(t, err, retrieval.ErrNativeBadInput)

	plain := errors.New("connection refused")
	assert.Equal(t, plain, classifyNative(plain))
}

// setupTestDB starts a pgvector container and returns a migrated Store.
// Tests are skipped when no container runtime is available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"pgvector/pgvector:pg16",
		pgmodule.WithDatabase("groundwork_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := New(ctx, Config{DSN: connStr, MaxConns: 4, MigrateOnStart: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// localOnly hides the native operator so the local tier is used.
type localOnly struct{ retrieval.Backend }

func vec(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0.25}
}

func seedChunks(t *testing.T, s *retrieval.Store) {
	t.Helper()
	var chunks []retrieval.Chunk
	for i := 0; i < 12; i++ {
		src := "src-a"
		if i%3 == 0 {
			src = "src-b"
		}
		chunks = append(chunks, retrieval.Chunk{
			SourceID:  src,
			Index:     i,
			Content:   fmt.Sprintf("chunk %d", i),
			Embedding: vec(float64(i) * 0.2),
			Metadata:  map[string]string{"n": fmt.Sprint(i)},
		})
	}
	_, err := s.Store(context.Background(), chunks)
	require.NoError(t, err)
}

func TestPostgres_NativeMatchesLocal(t *testing.T) {
	pg := setupTestDB(t)
	native := retrieval.NewStore(pg)
	local := retrieval.NewStore(localOnly{pg})
	seedChunks(t, native)

	ctx := context.Background()
	for _, opts := range []retrieval.SearchOptions{
		{K: 5, Threshold: 0.5},
		{K: 3, Threshold: -1, SourceID: "src-b"},
		{K: 20, Threshold: 0.95},
	} {
		got := native.SimilaritySearch(ctx, vec(0.5), opts)
		want := local.SimilaritySearch(ctx, vec(0.5), opts)
		require.Equal(t, len(want), len(got), "opts %+v", opts)
		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID, "rank %d, opts %+v", i, opts)
			assert.InDelta(t, want[i].Score, got[i].Score, 1e-4)
			assert.Equal(t, want[i].Metadata, got[i].Metadata)
		}
	}
}

func TestPostgres_MissingOperatorFallsBack(t *testing.T) {
	pg := setupTestDB(t)
	store := retrieval.NewStore(pg)
	seedChunks(t, store)
	ctx := context.Background()

	_, err := pg.pool.Exec(ctx, `DROP FUNCTION match_chunks(vector, float, int, text)`)
	require.NoError(t, err)

	_, err = pg.NativeSearch(ctx, vec(0), 3, 0, "")
	require.ErrorIs(t, err, retrieval.ErrNativeUnsupported)

	results := store.SimilaritySearch(ctx, vec(0), retrieval.SearchOptions{K: 3, Threshold: 0})
	require.Len(t, results, 3)
	assert.Equal(t, "chunk 0", results[0].Content)
}

func TestPostgres_DimensionMismatchIsNoMatch(t *testing.T) {
	pg := setupTestDB(t)
	store := retrieval.NewStore(pg)
	seedChunks(t, store)

	results := store.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0, 0}, retrieval.SearchOptions{K: 3, Threshold: -1})
	assert.Empty(t, results)
}

func TestPostgres_ChunkLifecycle(t *testing.T) {
	pg := setupTestDB(t)
	store := retrieval.NewStore(pg)
	seedChunks(t, store)
	ctx := context.Background()

	n, err := store.CountBySource(ctx, "src-b")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	chunks, err := store.GetBySource(ctx, "src-a")
	require.NoError(t, err)
	require.Len(t, chunks, 8)
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i-1].Index, chunks[i].Index)
	}
	assert.Len(t, chunks[0].Embedding, 3)

	// Duplicate index within a source is rejected and nothing is written.
	_, err = store.Store(ctx, []retrieval.Chunk{
		{SourceID: "src-c", Index: 0, Content: "x", Embedding: vec(0)},
		{SourceID: "src-a", Index: 1, Content: "dup", Embedding: vec(0)},
	})
	require.Error(t, err)
	n, _ = store.CountBySource(ctx, "src-c")
	assert.Zero(t, n)

	deleted, err := store.DeleteBySource(ctx, "src-a")
	require.NoError(t, err)
	assert.Equal(t, int64(8), deleted)
}

func TestPostgres_SourceLifecycle(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()

	v, err := pg.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Positive(t, v)

	require.NoError(t, pg.CreateSource(ctx, storage.Source{ID: "s1", Title: "Algebra", Metadata: map[string]string{"grade_level": "8"}}))

	require.NoError(t, pg.MarkProcessing(ctx, "s1", time.Hour))
	assert.ErrorIs(t, pg.MarkProcessing(ctx, "s1", time.Hour), storage.ErrAlreadyProcessing)

	require.NoError(t, pg.MarkFailed(ctx, "s1", "provider down"))
	src, err := pg.GetSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, src.Status)
	assert.Equal(t, "provider down", src.Error)
	assert.Equal(t, "8", src.Metadata["grade_level"])

	require.NoError(t, pg.MarkProcessing(ctx, "s1", time.Hour))
	src, _ = pg.GetSource(ctx, "s1")
	assert.Equal(t, "provider down", src.Error, "a retry keeps the last error until it succeeds")
	require.NoError(t, pg.MarkReady(ctx, "s1", 7))
	src, _ = pg.GetSource(ctx, "s1")
	assert.Equal(t, storage.StatusReady, src.Status)
	assert.Equal(t, 7, src.ChunkCount)
	assert.Empty(t, src.Error)

	found, err := pg.FindSource(ctx, storage.KindDocument, "Algebra")
	require.NoError(t, err)
	assert.Equal(t, "s1", found.ID)

	list, err := pg.ListSources(ctx, storage.StatusReady, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, pg.DeleteSource(ctx, "s1"))
	_, err = pg.GetSource(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, pg.MarkReady(ctx, "s1", 1), storage.ErrNotFound)
}

func TestPostgres_JobQueue(t *testing.T) {
	pg := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, pg.EnqueueJob(ctx, storage.Job{ID: "j1", Type: storage.JobProcessSource, SourceID: "s1", MaxAttempts: 2}))

	job, err := pg.ClaimNextJob(ctx, []string{storage.JobProcessSource})
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "running", job.Status)
	assert.Equal(t, "s1", job.SourceID)

	again, err := pg.ClaimNextJob(ctx, []string{storage.JobProcessSource})
	require.NoError(t, err)
	assert.Nil(t, again, "a running job must not be claimed twice")

	require.NoError(t, pg.FailJob(ctx, "j1", "transient"))
	latest, err := pg.LatestJobForSource(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "pending", latest.Status)
	assert.True(t, latest.RunAfter.After(time.Now()), "retry must be scheduled in the future")

	require.NoError(t, pg.FailJob(ctx, "j1", "transient again"))
	latest, _ = pg.LatestJobForSource(ctx, "s1")
	assert.Equal(t, "failed", latest.Status)
	assert.Equal(t, "transient again", latest.LastError)

	require.NoError(t, pg.EnqueueJob(ctx, storage.Job{ID: "j2", Type: storage.JobProcessSource, SourceID: "s2", MaxAttempts: 3}))
	_, err = pg.ClaimNextJob(ctx, []string{storage.JobProcessSource})
	require.NoError(t, err)
	require.NoError(t, pg.FailJobPermanent(ctx, "j2", "no text extracted"))
	latest, _ = pg.LatestJobForSource(ctx, "s2")
	assert.Equal(t, "failed", latest.Status)
	assert.Equal(t, 1, latest.Attempts)
	assert.ErrorIs(t, pg.FailJobPermanent(ctx, "missing", "x"), storage.ErrNotFound)
}
