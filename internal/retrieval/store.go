package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/groundwork/internal/observability"
)

const (
	tierNative = "native"
	tierLocal  = "local"
)

// Store persists embedded chunks and answers similarity queries. Searches
// first try the backend's native operator when it has one and otherwise
// score every candidate locally.
type Store struct {
	backend Backend
	native  NativeSearcher
	timeout time.Duration
	logger  *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTimeout bounds every backend call made by the Store.
func WithTimeout(d time.Duration) StoreOption {
	return func(s *Store) { s.timeout = d }
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore wraps backend. If backend also implements NativeSearcher it is
// used as the first search tier.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{backend: backend, timeout: 10 * time.Second, logger: slog.Default()}
	if ns, ok := backend.(NativeSearcher); ok {
		s.native = ns
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Store validates and persists chunks atomically, assigning ids to chunks
// that lack one. It returns the ids in input order.
func (s *Store) Store(ctx context.Context, chunks []Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	dim := len(chunks[0].Embedding)
	ids := make([]string, len(chunks))
	prepared := make([]Chunk, len(chunks))
	for i, c := range chunks {
		switch {
		case c.SourceID == "":
			return nil, fmt.Errorf("%w: chunk %d has no source id", ErrInvalidChunk, i)
		case c.Content == "":
			return nil, fmt.Errorf("%w: chunk %d has empty content", ErrInvalidChunk, i)
		case len(c.Embedding) == 0:
			return nil, fmt.Errorf("%w: chunk %d has no embedding", ErrInvalidChunk, i)
		case len(c.Embedding) != dim:
			return nil, fmt.Errorf("%w: chunk %d has dimension %d, want %d", ErrInvalidChunk, i, len(c.Embedding), dim)
		case !finite(c.Embedding):
			return nil, fmt.Errorf("%w: chunk %d has a non-finite component", ErrInvalidChunk, i)
		case norm(c.Embedding) == 0:
			return nil, fmt.Errorf("%w: chunk %d has a zero vector", ErrInvalidChunk, i)
		}
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = time.Now().UTC()
		}
		prepared[i] = c
		ids[i] = c.ID
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if err := s.backend.InsertChunks(callCtx, prepared); err != nil {
		return nil, fmt.Errorf("storing %d chunks: %w", len(prepared), err)
	}
	return ids, nil
}

// SimilaritySearch returns up to opts.K chunks scoring at least
// opts.Threshold against query, best first. Failures degrade to an empty
// result and are logged, never returned.
func (s *Store) SimilaritySearch(ctx context.Context, query []float32, opts SearchOptions) []ScoredChunk {
	if opts.K <= 0 || !finite(query) || norm(query) == 0 {
		return nil
	}

	if s.native != nil {
		results, err := s.nativeSearch(ctx, query, opts)
		switch {
		case err == nil:
			observability.SearchesTotal.WithLabelValues(tierNative, outcome(results)).Inc()
			return results
		case errors.Is(err, ErrNativeBadInput):
			observability.SearchesTotal.WithLabelValues(tierNative, "rejected").Inc()
			s.logger.Warn("native similarity search rejected query", "dimension", len(query), "error", err)
			return nil
		case errors.Is(err, ErrNativeUnsupported):
			observability.SearchFallbackTotal.WithLabelValues("unsupported").Inc()
			s.logger.Warn("native similarity search unavailable, scoring locally", "error", err)
		default:
			observability.SearchFallbackTotal.WithLabelValues("error").Inc()
			s.logger.Warn("native similarity search failed, scoring locally", "error", err)
		}
	}

	results, err := s.localSearch(ctx, query, opts)
	if err != nil {
		observability.SearchesTotal.WithLabelValues(tierLocal, "error").Inc()
		s.logger.Error("similarity search failed", "source_id", opts.SourceID, "error", err)
		return nil
	}
	observability.SearchesTotal.WithLabelValues(tierLocal, outcome(results)).Inc()
	return results
}

func (s *Store) nativeSearch(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredChunk, error) {
	start := time.Now()
	defer func() { observability.SearchDuration.WithLabelValues(tierNative).Observe(time.Since(start).Seconds()) }()

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	results, err := s.native.NativeSearch(callCtx, query, opts.K, opts.Threshold, opts.SourceID)
	if err != nil {
		return nil, err
	}
	// Keep the ranking contract even if the operator is loose about it.
	results = slices.DeleteFunc(results, func(r ScoredChunk) bool { return !(r.Score >= opts.Threshold) })
	sortByScore(results)
	if len(results) > opts.K {
		results = results[:opts.K]
	}
	return results, nil
}

func (s *Store) localSearch(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredChunk, error) {
	start := time.Now()
	defer func() { observability.SearchDuration.WithLabelValues(tierLocal).Observe(time.Since(start).Seconds()) }()

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()

	queryNorm := norm(query)
	h := &scoredHeap{}
	skipped := 0

	err := s.backend.ScanChunks(callCtx, opts.SourceID, func(c Chunk) error {
		if len(c.Embedding) != len(query) || !finite(c.Embedding) || norm(c.Embedding) == 0 {
			skipped++
			return nil
		}
		score := dotProduct(query, c.Embedding, queryNorm)
		if score < opts.Threshold {
			return nil
		}
		candidate := ScoredChunk{Chunk: c, Score: score}
		if h.Len() < opts.K {
			candidate.Embedding = slices.Clone(c.Embedding)
			heap.Push(h, candidate)
		} else if ranksBefore(candidate, (*h)[0]) {
			candidate.Embedding = slices.Clone(c.Embedding)
			(*h)[0] = candidate
			heap.Fix(h, 0)
		}
		return nil
	})
	if skipped > 0 {
		observability.SearchSkippedChunksTotal.Add(float64(skipped))
		s.logger.Debug("skipped chunks with unusable embeddings", "count", skipped, "source_id", opts.SourceID)
	}
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(ScoredChunk)
	}
	return results, nil
}

// GetBySource returns the chunks of a source ordered by index.
func (s *Store) GetBySource(ctx context.Context, sourceID string) ([]Chunk, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.backend.ChunksBySource(callCtx, sourceID)
}

// DeleteBySource removes every chunk of a source.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int64, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.backend.DeleteBySource(callCtx, sourceID)
}

// CountBySource returns how many chunks a source has.
func (s *Store) CountBySource(ctx context.Context, sourceID string) (int, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.backend.CountBySource(callCtx, sourceID)
}

func outcome(results []ScoredChunk) string {
	if len(results) == 0 {
		return "empty"
	}
	return "ok"
}
