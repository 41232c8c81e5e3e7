package retrieval

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNativeUnsupported reports that the backend has no usable native
	// similarity operator. Searches fall back to local scoring.
	ErrNativeUnsupported = errors.New("native similarity search unsupported")

	// ErrNativeBadInput reports that the native operator exists but rejected
	// the query (for example a dimension mismatch). Searches return no
	// results instead of falling back.
	ErrNativeBadInput = errors.New("native similarity search rejected input")

	// ErrInvalidChunk is returned by Store when a chunk cannot be persisted.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// Backend is the typed persistence contract for chunks. Implementations
// exist for SQLite (this package) and Postgres with pgvector.
type Backend interface {
	// InsertChunks writes all chunks atomically.
	InsertChunks(ctx context.Context, chunks []Chunk) error

	// ScanChunks streams every stored chunk, restricted to sourceID when it
	// is non-empty. A chunk whose embedding cannot be decoded is passed with
	// a nil Embedding.
	ScanChunks(ctx context.Context, sourceID string, fn func(Chunk) error) error

	// ChunksBySource returns the chunks of one source ordered by index.
	ChunksBySource(ctx context.Context, sourceID string) ([]Chunk, error)

	// DeleteBySource removes every chunk of a source and reports how many
	// rows were deleted.
	DeleteBySource(ctx context.Context, sourceID string) (int64, error)

	// CountBySource returns the number of chunks stored for a source.
	CountBySource(ctx context.Context, sourceID string) (int, error)
}

// NativeSearcher is implemented by backends that can rank chunks by cosine
// similarity themselves. Errors must wrap ErrNativeUnsupported or
// ErrNativeBadInput when those conditions apply.
type NativeSearcher interface {
	NativeSearch(ctx context.Context, query []float32, k int, threshold float32, sourceID string) ([]ScoredChunk, error)
}

// Chunk is a stored unit of source text with its embedding.
type Chunk struct {
	ID        string
	SourceID  string
	Index     int
	Content   string
	Embedding []float32
	Metadata  map[string]string
	CreatedAt time.Time
}

// ScoredChunk is a Chunk with its cosine similarity to a query.
type ScoredChunk struct {
	Chunk
	Score float32
}

// SearchOptions narrows a similarity search.
type SearchOptions struct {
	// K is the maximum number of results.
	K int
	// Threshold drops results scoring below it.
	Threshold float32
	// SourceID restricts the search to one source when non-empty.
	SourceID string
}
