package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// NoContentFound is the context string returned when nothing matched.
const NoContentFound = "No relevant content found."

const contextDelimiter = "\n\n---\n\n"

// hardMaxK bounds any configured MaxK.
const hardMaxK = 10

// QueryEmbedder turns a query into a vector.
type QueryEmbedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher ranks stored chunks against a query vector.
type Searcher interface {
	SimilaritySearch(ctx context.Context, query []float32, opts SearchOptions) []ScoredChunk
}

// RetrieverOptions tunes result counts and the score cutoff.
type RetrieverOptions struct {
	DefaultK  int
	MaxK      int
	Threshold float32
	// EmbedTimeout bounds the query embedding call. Defaults to 30s.
	EmbedTimeout time.Duration
}

func (o *RetrieverOptions) defaults() {
	if o.MaxK <= 0 {
		o.MaxK = 5
	}
	o.MaxK = min(o.MaxK, hardMaxK)
	if o.DefaultK <= 0 {
		o.DefaultK = 5
	}
	o.DefaultK = min(o.DefaultK, o.MaxK)
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 30 * time.Second
	}
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder QueryEmbedder
	store    Searcher
	opts     RetrieverOptions
}

// NewRetriever creates a Retriever backed by the given embedder and store.
func NewRetriever(embedder QueryEmbedder, store Searcher, opts RetrieverOptions) *Retriever {
	opts.defaults()
	return &Retriever{embedder: embedder, store: store, opts: opts}
}

// Retrieve embeds query and returns the best matching chunks. k <= 0 uses
// the default and k is capped at the configured maximum. Embedding errors
// are returned to the caller.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, sourceID string) ([]ScoredChunk, error) {
	if k <= 0 {
		k = r.opts.DefaultK
	}
	k = min(k, r.opts.MaxK)

	embedCtx, cancel := context.WithTimeout(ctx, r.opts.EmbedTimeout)
	vec, err := r.embedder.EmbedOne(embedCtx, query)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	return r.store.SimilaritySearch(ctx, vec, SearchOptions{
		K:         k,
		Threshold: r.opts.Threshold,
		SourceID:  sourceID,
	}), nil
}

// RetrieveAndFormat is Retrieve followed by FormatContext.
func (r *Retriever) RetrieveAndFormat(ctx context.Context, query string, k int, sourceID string) (string, error) {
	chunks, err := r.Retrieve(ctx, query, k, sourceID)
	if err != nil {
		return "", err
	}
	return FormatContext(chunks), nil
}

// FormatContext joins chunk contents in rank order. Chunks tagged with a
// concept name are prefixed with it.
func FormatContext(chunks []ScoredChunk) string {
	if len(chunks) == 0 {
		return NoContentFound
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		if name := c.Metadata["concept_name"]; name != "" {
			parts[i] = "[Concept: " + name + "] " + c.Content
			continue
		}
		parts[i] = c.Content
	}
	return strings.Join(parts, contextDelimiter)
}
