// Package processor turns a source's text into stored, embedded chunks and
// tracks the source's status while doing so.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/groundwork/internal/chunker"
	"github.com/kalambet/groundwork/internal/embedding"
	"github.com/kalambet/groundwork/internal/extract"
	"github.com/kalambet/groundwork/internal/observability"
	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

// SourceStore persists source records and their status.
type SourceStore interface {
	GetSource(ctx context.Context, id string) (storage.Source, error)
	MarkProcessing(ctx context.Context, id string, staleAfter time.Duration) error
	MarkReady(ctx context.Context, id string, chunkCount int) error
	MarkFailed(ctx context.Context, id, msg string) error
}

// ChunkStore persists embedded chunks.
type ChunkStore interface {
	Store(ctx context.Context, chunks []retrieval.Chunk) ([]string, error)
	CountBySource(ctx context.Context, sourceID string) (int, error)
	DeleteBySource(ctx context.Context, sourceID string) (int64, error)
}

// TextFunc produces the plain text of a source. A nil TextFunc uses the
// text stored on the source.
type TextFunc func(ctx context.Context, src storage.Source) (string, error)

// Options tunes processing. Zero values take defaults.
type Options struct {
	ChunkMaxSize     int
	ChunkOverlap     int
	BatchSize        int
	BatchConcurrency int
	EmbedTimeout     time.Duration
	StoreTimeout     time.Duration
	// StaleAfter lets a run take over a source left processing by a crashed
	// run. Zero disables takeover.
	StaleAfter time.Duration
}

func (o *Options) defaults() {
	if o.ChunkMaxSize <= 0 {
		o.ChunkMaxSize = 500
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = 0
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BatchConcurrency <= 0 {
		o.BatchConcurrency = 2
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
}

// Result describes the outcome of one processing run.
type Result struct {
	SourceID   string
	Status     string
	ChunkCount int
	// Skipped is set when the run did no work: the source was already
	// ready, or another run owns it.
	Skipped bool
	// Err is the message recorded on a failed source.
	Err string
	// Retryable is set on a failed run that a later attempt may fix, such as
	// a provider timeout. Bad credentials and empty text are not.
	Retryable bool
}

// Errors for documents that yield nothing to index.
var (
	ErrNoText   = errors.New("no text extracted")
	ErrNoChunks = errors.New("no chunks produced")
)

// Metadata keys that override chunking for one source.
const (
	MetaChunkMaxSize = "chunk_max_size"
	MetaChunkOverlap = "chunk_overlap"
)

// Processor runs the chunk, embed and store pipeline for one source at a time.
// It is safe for concurrent use on different sources.
type Processor struct {
	sources  SourceStore
	chunks   ChunkStore
	embedder embedding.Client
	opts     Options
	chunker  *chunker.Chunker
	logger   *slog.Logger

	credsOK atomic.Bool
}

// New validates the default chunking options and returns a Processor.
func New(sources SourceStore, chunks ChunkStore, embedder embedding.Client, opts Options) (*Processor, error) {
	opts.defaults()
	ch, err := chunker.New(opts.ChunkMaxSize, opts.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	return &Processor{
		sources:  sources,
		chunks:   chunks,
		embedder: embedder,
		opts:     opts,
		chunker:  ch,
		logger:   slog.Default(),
	}, nil
}

// Process chunks, embeds and stores a source. A source that is already
// ready with stored chunks is skipped without any embedding call.
//
// Pipeline failures are recorded on the source and reported in Result with
// a nil error. An error is returned only when the outcome could not be
// recorded.
func (p *Processor) Process(ctx context.Context, sourceID string, text TextFunc) (Result, error) {
	src, err := p.sources.GetSource(ctx, sourceID)
	if err != nil {
		return Result{SourceID: sourceID}, fmt.Errorf("loading source %s: %w", sourceID, err)
	}

	if src.Status == storage.StatusReady {
		n, err := p.chunks.CountBySource(ctx, sourceID)
		if err != nil {
			return Result{SourceID: sourceID}, fmt.Errorf("counting chunks for %s: %w", sourceID, err)
		}
		if n > 0 {
			p.logger.Debug("source already processed", "source_id", sourceID, "chunks", n)
			observability.SourcesProcessedTotal.WithLabelValues("skipped").Inc()
			return Result{SourceID: sourceID, Status: storage.StatusReady, ChunkCount: n, Skipped: true}, nil
		}
	}

	err = p.sources.MarkProcessing(ctx, sourceID, p.opts.StaleAfter)
	if errors.Is(err, storage.ErrAlreadyProcessing) {
		p.logger.Info("source is being processed by another run", "source_id", sourceID)
		return Result{SourceID: sourceID, Status: storage.StatusProcessing, Skipped: true}, nil
	}
	if err != nil {
		return Result{SourceID: sourceID}, fmt.Errorf("marking %s processing: %w", sourceID, err)
	}

	return p.runOwned(ctx, src, text)
}

// Reprocess discards a source's chunks and processes it from scratch. The
// chunks are only touched once this run owns the source.
func (p *Processor) Reprocess(ctx context.Context, sourceID string, text TextFunc) (Result, error) {
	src, err := p.sources.GetSource(ctx, sourceID)
	if err != nil {
		return Result{SourceID: sourceID}, fmt.Errorf("loading source %s: %w", sourceID, err)
	}

	err = p.sources.MarkProcessing(ctx, sourceID, p.opts.StaleAfter)
	if errors.Is(err, storage.ErrAlreadyProcessing) {
		p.logger.Info("source is being processed by another run", "source_id", sourceID)
		return Result{SourceID: sourceID, Status: storage.StatusProcessing, Skipped: true}, nil
	}
	if err != nil {
		return Result{SourceID: sourceID}, fmt.Errorf("marking %s processing: %w", sourceID, err)
	}

	if _, err := p.chunks.DeleteBySource(ctx, sourceID); err != nil {
		return p.fail(ctx, sourceID, fmt.Errorf("deleting chunks: %w", err))
	}
	return p.runOwned(ctx, src, text)
}

// runOwned runs the pipeline for a source already marked processing by
// this run and records the outcome.
func (p *Processor) runOwned(ctx context.Context, src storage.Source, text TextFunc) (Result, error) {
	sourceID := src.ID
	start := time.Now()
	count, runErr := p.run(ctx, src, text)
	if runErr != nil {
		return p.fail(ctx, sourceID, runErr)
	}

	// The pipeline is done; record it even if the caller has gone away.
	recCtx, cancel := recordCtx(ctx)
	defer cancel()
	if err := p.sources.MarkReady(recCtx, sourceID, count); err != nil {
		return Result{SourceID: sourceID}, fmt.Errorf("marking %s ready: %w", sourceID, err)
	}
	observability.SourcesProcessedTotal.WithLabelValues(storage.StatusReady).Inc()
	p.logger.Info("source processed", "source_id", sourceID, "chunks", count, "duration", time.Since(start))
	return Result{SourceID: sourceID, Status: storage.StatusReady, ChunkCount: count}, nil
}

func (p *Processor) run(ctx context.Context, src storage.Source, text TextFunc) (int, error) {
	if err := p.checkCredentials(ctx); err != nil {
		return 0, err
	}

	content := src.Content
	if text != nil {
		var err error
		if content, err = text(ctx, src); err != nil {
			return 0, fmt.Errorf("extracting text: %w", err)
		}
	}
	if strings.TrimSpace(content) == "" {
		return 0, ErrNoText
	}

	ch, err := p.chunkerFor(src)
	if err != nil {
		return 0, err
	}
	drafts := chunkText(ch, content, src.ID, chunkTags(src))
	if len(drafts) == 0 {
		return 0, ErrNoChunks
	}

	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Content
	}
	vectors, err := p.embedAll(ctx, texts)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	chunks := make([]retrieval.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = retrieval.Chunk{
			SourceID:  d.SourceID,
			Index:     d.Index,
			Content:   d.Content,
			Embedding: vectors[i],
			Metadata:  d.Metadata,
			CreatedAt: now,
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()

	// Chunks left by an earlier failed or forced run would collide on index.
	if n, err := p.chunks.DeleteBySource(storeCtx, src.ID); err != nil {
		return 0, fmt.Errorf("clearing previous chunks: %w", err)
	} else if n > 0 {
		p.logger.Info("replaced previous chunks", "source_id", src.ID, "deleted", n)
	}
	if _, err := p.chunks.Store(storeCtx, chunks); err != nil {
		return 0, fmt.Errorf("storing chunks: %w", err)
	}
	return len(chunks), nil
}

// embedAll embeds texts in batches with bounded concurrency. The first
// failing batch cancels the others.
func (p *Processor) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.BatchConcurrency)
	for start := 0; start < len(texts); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(texts))
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, p.opts.EmbedTimeout)
			defer cancel()

			vecs, err := p.embedder.EmbedBatch(bctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding chunks %d-%d: %w: got %d vectors, want %d",
					start, end-1, embedding.ErrBadResponse, len(vecs), end-start)
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// checkCredentials fails fast on a provider that rejects our key. Only a
// check that succeeded is remembered; an inconclusive one is repeated on the
// next run.
func (p *Processor) checkCredentials(ctx context.Context) error {
	cc, ok := p.embedder.(embedding.CredentialChecker)
	if !ok || p.credsOK.Load() {
		return nil
	}
	err := cc.CheckCredentials(ctx)
	switch {
	case err == nil:
		p.credsOK.Store(true)
	case errors.Is(err, embedding.ErrBadCredentials):
		return fmt.Errorf("checking embedding credentials: %w", err)
	default:
		p.logger.Debug("credential check inconclusive", "error", err)
	}
	return nil
}

func (p *Processor) chunkerFor(src storage.Source) (*chunker.Chunker, error) {
	maxSize, overlap := p.opts.ChunkMaxSize, p.opts.ChunkOverlap
	override := false
	if v, ok := src.Metadata[MetaChunkMaxSize]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", chunker.ErrInvalidConfig, MetaChunkMaxSize, v)
		}
		maxSize, override = n, true
	}
	if v, ok := src.Metadata[MetaChunkOverlap]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q", chunker.ErrInvalidConfig, MetaChunkOverlap, v)
		}
		overlap, override = n, true
	}
	if !override {
		return p.chunker, nil
	}
	return chunker.New(maxSize, overlap)
}

func (p *Processor) fail(ctx context.Context, sourceID string, runErr error) (Result, error) {
	msg := runErr.Error()
	retry := retryable(runErr)
	p.logger.Error("source processing failed", "source_id", sourceID, "error", runErr, "retryable", retry)

	recCtx, cancel := recordCtx(ctx)
	defer cancel()
	if err := p.sources.MarkFailed(recCtx, sourceID, msg); err != nil {
		return Result{SourceID: sourceID}, fmt.Errorf("marking %s failed (%v): %w", sourceID, runErr, err)
	}
	observability.SourcesProcessedTotal.WithLabelValues(storage.StatusFailed).Inc()
	return Result{SourceID: sourceID, Status: storage.StatusFailed, Err: msg, Retryable: retry}, nil
}

// retryable reports whether a failed run might succeed unchanged later.
// Configuration and data errors are final.
func retryable(err error) bool {
	for _, final := range []error{
		embedding.ErrBadCredentials,
		embedding.ErrBadResponse,
		chunker.ErrInvalidConfig,
		retrieval.ErrInvalidChunk,
		extract.ErrUnsupported,
		ErrNoText,
		ErrNoChunks,
	} {
		if errors.Is(err, final) {
			return false
		}
	}
	return true
}

// recordCtx detaches status writes from caller cancellation so a source is
// never left processing.
func recordCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func chunkTags(src storage.Source) map[string]string {
	tags := make(map[string]string, len(src.Metadata)+2)
	maps.Copy(tags, src.Metadata)
	delete(tags, MetaChunkMaxSize)
	delete(tags, MetaChunkOverlap)
	if src.Title != "" {
		tags["source_title"] = src.Title
		if src.Kind == storage.KindConcept {
			tags["concept_name"] = src.Title
		}
	}
	return tags
}

var pageMarker = regexp.MustCompile(`--- Page (\d+) ---`)

// chunkText chunks paginated text page by page so no chunk spans a page
// break, stamping page_number on each chunk. Other text is chunked whole.
func chunkText(ch *chunker.Chunker, text, sourceID string, tags map[string]string) []chunker.Draft {
	pages := pageSections(text)
	if pages == nil {
		return ch.ChunkWithMetadata(text, sourceID, tags)
	}
	drafts := ch.ChunkSections(pages, sourceID)
	for i, d := range drafts {
		md := maps.Clone(tags)
		if md == nil {
			md = make(map[string]string, 2)
		}
		md["chunk_type"] = d.Type
		if page := d.Metadata["section"]; page != "" {
			md["page_number"] = page
		}
		drafts[i].Metadata = md
	}
	return drafts
}

// pageSections splits text at page markers into sections named by page
// number. Text before the first marker forms an unnamed section. It returns
// nil for text without markers.
func pageSections(text string) []chunker.Section {
	ms := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(ms) == 0 {
		return nil
	}
	var sections []chunker.Section
	if pre := text[:ms[0][0]]; strings.TrimSpace(pre) != "" {
		sections = append(sections, chunker.Section{Content: pre})
	}
	for i, m := range ms {
		end := len(text)
		if i+1 < len(ms) {
			end = ms[i+1][0]
		}
		sections = append(sections, chunker.Section{Name: text[m[2]:m[3]], Content: text[m[1]:end]})
	}
	return sections
}
