package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/groundwork/internal/observability"
	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/storage"
)

// SourceStore finds and creates the concept sources bulk items map onto.
type SourceStore interface {
	FindSource(ctx context.Context, kind, title string) (storage.Source, error)
	CreateSource(ctx context.Context, src storage.Source) error
	UpdateSourceContent(ctx context.Context, id, content string) error
}

// SourceProcessor runs the chunk, embed and store pipeline for a source.
type SourceProcessor interface {
	Process(ctx context.Context, sourceID string, text processor.TextFunc) (processor.Result, error)
	Reprocess(ctx context.Context, sourceID string, text processor.TextFunc) (processor.Result, error)
}

// LoaderOptions tunes a bulk load. Zero values take defaults.
type LoaderOptions struct {
	// Workers bounds how many items are processed at once.
	Workers int
	// GroupSize sets how often progress is logged.
	GroupSize int
}

// Outcome is the result of loading one item.
type Outcome struct {
	Name       string
	SourceID   string
	OK         bool
	Skipped    bool
	ChunkCount int
	Message    string
}

// Report summarises a bulk load.
type Report struct {
	Outcomes  []Outcome
	Succeeded int
	Failed    int
	Cancelled int
	Chunks    int
	Duration  time.Duration
}

const msgCancelled = "cancelled"

// Loader processes content items through a worker pool.
type Loader struct {
	sources SourceStore
	proc    SourceProcessor
	opts    LoaderOptions
	logger  *slog.Logger

	// mu serializes get-or-create so items sharing a concept name map onto
	// one source.
	mu sync.Mutex
}

func NewLoader(sources SourceStore, proc SourceProcessor, opts LoaderOptions) *Loader {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = 20
	}
	return &Loader{
		sources: sources,
		proc:    proc,
		opts:    opts,
		logger:  slog.Default(),
	}
}

// Run loads every item and reports per-item outcomes in input order. A
// failing item never stops the others. Once ctx is cancelled no further
// items are dispatched; those are reported as cancelled.
func (l *Loader) Run(ctx context.Context, items []ContentItem) Report {
	start := time.Now()
	outcomes := make([]Outcome, len(items))
	groups := (len(items) + l.opts.GroupSize - 1) / l.opts.GroupSize
	l.logger.Info("bulk load started", "items", len(items), "workers", l.opts.Workers, "groups", groups)

	var (
		g    errgroup.Group
		done atomic.Int64
	)
	g.SetLimit(l.opts.Workers)

	dispatched := 0
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while the pool is full; check again once a slot frees.
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[i] = Outcome{Name: item.ConceptName, Message: msgCancelled}
			} else {
				outcomes[i] = l.loadOne(ctx, item)
			}
			n := done.Add(1)
			if n%int64(l.opts.GroupSize) == 0 || n == int64(len(items)) {
				l.logger.Info("bulk load progress", "group", (n+int64(l.opts.GroupSize)-1)/int64(l.opts.GroupSize),
					"groups", groups, "done", n, "total", len(items))
			}
			return nil
		})
		dispatched = i + 1
	}
	g.Wait()

	for i := dispatched; i < len(items); i++ {
		outcomes[i] = Outcome{Name: items[i].ConceptName, Message: msgCancelled}
	}

	rep := Report{Outcomes: outcomes, Duration: time.Since(start)}
	for _, o := range outcomes {
		switch {
		case o.OK:
			rep.Succeeded++
			rep.Chunks += o.ChunkCount
			observability.BulkItemsTotal.WithLabelValues("succeeded").Inc()
		case o.Message == msgCancelled:
			rep.Cancelled++
			observability.BulkItemsTotal.WithLabelValues(msgCancelled).Inc()
		default:
			rep.Failed++
			observability.BulkItemsTotal.WithLabelValues("failed").Inc()
		}
	}
	l.logger.Info("bulk load finished", "succeeded", rep.Succeeded, "failed", rep.Failed,
		"cancelled", rep.Cancelled, "chunks", rep.Chunks, "duration", rep.Duration)
	return rep
}

func (l *Loader) loadOne(ctx context.Context, item ContentItem) Outcome {
	out := Outcome{Name: item.ConceptName}
	if strings.TrimSpace(item.ConceptName) == "" {
		out.Message = "missing concept name"
		return out
	}

	id, changed, err := l.ensureSource(ctx, item)
	if err != nil {
		out.Message = err.Error()
		l.logger.Error("bulk item failed", "concept", item.ConceptName, "error", err)
		return out
	}
	out.SourceID = id

	var res processor.Result
	if changed {
		res, err = l.proc.Reprocess(ctx, id, l.replaceContent(item.Content))
	} else {
		res, err = l.proc.Process(ctx, id, nil)
	}
	if err != nil {
		out.Message = err.Error()
		l.logger.Error("bulk item failed", "concept", item.ConceptName, "source_id", id, "error", err)
		return out
	}

	out.ChunkCount = res.ChunkCount
	out.Skipped = res.Skipped
	switch res.Status {
	case storage.StatusReady:
		out.OK = true
		out.Message = fmt.Sprintf("loaded %d chunks", res.ChunkCount)
		if res.Skipped {
			out.Message = "already loaded"
		}
	case storage.StatusProcessing:
		// Another run owns the source and will finish it.
		out.OK = true
		out.Message = "being processed by another run"
	default:
		out.Message = res.Err
	}
	return out
}

// replaceContent stores the new concept text once the reprocessing run owns
// the source. A run skipped because another one owns the source leaves the
// old text in place, so the next load sees the change again.
func (l *Loader) replaceContent(content string) processor.TextFunc {
	return func(ctx context.Context, src storage.Source) (string, error) {
		if err := l.sources.UpdateSourceContent(ctx, src.ID, content); err != nil {
			return "", fmt.Errorf("updating concept %q: %w", src.Title, err)
		}
		return content, nil
	}
}

// ensureSource returns the concept source for item, creating it on first
// sight. changed reports that an existing source holds different content.
func (l *Loader) ensureSource(ctx context.Context, item ContentItem) (id string, changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, err := l.sources.FindSource(ctx, storage.KindConcept, item.ConceptName)
	switch {
	case err == nil:
		return src.ID, src.Content != item.Content, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return "", false, fmt.Errorf("looking up concept %q: %w", item.ConceptName, err)
	}

	src = storage.Source{
		ID:       uuid.New().String(),
		Kind:     storage.KindConcept,
		Title:    item.ConceptName,
		Content:  item.Content,
		Metadata: item.SourceMetadata(),
	}
	if err := l.sources.CreateSource(ctx, src); err != nil {
		return "", false, fmt.Errorf("creating concept %q: %w", item.ConceptName, err)
	}
	return src.ID, false, nil
}
