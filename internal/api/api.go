// Package api exposes the engine over MCP tools and a small HTTP router for
// health, metrics and source administration.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/groundwork/internal/extract"
	"github.com/kalambet/groundwork/internal/ingest"
	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

// SourceStore is the source and job bookkeeping the API needs. Both the
// SQLite and the PostgreSQL stores satisfy it.
type SourceStore interface {
	CreateSource(ctx context.Context, src storage.Source) error
	GetSource(ctx context.Context, id string) (storage.Source, error)
	ListSources(ctx context.Context, status string, limit int) ([]storage.Source, error)
	DeleteSource(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
	LatestJobForSource(ctx context.Context, sourceID string) (*storage.Job, error)
}

// ChunkDeleter removes a source's chunks.
type ChunkDeleter interface {
	DeleteBySource(ctx context.Context, sourceID string) (int64, error)
}

// Searcher finds chunks relevant to a query.
type Searcher interface {
	Retrieve(ctx context.Context, query string, k int, sourceID string) ([]retrieval.ScoredChunk, error)
}

// SourceProcessor processes a source in the caller's goroutine.
type SourceProcessor interface {
	Process(ctx context.Context, sourceID string, text processor.TextFunc) (processor.Result, error)
}

// Deps holds what the MCP server and the HTTP router share.
type Deps struct {
	Sources   SourceStore
	Chunks    ChunkDeleter
	Retriever Searcher
	// Processor is optional. Without it documents are always queued for
	// the background worker.
	Processor  SourceProcessor
	HTTPClient *http.Client
	// Ready reports whether the backing store is reachable. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

// Document types accepted by DocumentRequest.
const (
	DocText = "text"
	DocURL  = "url"
	DocFile = "file"
)

const listLimit = 100

// DocumentRequest describes a document to register. For DocFile, Content
// holds the base64-encoded file and Filename selects the extractor.
type DocumentRequest struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	URL      string            `json:"url"`
	Filename string            `json:"filename"`
	Metadata map[string]string `json:"metadata"`
}

// errInvalidRequest marks caller mistakes.
var errInvalidRequest = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

// registerSource creates a pending document source. URL documents are
// fetched later by the processing run; file documents are extracted now.
func (d Deps) registerSource(ctx context.Context, req DocumentRequest) (storage.Source, error) {
	md := maps.Clone(req.Metadata)
	if md == nil {
		md = make(map[string]string)
	}
	// Location keys are set by the server only. A caller-supplied path
	// would have the processing run read a server file.
	delete(md, ingest.MetaPath)
	delete(md, ingest.MetaURL)
	src := storage.Source{
		ID:       uuid.New().String(),
		Kind:     storage.KindDocument,
		Title:    strings.TrimSpace(req.Title),
		Metadata: md,
	}

	switch req.Type {
	case "", DocText:
		if strings.TrimSpace(req.Content) == "" {
			return storage.Source{}, invalid("content is required")
		}
		src.Content = req.Content
	case DocURL:
		if req.URL == "" {
			return storage.Source{}, invalid("url is required")
		}
		md[ingest.MetaURL] = req.URL
		if src.Title == "" {
			src.Title = req.URL
		}
	case DocFile:
		data, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return storage.Source{}, invalid("invalid base64 content")
		}
		text, err := extract.Bytes(req.Filename, "", data)
		if err != nil {
			return storage.Source{}, invalid("extracting %s: %v", req.Filename, err)
		}
		if strings.TrimSpace(text) == "" {
			return storage.Source{}, invalid("no text extracted from %q", req.Filename)
		}
		src.Content = text
		if req.Filename != "" {
			md["filename"] = req.Filename
		}
		if src.Title == "" {
			src.Title = req.Filename
		}
	default:
		return storage.Source{}, invalid("unknown document type %q", req.Type)
	}
	if src.Title == "" {
		src.Title = "Untitled"
	}

	if err := d.Sources.CreateSource(ctx, src); err != nil {
		return storage.Source{}, fmt.Errorf("saving source: %w", err)
	}
	return src, nil
}

// submit queues a source for the worker, or processes it inline when wait
// is set and a processor is available.
func (d Deps) submit(ctx context.Context, sourceID string, wait bool) (jobID string, res *processor.Result, err error) {
	if wait && d.Processor != nil {
		r, err := d.Processor.Process(ctx, sourceID, ingest.SourceText(d.HTTPClient))
		if err != nil {
			return "", nil, err
		}
		return "", &r, nil
	}
	jobID, err = ingest.EnqueueProcess(ctx, d.Sources, sourceID)
	return jobID, nil, err
}

// deleteSource removes a source's chunks before the source itself so a
// failure never leaves chunks without an owner.
func (d Deps) deleteSource(ctx context.Context, id string) (int64, error) {
	if _, err := d.Sources.GetSource(ctx, id); err != nil {
		return 0, err
	}
	n, err := d.Chunks.DeleteBySource(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	if err := d.Sources.DeleteSource(ctx, id); err != nil {
		return n, err
	}
	return n, nil
}

type sourceView struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	ChunkCount int               `json:"chunk_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Job        *jobView          `json:"job,omitempty"`
}

type jobView struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

func newSourceView(src storage.Source) sourceView {
	return sourceView{
		ID:         src.ID,
		Kind:       src.Kind,
		Title:      src.Title,
		Status:     src.Status,
		Error:      src.Error,
		ChunkCount: src.ChunkCount,
		Metadata:   src.Metadata,
		CreatedAt:  src.CreatedAt,
		UpdatedAt:  src.UpdatedAt,
	}
}

// sourceStatus returns a source with its most recent job, if any.
func (d Deps) sourceStatus(ctx context.Context, id string) (sourceView, error) {
	src, err := d.Sources.GetSource(ctx, id)
	if err != nil {
		return sourceView{}, err
	}
	v := newSourceView(src)
	job, err := d.Sources.LatestJobForSource(ctx, id)
	switch {
	case err == nil:
		v.Job = &jobView{
			ID:          job.ID,
			Status:      job.Status,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return sourceView{}, fmt.Errorf("loading job: %w", err)
	}
	return v, nil
}

type chunkResult struct {
	ID       string            `json:"id"`
	SourceID string            `json:"source_id"`
	Index    int               `json:"index"`
	Content  string            `json:"content"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func newChunkResults(chunks []retrieval.ScoredChunk) []chunkResult {
	out := make([]chunkResult, len(chunks))
	for i, c := range chunks {
		out[i] = chunkResult{
			ID:       c.ID,
			SourceID: c.SourceID,
			Index:    c.Index,
			Content:  c.Content,
			Score:    c.Score,
			Metadata: c.Metadata,
		}
	}
	return out
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
