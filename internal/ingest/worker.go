package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/groundwork/internal/extract"
	"github.com/kalambet/groundwork/internal/observability"
	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	FailJobPermanent(ctx context.Context, id string, errMsg string) error
}

// finalError is a job failure that no retry can fix.
type finalError struct{ msg string }

func (e *finalError) Error() string { return e.msg }

// JobEnqueuer adds jobs to the queue.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Processor runs the pipeline for one source.
type Processor interface {
	Process(ctx context.Context, sourceID string, text processor.TextFunc) (processor.Result, error)
}

// Worker processes process_source jobs from the job queue.
type Worker struct {
	store  JobStore
	proc   Processor
	text   processor.TextFunc
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. text resolves a
// source's plain text and may be nil. If pollInterval is <= 0, it defaults
// to 500ms.
func NewWorker(store JobStore, proc Processor, text processor.TextFunc, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		proc:   proc,
		text:   text,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single process_source job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobProcessSource})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		var fe *finalError
		final := errors.As(err, &fe)
		w.logger.Warn("job failed", "job_id", job.ID, "source_id", job.SourceID, "error", err, "final", final)
		observability.JobsTotal.WithLabelValues(job.Type, "failed").Inc()
		fail := w.store.FailJob
		if final {
			fail = w.store.FailJobPermanent
		}
		if failErr := fail(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	observability.JobsTotal.WithLabelValues(job.Type, "completed").Inc()
	if err := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type processPayload struct {
	SourceID string `json:"source_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	sourceID := job.SourceID
	if sourceID == "" {
		var payload processPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		sourceID = payload.SourceID
	}
	if sourceID == "" {
		return errors.New("job has no source id")
	}

	res, err := w.proc.Process(ctx, sourceID, w.text)
	if err != nil {
		return err
	}
	// Retryable failures go back to the queue with backoff.
	if res.Status == storage.StatusFailed {
		if res.Retryable {
			return errors.New(res.Err)
		}
		return &finalError{msg: res.Err}
	}
	return nil
}

// EnqueueProcess queues a process_source job for a source and returns the
// job id.
func EnqueueProcess(ctx context.Context, q JobEnqueuer, sourceID string) (string, error) {
	payload, err := json.Marshal(processPayload{SourceID: sourceID})
	if err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobProcessSource,
		SourceID:    sourceID,
		PayloadJSON: string(payload),
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", sourceID, err)
	}
	return job.ID, nil
}

// Source metadata keys naming where a document's text lives when it was
// registered without content.
const (
	MetaURL  = "url"
	MetaPath = "path"
)

// SourceText returns a TextFunc that prefers a source's stored content and
// otherwise extracts text from the URL or file path in its metadata.
func SourceText(client *http.Client) processor.TextFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, src storage.Source) (string, error) {
		switch {
		case src.Content != "":
			return src.Content, nil
		case src.Metadata[MetaURL] != "":
			return extract.Fetch(ctx, client, src.Metadata[MetaURL])
		case src.Metadata[MetaPath] != "":
			return extract.File(src.Metadata[MetaPath])
		}
		return "", nil
	}
}
