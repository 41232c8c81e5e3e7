package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyProcessing is returned by MarkProcessing when a live run
// already owns the source.
var ErrAlreadyProcessing = errors.New("source is already processing")

// Source statuses. A source moves pending -> processing -> ready|failed;
// failed sources may be processed again.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// Source kinds.
const (
	KindDocument = "document"
	KindConcept  = "concept"
)

// Source is an uploaded document or a curated concept whose text is chunked
// and embedded.
type Source struct {
	ID         string
	Kind       string
	Title      string
	Status     string
	Error      string // set only when Status is failed
	Content    string // extracted plain text
	ChunkCount int
	Metadata   map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Job types.
const (
	JobProcessSource = "process_source"
)

type Job struct {
	ID          string
	Type        string
	SourceID    string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
