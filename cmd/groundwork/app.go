package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kalambet/groundwork/internal/api"
	"github.com/kalambet/groundwork/internal/config"
	"github.com/kalambet/groundwork/internal/embedding"
	"github.com/kalambet/groundwork/internal/ingest"
	"github.com/kalambet/groundwork/internal/pgstore"
	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

// sourceStore is the record store every command works against. Both the
// SQLite and the PostgreSQL stores implement it.
type sourceStore interface {
	processor.SourceStore
	ingest.SourceStore
	ingest.JobStore
	api.SourceStore
	SchemaVersion(ctx context.Context) (int, error)
}

var (
	_ sourceStore = (*storage.Store)(nil)
	_ sourceStore = (*pgstore.Store)(nil)
)

// app holds the wired components for one command invocation.
type app struct {
	cfg       config.Config
	store     sourceStore
	chunks    *retrieval.Store
	embedder  embedding.Client
	proc      *processor.Processor
	retriever *retrieval.Retriever
	ready     func(ctx context.Context) error
	closers   []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			slog.Warn("closing resource", "error", err)
		}
	}
}

// openApp opens the configured store. With withEmbedding it also builds the
// embedding client, the processor and the retriever.
func openApp(ctx context.Context, cfg config.Config, withEmbedding bool) (*app, error) {
	a := &app{cfg: cfg}
	storeOpts := []retrieval.StoreOption{retrieval.WithTimeout(cfg.Storage.TimeoutDuration())}

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:            cfg.Storage.PostgresDSN,
			MaxConns:       int32(cfg.Storage.MaxConns),
			MigrateOnStart: true,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		a.closers = append(a.closers, pg)
		a.store = pg
		a.chunks = retrieval.NewStore(pg, storeOpts...)
		a.ready = pg.HealthCheck
	default:
		s, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.closers = append(a.closers, s)
		a.store = s
		a.chunks = retrieval.NewStore(retrieval.NewSQLiteBackend(s.DB()), storeOpts...)
		a.ready = s.DB().PingContext
	}

	if !withEmbedding {
		return a, nil
	}

	emb, err := embedding.New(ctx, embedding.Options{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
		RPM:      cfg.Embedding.RPM,
		Timeout:  cfg.Embedding.TimeoutDuration(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}
	if c, ok := emb.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	if oc, ok := emb.(*embedding.OllamaClient); ok {
		if err := oc.EnsureReady(ctx, os.Stderr); err != nil {
			a.Close()
			return nil, err
		}
		slog.Debug("embedding model ready", "provider", cfg.Embedding.Provider, "model", oc.Model())
	}
	if err := a.wire(emb); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// wire builds the processor and retriever on top of the opened store.
func (a *app) wire(emb embedding.Client) error {
	proc, err := processor.New(a.store, a.chunks, emb, processor.Options{
		ChunkMaxSize:     a.cfg.Chunk.MaxSize,
		ChunkOverlap:     a.cfg.Chunk.Overlap,
		BatchSize:        a.cfg.Embedding.BatchSize,
		BatchConcurrency: a.cfg.Embedding.Concurrency,
		EmbedTimeout:     a.cfg.Embedding.TimeoutDuration(),
		StoreTimeout:     a.cfg.Storage.TimeoutDuration(),
		StaleAfter:       a.cfg.Processor.StaleAfterDuration(),
	})
	if err != nil {
		return fmt.Errorf("creating processor: %w", err)
	}
	a.embedder = emb
	a.proc = proc
	a.retriever = retrieval.NewRetriever(emb, a.chunks, retrieval.RetrieverOptions{
		DefaultK:     a.cfg.Retrieval.TopK,
		MaxK:         a.cfg.Retrieval.MaxK,
		Threshold:    float32(a.cfg.Retrieval.Threshold),
		EmbedTimeout: a.cfg.Embedding.TimeoutDuration(),
	})
	return nil
}

func (a *app) textFunc() processor.TextFunc {
	return ingest.SourceText(&http.Client{Timeout: 30 * time.Second})
}

func (a *app) apiDeps() api.Deps {
	return api.Deps{
		Sources:    a.store,
		Chunks:     a.chunks,
		Retriever:  a.retriever,
		Processor:  a.proc,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Ready:      a.ready,
	}
}

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig loads configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))
	return cfg, nil
}
