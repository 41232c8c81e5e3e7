package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/groundwork/internal/config"
	"github.com/kalambet/groundwork/internal/ingest"
	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// --- ingest ---

type ingestRequest struct {
	Text  string
	URL   string
	File  string
	Title string
	Queue bool
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a document and index it",
	Long: `Add a document and index it.

By default the document is chunked and embedded before the command returns.
With --queue it is only registered and left for a running "groundwork serve".

Examples:
  groundwork ingest --text "A function maps each input to one output" --title Functions
  groundwork ingest --url https://example.com/lesson.html
  groundwork ingest --file ./algebra.pdf --queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req ingestRequest
		req.Text, _ = cmd.Flags().GetString("text")
		req.URL, _ = cmd.Flags().GetString("url")
		req.File, _ = cmd.Flags().GetString("file")
		req.Title, _ = cmd.Flags().GetString("title")
		req.Queue, _ = cmd.Flags().GetBool("queue")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, !req.Queue)
		if err != nil {
			return err
		}
		defer a.Close()

		src, err := registerDocument(ctx, a, req)
		if err != nil {
			return err
		}

		if req.Queue {
			jobID, err := ingest.EnqueueProcess(ctx, a.store, src.ID)
			if err != nil {
				return err
			}
			printSuccess("Queued source %s (job %s)", src.ID, jobID)
			return nil
		}

		res, err := a.proc.Process(ctx, src.ID, a.textFunc())
		if err != nil {
			return err
		}
		if res.Status == storage.StatusFailed {
			return fmt.Errorf("processing %s failed: %s", src.ID, res.Err)
		}
		printSuccess("Indexed source %s: %d chunks", src.ID, res.ChunkCount)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (.txt, .md, .pdf, .html, .docx)")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().Bool("queue", false, "register only and leave processing to the worker")
}

// registerDocument creates a pending document source. URL and file sources
// keep their location in metadata and are read when processed.
func registerDocument(ctx context.Context, a *app, req ingestRequest) (storage.Source, error) {
	src := storage.Source{
		ID:       uuid.New().String(),
		Kind:     storage.KindDocument,
		Title:    req.Title,
		Metadata: map[string]string{"origin": "cli"},
	}
	switch {
	case req.Text != "":
		src.Content = req.Text
	case req.URL != "":
		src.Metadata[ingest.MetaURL] = req.URL
		if src.Title == "" {
			src.Title = req.URL
		}
	case req.File != "":
		abs, err := filepath.Abs(req.File)
		if err != nil {
			return storage.Source{}, err
		}
		if _, err := os.Stat(abs); err != nil {
			return storage.Source{}, fmt.Errorf("reading file: %w", err)
		}
		src.Metadata[ingest.MetaPath] = abs
		if src.Title == "" {
			src.Title = filepath.Base(abs)
		}
	default:
		return storage.Source{}, errors.New("one of --text, --url, or --file is required")
	}
	if src.Title == "" {
		src.Title = "Untitled"
	}
	if err := a.store.CreateSource(ctx, src); err != nil {
		return storage.Source{}, fmt.Errorf("saving source: %w", err)
	}
	return src, nil
}

// --- load ---

// Bulk content sources accepted by load --source.
const (
	loadTextbooks = "textbooks"
	loadCatalog   = "catalog"
	loadTabular   = "tabular"
	loadPractice  = "practice"
	loadAll       = "all"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Bulk load curated concepts",
	Long: `Bulk load curated concepts from textbooks, a lesson catalog, a tabular
export and generated practice sets. Items already loaded with the same
content are skipped, so the command is safe to re-run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("textbooks"); v != "" {
			cfg.Ingest.TextbookDir = v
		}
		if v, _ := cmd.Flags().GetString("catalog"); v != "" {
			cfg.Ingest.CatalogPath = v
		}
		if v, _ := cmd.Flags().GetString("tabular"); v != "" {
			cfg.Ingest.TabularPath = v
		}
		if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
			cfg.Ingest.Workers = v
		}

		items, err := collectItems(source, cfg.Ingest)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			printWarning("Nothing to load")
			return nil
		}

		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Loading %d items with %d workers", len(items), cfg.Ingest.Workers)
		loader := ingest.NewLoader(a.store, a.proc, ingest.LoaderOptions{
			Workers:   cfg.Ingest.Workers,
			GroupSize: cfg.Ingest.GroupSize,
		})
		rep := loader.Run(ctx, items)
		printReport(os.Stdout, rep)
		if rep.Failed > 0 {
			return fmt.Errorf("%d of %d items failed", rep.Failed, len(items))
		}
		return nil
	},
}

func init() {
	loadCmd.Flags().String("source", loadAll, "textbooks, catalog, tabular, practice or all")
	loadCmd.Flags().String("textbooks", "", "textbook directory (overrides ingest.textbook_dir)")
	loadCmd.Flags().String("catalog", "", "lesson catalog file (overrides ingest.catalog_path)")
	loadCmd.Flags().String("tabular", "", "CSV or XLSX export (overrides ingest.tabular_path)")
	loadCmd.Flags().Int("workers", 0, "concurrent items (overrides ingest.workers)")
}

// collectItems gathers items for source. With "all", sources whose files
// are missing are skipped with a warning.
func collectItems(source string, cfg config.IngestConfig) ([]ingest.ContentItem, error) {
	loaders := map[string]func() ([]ingest.ContentItem, error){
		loadTextbooks: func() ([]ingest.ContentItem, error) { return ingest.LoadTextbooks(cfg.TextbookDir) },
		loadCatalog:   func() ([]ingest.ContentItem, error) { return ingest.LoadCatalog(cfg.CatalogPath) },
		loadTabular:   func() ([]ingest.ContentItem, error) { return ingest.LoadTabular(cfg.TabularPath) },
		loadPractice:  func() ([]ingest.ContentItem, error) { return ingest.GeneratePractice(), nil },
	}

	if source != loadAll {
		load, ok := loaders[source]
		if !ok {
			return nil, fmt.Errorf("unknown source %q: want textbooks, catalog, tabular, practice or all", source)
		}
		return load()
	}

	var items []ingest.ContentItem
	for _, name := range []string{loadTextbooks, loadCatalog, loadTabular, loadPractice} {
		got, err := loaders[name]()
		if errors.Is(err, fs.ErrNotExist) {
			printWarning("Skipping %s: %v", name, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", name, err)
		}
		printStep("%s: %d items", name, len(got))
		items = append(items, got...)
	}
	return items, nil
}

func printReport(w io.Writer, rep ingest.Report) {
	for _, o := range rep.Outcomes {
		if o.OK || o.Message == "cancelled" {
			continue
		}
		fmt.Fprintf(w, "%s %s: %s\n", colorize(colorRed, "failed"), o.Name, o.Message)
	}
	fmt.Fprintf(w, "%s %d succeeded, %d failed, %d cancelled, %d chunks in %s\n",
		colorize(colorBold, "Done:"), rep.Succeeded, rep.Failed, rep.Cancelled, rep.Chunks, rep.Duration.Round(time.Millisecond))
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed content",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		k, _ := cmd.Flags().GetInt("k")
		sourceID, _ := cmd.Flags().GetString("source")
		asContext, _ := cmd.Flags().GetBool("context")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.retriever.Retrieve(ctx, query, k, sourceID)
		if err != nil {
			return err
		}
		if asContext {
			fmt.Println(retrieval.FormatContext(results))
			return nil
		}
		printResults(os.Stdout, results)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("k", 0, "maximum number of results (default retrieval.top_k)")
	searchCmd.Flags().String("source", "", "restrict results to one source id")
	searchCmd.Flags().Bool("context", false, "print the formatted context block instead of a result list")
}

func printResults(w io.Writer, results []retrieval.ScoredChunk) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, r := range results {
		fmt.Fprintf(w, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
		label := r.Metadata["concept_name"]
		if label == "" {
			label = r.Metadata["source_title"]
		}
		if label != "" {
			fmt.Fprintf(w, "  %s #%d\n", label, r.Index)
		}
		fmt.Fprintf(w, "  %s\n", truncate(r.Content, 500))
	}
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.store.ListSources(ctx, status, limit)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Println("No sources found.")
			return nil
		}
		for _, s := range sources {
			fmt.Printf("%s  %-10s  %-8s  %4d  %s\n",
				colorize(colorCyan, shortID(s.ID)), s.Status, s.Kind, s.ChunkCount, truncate(s.Title, 60))
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("status", "", "filter by status (pending, processing, ready, failed)")
	listCmd.Flags().Int("limit", 20, "maximum number of sources to list")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status [source-id]",
	Short: "Show system status, or one source's processing status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			return showSource(ctx, a, args[0])
		}
		return showSystem(ctx, a)
	},
}

func showSource(ctx context.Context, a *app, id string) error {
	src, err := a.store.GetSource(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("source %s not found", id)
	}
	if err != nil {
		return err
	}
	printStatus("Source", "%s", src.ID)
	printStatus("Title", "%s", src.Title)
	printStatus("Kind", "%s", src.Kind)
	printStatus("Status", "%s", src.Status)
	printStatus("Chunks", "%d", src.ChunkCount)
	if src.Error != "" {
		printStatus("Error", "%s", src.Error)
	}
	printStatus("Updated", "%s", src.UpdatedAt.Format("2006-01-02 15:04:05"))

	job, err := a.store.LatestJobForSource(ctx, id)
	switch {
	case err == nil:
		printStatus("Job", "%s (%s, attempt %d/%d)", job.ID, job.Status, job.Attempts, job.MaxAttempts)
		if job.LastError != "" {
			printStatus("Job error", "%s", job.LastError)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}
	return nil
}

func showSystem(ctx context.Context, a *app) error {
	if err := a.ready(ctx); err != nil {
		printStatus("Store", "%s unreachable: %v", a.cfg.Storage.Driver, err)
	} else {
		printStatus("Store", "%s", a.cfg.Storage.Driver)
	}
	if a.cfg.Storage.Driver == config.DriverSQLite {
		printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
	}
	if v, err := a.store.SchemaVersion(ctx); err == nil {
		printStatus("Schema", "version %d", v)
	}
	model := a.cfg.Embedding.Model
	if model == "" {
		model = "default"
	}
	printStatus("Embedding", "%s (%s)", a.cfg.Embedding.Provider, model)

	const limit = 1000
	for _, st := range []string{storage.StatusReady, storage.StatusPending, storage.StatusProcessing, storage.StatusFailed} {
		sources, err := a.store.ListSources(ctx, st, limit)
		if err != nil {
			return err
		}
		printStatus("Sources "+st, "%s", countLabel(len(sources), limit))
	}
	return nil
}

// --- reprocess ---

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <source-id>",
	Short: "Discard a source's chunks and index it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := reprocessSource(ctx, a, args[0])
		if err != nil {
			return err
		}
		printSuccess("Reindexed source %s: %d chunks", res.SourceID, res.ChunkCount)
		return nil
	},
}

func reprocessSource(ctx context.Context, a *app, id string) (processor.Result, error) {
	res, err := a.proc.Reprocess(ctx, id, a.textFunc())
	if err != nil {
		return res, err
	}
	switch res.Status {
	case storage.StatusFailed:
		return res, fmt.Errorf("processing %s failed: %s", id, res.Err)
	case storage.StatusProcessing:
		return res, fmt.Errorf("source %s is being processed by another run", id)
	}
	return res, nil
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <source-id>",
	Short: "Delete a source and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		a, err := openApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := deleteSource(ctx, a, args[0])
		if err != nil {
			return err
		}
		printSuccess("Deleted source %s (%d chunks)", args[0], n)
		return nil
	},
}

func deleteSource(ctx context.Context, a *app, id string) (int64, error) {
	if _, err := a.store.GetSource(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("source %s not found", id)
		}
		return 0, err
	}
	n, err := a.chunks.DeleteBySource(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks: %w", err)
	}
	return n, a.store.DeleteSource(ctx, id)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		keys := config.ShowAll(cfg)
		if asJSON {
			out := make(map[string]string, len(keys))
			for _, k := range keys {
				out[k.Key] = k.Value
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("json", false, "print as JSON")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
