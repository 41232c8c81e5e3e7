package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/groundwork/internal/processor"
	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

// --- mocks ---

type mockEmbedder struct {
	err error
}

func (m *mockEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.6, 0.8, 0}
	}
	return out, nil
}

// --- helpers ---

func newTestDeps(t *testing.T) (Deps, *storage.Store, *mockEmbedder) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emb := &mockEmbedder{}
	chunks := retrieval.NewStore(retrieval.NewSQLiteBackend(store.DB()))
	proc, err := processor.New(store, chunks, emb, processor.Options{})
	if err != nil {
		t.Fatalf("processor.New: %v", err)
	}
	return Deps{
		Sources:   store,
		Chunks:    chunks,
		Retriever: retrieval.NewRetriever(emb, chunks, retrieval.RetrieverOptions{Threshold: 0.5}),
		Processor: proc,
		Ready:     func(ctx context.Context) error { return store.DB().PingContext(ctx) },
	}, store, emb
}

// indexText registers and processes a text document.
func indexText(t *testing.T, deps Deps, title, content string) string {
	t.Helper()
	ctx := context.Background()
	src, err := deps.registerSource(ctx, DocumentRequest{Title: title, Content: content})
	if err != nil {
		t.Fatalf("registerSource: %v", err)
	}
	_, res, err := deps.submit(ctx, src.ID, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != storage.StatusReady {
		t.Fatalf("status = %q (%s), want ready", res.Status, res.Err)
	}
	return src.ID
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_AddDocument_Queues(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	handler := mcpAddDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_document", map[string]any{
		"title":   "Linear Equations",
		"content": "A linear equation has degree one.",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if !strings.HasPrefix(toolText(t, result), "Queued source ") {
		t.Errorf("text = %q, want queued confirmation", toolText(t, result))
	}

	sources, err := store.ListSources(context.Background(), storage.StatusPending, 10)
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected 1 pending source, got %d", len(sources))
	}
	if sources[0].Title != "Linear Equations" || sources[0].Kind != storage.KindDocument {
		t.Errorf("source = %+v", sources[0])
	}

	job, err := store.LatestJobForSource(context.Background(), sources[0].ID)
	if err != nil {
		t.Fatalf("LatestJobForSource: %v", err)
	}
	if job.Type != storage.JobProcessSource {
		t.Errorf("job type = %q, want %q", job.Type, storage.JobProcessSource)
	}
}

func TestMCPTool_AddDocument_Wait(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	handler := mcpAddDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_document", map[string]any{
		"content": "Quadratic equations have degree two.",
		"wait":    true,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}
	if !strings.HasSuffix(toolText(t, result), ": 1 chunks") {
		t.Errorf("text = %q, want 1 chunk indexed", toolText(t, result))
	}
}

func TestMCPTool_AddDocument_File(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	handler := mcpAddDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_document", map[string]any{
		"type":     "file",
		"filename": "notes.md",
		"content":  base64.StdEncoding.EncodeToString([]byte("# Notes\nSlope is rise over run.")),
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	sources, _ := store.ListSources(context.Background(), "", 10)
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].Title != "notes.md" {
		t.Errorf("title = %q, want filename", sources[0].Title)
	}
	if !strings.Contains(sources[0].Content, "rise over run") {
		t.Errorf("content = %q", sources[0].Content)
	}
}

func TestMCPTool_AddDocument_Invalid(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	handler := mcpAddDocument(deps)

	cases := []map[string]any{
		{},
		{"content": "   "},
		{"type": "url"},
		{"type": "file", "filename": "a.txt", "content": "not base64!"},
		{"type": "file", "filename": "a.exe", "content": base64.StdEncoding.EncodeToString([]byte("x"))},
		{"type": "video", "content": "x"},
	}
	for _, args := range cases {
		result, err := handler(context.Background(), makeCallToolRequest("add_document", args))
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected error result, got %q", args, toolText(t, result))
		}
	}

	sources, _ := store.ListSources(context.Background(), "", 10)
	if len(sources) != 0 {
		t.Errorf("expected no sources, got %d", len(sources))
	}
}

func TestMCPTool_AddDocument_WaitFailure(t *testing.T) {
	deps, _, emb := newTestDeps(t)
	emb.err = errors.New("provider down")
	handler := mcpAddDocument(deps)

	result, err := handler(context.Background(), makeCallToolRequest("add_document", map[string]any{
		"content": "Some text.",
		"wait":    true,
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got %q", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "provider down") {
		t.Errorf("text = %q, want provider error", toolText(t, result))
	}
}

func TestMCPTool_SearchContent(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	id := indexText(t, deps, "Slope", "Slope is rise over run.")
	handler := mcpSearchContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_content", map[string]any{
		"query": "what is slope",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var results []chunkResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].SourceID != id || results[0].Content != "Slope is rise over run." {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1", results[0].Score)
	}
}

func TestMCPTool_SearchContent_ContextFormat(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	handler := mcpSearchContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_content", map[string]any{
		"query":  "anything",
		"format": "context",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := toolText(t, result); got != retrieval.NoContentFound {
		t.Errorf("text = %q, want %q", got, retrieval.NoContentFound)
	}
}

func TestMCPTool_SearchContent_SourceFilter(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	indexText(t, deps, "A", "First document.")
	second := indexText(t, deps, "B", "Second document.")
	handler := mcpSearchContent(deps)

	result, _ := handler(context.Background(), makeCallToolRequest("search_content", map[string]any{
		"query":     "document",
		"source_id": second,
	}))
	var results []chunkResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("unmarshal results: %v", err)
	}
	if len(results) != 1 || results[0].SourceID != second {
		t.Errorf("results = %+v, want only source %s", results, second)
	}
}

func TestMCPTool_SearchContent_Error(t *testing.T) {
	deps, _, emb := newTestDeps(t)
	emb.err = errors.New("embedding unavailable")
	handler := mcpSearchContent(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_content", map[string]any{
		"query": "slope",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}

	result, _ = handler(context.Background(), makeCallToolRequest("search_content", map[string]any{}))
	if !result.IsError {
		t.Error("expected error for missing query")
	}
}

func TestMCPTool_SourceStatus(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	add := mcpAddDocument(deps)
	status := mcpSourceStatus(deps)

	result, _ := add(context.Background(), makeCallToolRequest("add_document", map[string]any{"content": "Text."}))
	id := strings.Fields(toolText(t, result))[2]

	result, err := status(context.Background(), makeCallToolRequest("source_status", map[string]any{"source_id": id}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", toolText(t, result))
	}

	var v sourceView
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.ID != id || v.Status != storage.StatusPending {
		t.Errorf("view = %+v", v)
	}
	if v.Job == nil || v.Job.Status != "pending" {
		t.Errorf("job = %+v, want pending job", v.Job)
	}

	result, _ = status(context.Background(), makeCallToolRequest("source_status", map[string]any{"source_id": "missing"}))
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("expected not found error, got %q", toolText(t, result))
	}
}

func TestMCPResource_RecentSources(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	indexText(t, deps, "Slope", "Slope is rise over run.")
	handler := mcpResourceRecentSources(deps)

	contents, err := handler(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: recentSourcesURI},
	})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var views []sourceView
	if err := json.Unmarshal([]byte(tc.Text), &views); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(views) != 1 || views[0].Status != storage.StatusReady || views[0].ChunkCount != 1 {
		t.Errorf("views = %+v", views)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	add := mcpAddDocument(deps)
	search := mcpSearchContent(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			result, err := add(context.Background(), makeCallToolRequest("add_document", map[string]any{"content": "concurrent"}))
			if err != nil || result.IsError {
				errs <- "add_document failed"
			}
		}()
		go func() {
			defer wg.Done()
			result, err := search(context.Background(), makeCallToolRequest("search_content", map[string]any{"query": "concurrent"}))
			if err != nil || result.IsError {
				errs <- "search_content failed"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}

	sources, _ := store.ListSources(context.Background(), "", 100)
	if len(sources) != 20 {
		t.Errorf("expected 20 sources, got %d", len(sources))
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	s := NewMCPServer(deps)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, name := range []string{"search_content", "add_document", "source_status"} {
		if !strings.Contains(string(b), `"name":"`+name+`"`) {
			t.Errorf("tool %q not listed in %s", name, b)
		}
	}
}
