package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/groundwork/internal/observability"
	"github.com/kalambet/groundwork/internal/storage"
)

func doReq(t *testing.T, h http.Handler, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	rec := doReq(t, NewHandler(deps), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	rec := doReq(t, NewHandler(deps), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	deps.Ready = func(context.Context) error { return errors.New("connection refused") }
	rec = doReq(t, NewHandler(deps), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	observability.JobsTotal.WithLabelValues(storage.JobProcessSource, "completed").Inc()

	rec := doReq(t, NewHandler(deps), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "groundwork_jobs_total") {
		t.Error("metrics output missing groundwork_jobs_total")
	}
}

func TestAddSource_Text(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	h := NewHandler(deps)

	rec := doReq(t, h, http.MethodPost, "/sources", `{"title":"Slope","content":"Slope is rise over run.","metadata":{"topic":"Algebra"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	if resp["status"] != "queued" || resp["id"] == "" || resp["job_id"] == "" {
		t.Errorf("response = %v", resp)
	}

	src, err := store.GetSource(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Metadata["topic"] != "Algebra" {
		t.Errorf("metadata = %v", src.Metadata)
	}
}

func TestAddSource_URLDefersFetch(t *testing.T) {
	deps, store, _ := newTestDeps(t)

	rec := doReq(t, NewHandler(deps), http.MethodPost, "/sources", `{"type":"url","url":"http://example.invalid/page"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)

	src, err := store.GetSource(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if src.Content != "" {
		t.Errorf("content = %q, want empty until processed", src.Content)
	}
	if src.Metadata["url"] != "http://example.invalid/page" || src.Title != "http://example.invalid/page" {
		t.Errorf("source = %+v", src)
	}
}

func TestAddSource_URLWait(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body><p>Functions map inputs to outputs.</p></body></html>")
	}))
	defer page.Close()

	deps, _, _ := newTestDeps(t)
	deps.HTTPClient = page.Client()

	rec := doReq(t, NewHandler(deps), http.MethodPost, "/sources", `{"type":"url","url":"`+page.URL+`","wait":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["status"] != storage.StatusReady || resp["chunk_count"] != float64(1) {
		t.Errorf("response = %v", resp)
	}
}

func TestAddSource_File(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	body := `{"type":"file","filename":"notes.txt","content":"` +
		base64.StdEncoding.EncodeToString([]byte("Vectors have magnitude and direction.")) + `"}`

	rec := doReq(t, NewHandler(deps), http.MethodPost, "/sources", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)

	src, _ := store.GetSource(context.Background(), resp["id"])
	if src.Content != "Vectors have magnitude and direction." {
		t.Errorf("content = %q", src.Content)
	}
}

func TestAddSource_IgnoresCallerLocationMetadata(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("SERVER SECRET TOKEN 1234"), 0o600); err != nil {
		t.Fatal(err)
	}
	deps, store, _ := newTestDeps(t)
	h := NewHandler(deps)

	rec := doReq(t, h, http.MethodPost, "/sources",
		`{"type":"file","filename":"empty.txt","content":"","wait":true,"metadata":{"path":"`+secret+`"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty file: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodPost, "/sources",
		`{"title":"Slope","content":"Slope is rise over run.","metadata":{"path":"`+secret+`","url":"http://example.invalid","topic":"Algebra"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rec, &resp)
	src, err := store.GetSource(context.Background(), resp["id"])
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if _, ok := src.Metadata["path"]; ok {
		t.Errorf("path metadata kept: %v", src.Metadata)
	}
	if _, ok := src.Metadata["url"]; ok {
		t.Errorf("url metadata kept on a text document: %v", src.Metadata)
	}
	if src.Metadata["topic"] != "Algebra" {
		t.Errorf("metadata = %v", src.Metadata)
	}

	sources, _ := store.ListSources(context.Background(), "", 10)
	for _, s := range sources {
		if strings.Contains(s.Content, "SECRET") {
			t.Errorf("source %s holds server file content", s.ID)
		}
	}
}

func TestAddSource_BadRequests(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	h := NewHandler(deps)

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"type":"url"}`,
		`{"type":"file","filename":"a.txt","content":"%%%"}`,
		`{"type":"fax","content":"x"}`,
	} {
		rec := doReq(t, h, http.MethodPost, "/sources", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestListSources(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	indexText(t, deps, "Ready One", "Processed text.")
	if _, err := deps.registerSource(context.Background(), DocumentRequest{Content: "waiting"}); err != nil {
		t.Fatalf("registerSource: %v", err)
	}
	h := NewHandler(deps)

	rec := doReq(t, h, http.MethodGet, "/sources", "")
	var all []sourceView
	decodeBody(t, rec, &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(all))
	}

	rec = doReq(t, h, http.MethodGet, "/sources?status=ready", "")
	var ready []sourceView
	decodeBody(t, rec, &ready)
	if len(ready) != 1 || ready[0].Title != "Ready One" {
		t.Errorf("ready = %+v", ready)
	}

	rec = doReq(t, h, http.MethodGet, "/sources?limit=1", "")
	var limited []sourceView
	decodeBody(t, rec, &limited)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestGetSource(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	id := indexText(t, deps, "Slope", "Slope is rise over run.")
	h := NewHandler(deps)

	rec := doReq(t, h, http.MethodGet, "/sources/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var v sourceView
	decodeBody(t, rec, &v)
	if v.Status != storage.StatusReady || v.ChunkCount != 1 || v.Job != nil {
		t.Errorf("view = %+v", v)
	}

	rec = doReq(t, h, http.MethodGet, "/sources/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSource(t *testing.T) {
	deps, store, _ := newTestDeps(t)
	id := indexText(t, deps, "Slope", "Slope is rise over run.")
	h := NewHandler(deps)

	rec := doReq(t, h, http.MethodDelete, "/sources/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	decodeBody(t, rec, &resp)
	if resp["chunks_deleted"] != float64(1) {
		t.Errorf("response = %v", resp)
	}

	if _, err := store.GetSource(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSource after delete: err = %v, want ErrNotFound", err)
	}

	rec = doReq(t, h, http.MethodDelete, "/sources/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	indexText(t, deps, "Slope", "Slope is rise over run.")
	h := NewHandler(deps)

	rec := doReq(t, h, http.MethodPost, "/search", `{"query":"slope","k":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []chunkResult `json:"results"`
		Context string        `json:"context"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Context != "Slope is rise over run." {
		t.Errorf("response = %+v", resp)
	}

	rec = doReq(t, h, http.MethodPost, "/search", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing query, got %d", rec.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=500", 100},
		{"limit=-1", 20},
		{"limit=abc", 20},
	}
	for _, c := range cases {
		r := httptest.NewRequest(http.MethodGet, "/sources?"+c.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != c.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", c.query, got, c.want)
		}
	}
}
