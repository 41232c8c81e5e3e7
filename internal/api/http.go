package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

const readyTimeout = 2 * time.Second

// NewHandler returns the ops and admin router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth)
	r.Get("/readyz", handleReady(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/sources", handleAddSource(deps))
	r.Get("/sources", handleListSources(deps))
	r.Get("/sources/{id}", handleGetSource(deps))
	r.Delete("/sources/{id}", handleDeleteSource(deps))
	r.Post("/search", handleSearch(deps))

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				httpError(w, http.StatusServiceUnavailable, "unavailable", "store not ready: %v", err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

type addSourceRequest struct {
	DocumentRequest
	Wait bool `json:"wait"`
}

func handleAddSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		src, err := deps.registerSource(r.Context(), req.DocumentRequest)
		if errors.Is(err, errInvalidRequest) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		jobID, res, err := deps.submit(r.Context(), src.ID, req.Wait)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "source %s saved but not submitted: %v", src.ID, err)
			return
		}
		if res != nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"id":          src.ID,
				"status":      res.Status,
				"chunk_count": res.ChunkCount,
				"error":       res.Err,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     src.ID,
			"status": "queued",
			"job_id": jobID,
		})
	}
}

func handleListSources(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, listLimit)
		status := r.URL.Query().Get("status")

		sources, err := deps.Sources.ListSources(r.Context(), status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sources: %v", err)
			return
		}

		views := make([]sourceView, len(sources))
		for i, s := range sources {
			views[i] = newSourceView(s)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.sourceStatus(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleDeleteSource(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.deleteSource(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "source not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete source: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "chunks_deleted": n})
	}
}

type searchRequest struct {
	Query    string `json:"query"`
	K        int    `json:"k"`
	SourceID string `json:"source_id"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		chunks, err := deps.Retriever.Retrieve(r.Context(), req.Query, req.K, req.SourceID)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"results": newChunkResults(chunks),
			"context": retrieval.FormatContext(chunks),
		})
	}
}
