package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAIServer(t *testing.T, handler func(w http.ResponseWriter, req openAIRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, url string) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAI(OpenAIOptions{BaseURL: url, APIKey: "sk-test", Model: "test-embed"})
	require.NoError(t, err)
	return c
}

func TestOpenAI_EmbedBatchOrdersByIndex(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, req openAIRequest) {
		// Answer in reverse order; the client must put vectors back.
		resp := openAIResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, openAIData{Index: i, Embedding: []float32{float32(i), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestOpenAI(t, srv.URL)
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
}

func TestOpenAI_SendsAuthAndModel(t *testing.T) {
	var gotAuth, gotPath, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(openAIResponse{Data: []openAIData{{Index: 0, Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	c := newTestOpenAI(t, srv.URL)
	_, err := c.EmbedOne(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "/v1/embeddings", gotPath)
	assert.Equal(t, "test-embed", gotModel)
}

func TestOpenAI_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		retryable bool
	}{
		{http.StatusUnauthorized, ErrBadCredentials, false},
		{http.StatusForbidden, ErrBadCredentials, false},
		{http.StatusTooManyRequests, ErrRateLimited, true},
		{http.StatusInternalServerError, ErrTransient, true},
		{http.StatusBadGateway, ErrTransient, true},
		{http.StatusBadRequest, ErrBadResponse, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			})
			c := newTestOpenAI(t, srv.URL)

			_, err := c.EmbedBatch(context.Background(), []string{"x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.retryable, Retryable(err))

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, "openai", pe.Provider)
		})
	}
}

func TestOpenAI_CountMismatchIsBadResponse(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		json.NewEncoder(w).Encode(openAIResponse{Data: []openAIData{{Index: 0, Embedding: []float32{1}}}})
	})
	c := newTestOpenAI(t, srv.URL)

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestOpenAI_IndexOutOfRange(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		json.NewEncoder(w).Encode(openAIResponse{Data: []openAIData{{Index: 7, Embedding: []float32{1}}}})
	})
	c := newTestOpenAI(t, srv.URL)

	_, err := c.EmbedBatch(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestOpenAI_MissingKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIOptions{})
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestOpenAI_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestOpenAI(t, srv.URL)

	for i := 0; i < 5; i++ {
		_, err := c.EmbedBatch(context.Background(), []string{"x"})
		require.ErrorIs(t, err, ErrTransient)
	}
	require.Equal(t, int32(5), hits.Load())

	_, err := c.EmbedBatch(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(5), hits.Load(), "open breaker must not call the provider")
}

func TestOpenAI_BadCredentialsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestOpenAI(t, srv.URL)

	for i := 0; i < 7; i++ {
		_, err := c.EmbedBatch(context.Background(), []string{"x"})
		require.ErrorIs(t, err, ErrBadCredentials)
	}
	assert.Equal(t, int32(7), hits.Load())
}

func TestOpenAI_CheckCredentials(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestOpenAI(t, srv.URL)
	assert.ErrorIs(t, c.CheckCredentials(context.Background()), ErrBadCredentials)

	down := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c = newTestOpenAI(t, down.URL)
	err := c.CheckCredentials(context.Background())
	assert.ErrorIs(t, err, ErrTransient, "an unavailable provider gives no verdict")
	assert.NotErrorIs(t, err, ErrBadCredentials)
}

func TestOpenAI_EmptyBatch(t *testing.T) {
	c := newTestOpenAI(t, "http://127.0.0.1:1")
	vecs, err := c.EmbedBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestOpenAI_CanceledContextPassesThrough(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, _ openAIRequest) {
		json.NewEncoder(w).Encode(openAIResponse{})
	})
	c := newTestOpenAI(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.EmbedBatch(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, Retryable(err))
}
