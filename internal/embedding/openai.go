package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const providerOpenAI = "openai"

// OpenAIOptions configures an OpenAI-compatible embeddings client.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	// RPM caps requests per minute on the client side. Zero disables it.
	RPM        int
	HTTPClient *http.Client
}

// OpenAIClient calls any OpenAI-compatible /v1/embeddings endpoint. It
// throttles itself and stops calling a provider that keeps failing.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAI returns a client. A missing API key is a configuration error.
func NewOpenAI(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, &ProviderError{Provider: providerOpenAI, Kind: ErrBadCredentials, Err: errors.New("api key is not set")}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com"
	}
	if opts.Model == "" {
		opts.Model = "text-embedding-3-small"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	endpoint := opts.BaseURL
	if !strings.HasSuffix(endpoint, "/v1/embeddings") {
		endpoint = strings.TrimRight(endpoint, "/") + "/v1/embeddings"
	}

	c := &OpenAIClient{
		endpoint:   endpoint,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		httpClient: opts.HTTPClient,
	}
	if opts.RPM > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(opts.RPM)/60.0), max(opts.RPM/10, 1))
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embeddings-openai",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only provider health trips the breaker, not caller mistakes.
			return err == nil || !Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("embedding circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []openAIData `json:"data"`
}

type openAIData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

func (c *OpenAIClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, c, text)
}

// EmbedBatch embeds texts in one request and orders the vectors by the
// index the provider reports.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	start := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, texts)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &ProviderError{Provider: providerOpenAI, Kind: ErrTransient, Err: err}
	}
	observe(providerOpenAI, start, err)
	if err != nil {
		return nil, err
	}
	return out.([][]float32), nil
}

// CheckCredentials embeds a short test string. It reports ErrBadCredentials if
// the provider refuses the key, and any other error when the check could
// not reach a verdict.
func (c *OpenAIClient) CheckCredentials(ctx context.Context) error {
	_, err := c.EmbedOne(ctx, "ping")
	return err
}

func (c *OpenAIClient) post(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIRequest{Input: texts, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("marshaling embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(providerOpenAI, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(providerOpenAI, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider: providerOpenAI,
			Kind:     classifyStatus(resp.StatusCode),
			Status:   resp.StatusCode,
			Err:      errors.New(truncate(string(respBody), 200)),
		}
	}

	var embResp openAIResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, &ProviderError{Provider: providerOpenAI, Kind: ErrBadResponse, Err: err}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, &ProviderError{Provider: providerOpenAI, Kind: ErrBadResponse, Err: fmt.Errorf("index %d out of range [0, %d)", d.Index, len(texts))}
		}
		vectors[d.Index] = d.Embedding
	}
	if err := checkBatch(providerOpenAI, texts, vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// transportError classifies a failure to reach the provider. Caller
// cancellation is passed through untouched.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderError{Provider: provider, Kind: ErrTransient, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
