// Package embedding converts text to vectors through external providers.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/groundwork/internal/observability"
)

// Errors are classified so callers can decide between aborting and
// retrying. Provider errors wrap exactly one of these.
var (
	// ErrBadCredentials means the provider rejected or never received an
	// API key. Retrying will not help.
	ErrBadCredentials = errors.New("embedding provider rejected credentials")

	// ErrRateLimited means the provider throttled the request.
	ErrRateLimited = errors.New("embedding provider rate limited")

	// ErrTransient covers timeouts, network failures and 5xx responses.
	ErrTransient = errors.New("embedding provider unavailable")

	// ErrBadResponse means the provider answered with unusable data.
	ErrBadResponse = errors.New("embedding provider returned a bad response")
)

// Client embeds text. EmbedBatch preserves input order and returns exactly
// one vector per input.
type Client interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CredentialChecker is implemented by clients that can detect missing or
// invalid credentials up front. An error wrapping ErrBadCredentials is a
// verdict; any other error means the check was inconclusive.
type CredentialChecker interface {
	CheckCredentials(ctx context.Context) error
}

// ProviderError carries the classification and provider detail of a failed
// call.
type ProviderError struct {
	Provider string
	Kind     error
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Is reports whether target is the error's kind.
func (e *ProviderError) Is(target error) bool { return target == e.Kind }

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth retrying at the pipeline level.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrBadCredentials
	case code == 429:
		return ErrRateLimited
	case code >= 500, code == 408:
		return ErrTransient
	default:
		return ErrBadResponse
	}
}

// checkBatch validates a provider answer against its request.
func checkBatch(provider string, texts []string, vectors [][]float32) error {
	if len(vectors) != len(texts) {
		return &ProviderError{Provider: provider, Kind: ErrBadResponse, Err: fmt.Errorf("got %d vectors for %d inputs", len(vectors), len(texts))}
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return &ProviderError{Provider: provider, Kind: ErrBadResponse, Err: fmt.Errorf("empty vector at position %d", i)}
		}
	}
	return nil
}

// observe records one provider call in the embedding metrics.
func observe(provider string, start time.Time, err error) {
	observability.EmbeddingLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrBadCredentials):
		status = "bad_credentials"
	case errors.Is(err, ErrRateLimited):
		status = "rate_limited"
	case errors.Is(err, ErrTransient):
		status = "transient"
	default:
		status = "error"
	}
	observability.EmbeddingRequestsTotal.WithLabelValues(provider, status).Inc()
}

func embedOne(ctx context.Context, c Client, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
