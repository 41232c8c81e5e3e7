package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Options selects and configures a provider.
type Options struct {
	Provider string // "openai", "ollama" or "gemini"
	BaseURL  string
	APIKey   string
	Model    string
	RPM      int
	Timeout  time.Duration
}

// New builds the client for opts.Provider. Providers that need an API key
// fail here with ErrBadCredentials when it is missing.
func New(ctx context.Context, opts Options) (Client, error) {
	switch opts.Provider {
	case "openai", "":
		c, err := NewOpenAI(OpenAIOptions{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Model:      opts.Model,
			RPM:        opts.RPM,
			HTTPClient: &http.Client{Timeout: opts.Timeout},
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ollama":
		c := NewOllama(opts.BaseURL, opts.Model)
		c.httpClient.Timeout = opts.Timeout
		return c, nil
	case "gemini":
		c, err := NewGemini(ctx, opts.APIKey, opts.Model, opts.Timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", opts.Provider)
	}
}
