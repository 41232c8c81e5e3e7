package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const providerGemini = "gemini"

// GeminiClient embeds text with Google Generative AI embedding models.
type GeminiClient struct {
	client  *genai.Client
	batch   func(ctx context.Context, texts []string) (*genai.BatchEmbedContentsResponse, error)
	timeout time.Duration
}

var _ Client = (*GeminiClient)(nil)

// NewGemini opens a Generative AI client. Close releases it. A positive
// timeout bounds each batch call.
func NewGemini(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, &ProviderError{Provider: providerGemini, Kind: ErrBadCredentials, Err: errors.New("api key is not set")}
	}
	if model == "" {
		model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	em := client.EmbeddingModel(model)
	return &GeminiClient{
		client: client,
		batch: func(ctx context.Context, texts []string) (*genai.BatchEmbedContentsResponse, error) {
			b := em.NewBatch()
			for _, t := range texts {
				b.AddContent(genai.Text(t))
			}
			return em.BatchEmbedContents(ctx, b)
		},
		timeout: timeout,
	}, nil
}

func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *GeminiClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, c, text)
}

// EmbedBatch embeds texts with one BatchEmbedContents call.
func (c *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.batch(ctx, texts)
	if err != nil {
		err = classifyGemini(err)
		observe(providerGemini, start, err)
		return nil, err
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e != nil {
			vectors[i] = e.Values
		}
	}
	err = checkBatch(providerGemini, texts, vectors)
	observe(providerGemini, start, err)
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// classifyGemini maps gRPC status codes, or HTTP codes for the REST
// transport, onto the error taxonomy.
func classifyGemini(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Provider: providerGemini, Kind: ErrTransient, Err: err}
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return &ProviderError{Provider: providerGemini, Kind: classifyStatus(gErr.Code), Status: gErr.Code, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		return &ProviderError{Provider: providerGemini, Kind: kindForCode(st.Code()), Err: err}
	}
	return &ProviderError{Provider: providerGemini, Kind: ErrTransient, Err: err}
}

func kindForCode(code codes.Code) error {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrBadCredentials
	case codes.ResourceExhausted:
		return ErrRateLimited
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted, codes.Unknown:
		return ErrTransient
	default:
		return ErrBadResponse
	}
}
