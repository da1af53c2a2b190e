package embed

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiDimensions = 768

// GeminiEmbedder computes embeddings with the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dims   int
}

// NewGeminiEmbedder creates an embedder backed by the Gemini API. An empty
// model selects text-embedding-004. Close the embedder when done to release
// the underlying connection.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dims int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder: API key is required")
	}
	if model == "" {
		model = "text-embedding-004"
	}
	if dims <= 0 {
		dims = defaultGeminiDimensions
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: failed to create client: %w", err)
	}

	return &GeminiEmbedder{
		client: client,
		model:  model,
		dims:   dims,
	}, nil
}

// Embed requests one embedding.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	em := e.client.EmbeddingModel(e.model)
	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini embedding response contained no values")
	}
	return resp.Embedding.Values, nil
}

// Dimensions returns the configured vector length.
func (e *GeminiEmbedder) Dimensions() int {
	return e.dims
}

// Close releases the underlying API client.
func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}
