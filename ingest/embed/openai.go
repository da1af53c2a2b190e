package embed

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIDimensions = 1536

// OpenAIEmbedder computes embeddings with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client   *openai.Client
	model    openai.EmbeddingModel
	dims     int
	sendDims bool
}

// NewOpenAIEmbedder creates an embedder backed by the OpenAI API.
//
// An empty model selects text-embedding-3-small. dims > 0 requests vectors
// of that length from the API (supported by the text-embedding-3 models);
// dims <= 0 uses the model's native length.
func NewOpenAIEmbedder(apiKey, model string, dims int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: API key is required")
	}
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))

	sendDims := dims > 0 && model != string(openai.EmbeddingModelTextEmbeddingAda002)
	if dims <= 0 {
		dims = defaultOpenAIDimensions
	}

	return &OpenAIEmbedder{
		client:   &client,
		model:    openai.EmbeddingModel(model),
		dims:     dims,
		sendDims: sendDims,
	}, nil
}

// Embed requests one embedding and converts it to float32.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	}
	if e.sendDims {
		params.Dimensions = openai.Int(int64(e.dims))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embedding response contained no data")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the configured vector length.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}
