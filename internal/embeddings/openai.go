package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient generates embeddings with the OpenAI embeddings endpoint.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an embedding client. opts carry credentials and
// transport, usually llm.RequestOptions.
func NewOpenAI(model string, opts ...option.RequestOption) *OpenAIClient {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}
}

// Generate creates an embedding for the given text.
func (c *OpenAIClient) Generate(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai returned no embeddings")
	}
	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, f := range src {
		out[i] = float32(f)
	}
	return out, nil
}
