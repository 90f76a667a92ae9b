package openai

import (
	"context"
	"fmt"

	goopenai "github.com/sashabaranov/go-openai"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// Embedder produces embeddings through the OpenAI embeddings endpoint.
type Embedder struct {
	api        *goopenai.Client
	apiKey     string
	model      string
	dimensions int
}

// NewEmbedder creates an embedder. dimensions truncates the returned vectors
// on models that support it; zero keeps the model default.
func NewEmbedder(apiKey, model, baseURL string, dimensions int) *Embedder {
	if model == "" {
		model = defaultEmbeddingModel
	}
	c := NewClient(apiKey, model, baseURL)
	return &Embedder{api: c.api, apiKey: c.apiKey, model: model, dimensions: dimensions}
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, mnemoerr.New(mnemoerr.CodeAPIKeyMissing, "OPENAI_API_KEY not set").
			WithSuggestion("Set store.embedding_api_key or switch store.embedder to hash")
	}

	resp, err := e.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      []string{text},
		Model:      goopenai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings response for model %s was empty", e.model)
	}
	return resp.Data[0].Embedding, nil
}

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
