package provider

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// OpenAI calls an OpenAI-compatible embeddings endpoint.
type OpenAI struct {
	embedder embeddings.Embedder
	logger   *zap.Logger
}

func NewOpenAI(s Settings, logger *zap.Logger) (*OpenAI, error) {
	token := s.APIKey
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(s.Model),
	}
	if s.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(s.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("openai embedder: %w", err)
	}
	return &OpenAI{embedder: embedder, logger: logger.With(zap.String("component", "openai-embedder"))}, nil
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	o.logger.Debug("generating embedding", zap.Int("length", len(text)))
	vectors, err := o.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrUnavailable)
	}
	return vectors[0], nil
}
