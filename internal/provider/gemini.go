package provider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Gemini calls the Gemini embedContent API.
type Gemini struct {
	client *genai.Client
	model  string
	config *genai.EmbedContentConfig
	logger *zap.Logger
}

func NewGemini(ctx context.Context, s Settings, logger *zap.Logger) (*Gemini, error) {
	if s.APIKey == "" {
		return nil, errors.New("gemini provider requires EMBEDDING_API_KEY")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	config := &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"}
	if s.Dimensions > 0 {
		dims := int32(s.Dimensions)
		config.OutputDimensionality = &dims
	}
	return &Gemini{client: client, model: s.Model, config: config, logger: logger.With(zap.String("component", "gemini-embedder"))}, nil
}

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.client.Models.EmbedContent(
		ctx,
		g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}},
		g.config,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embedding values returned", ErrUnavailable)
	}
	return resp.Embeddings[0].Values, nil
}
