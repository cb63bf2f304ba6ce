// Package provider produces event embeddings from text through an external embedding API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrUnavailable marks a provider failure worth retrying later.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider turns text into an embedding vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Settings selects and configures the backing API client.
type Settings struct {
	Kind       string // openai or gemini
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

// New builds the raw API client named by s.Kind.
func New(ctx context.Context, s Settings, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case "openai", "":
		return NewOpenAI(s, logger)
	case "gemini":
		return NewGemini(ctx, s, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", s.Kind)
	}
}

// ProductText is the text embedded for a product that has no catalogued embedding.
func ProductText(productID int64) string {
	return fmt.Sprintf("product %d", productID)
}
