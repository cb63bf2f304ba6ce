package pipeline

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"embedding-updater/internal/config"
	"embedding-updater/internal/provider"
)

func TestBuildProviderStacksDecorators(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.Load()
	cfg.EmbeddingProvider = "openai"
	cfg.EmbeddingBaseURL = "http://127.0.0.1:1/v1"
	cfg.EmbeddingCacheSize = 16
	cfg.EmbeddingRateCapacity = 5

	got, err := buildProvider(context.Background(), cfg, rdb, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &provider.Cached{}, got.provider)
	require.Equal(t, "provider", got.breaker.Name())

	cfg.EmbeddingCacheSize = 0
	got, err = buildProvider(context.Background(), cfg, rdb, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &provider.Guarded{}, got.provider)
}

func TestBuildProviderRejectsUnknownKind(t *testing.T) {
	cfg := config.Load()
	cfg.EmbeddingProvider = "bogus"
	_, err := buildProvider(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.Error(t, err)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Load()
	cfg.EmbeddingDimensions = 0
	_, err := Build(context.Background(), cfg, false, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "invalid config")
}
