package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestLocalEvictsOldestHalf(t *testing.T) {
	ctx := context.Background()
	g, err := NewLocal(4)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, g.Mark(ctx, fmt.Sprintf("m%d", i)))
	}
	require.Equal(t, 4, g.Len())

	require.NoError(t, g.Mark(ctx, "m4"))
	require.Equal(t, 3, g.Len())
	for id, want := range map[string]bool{"m0": false, "m1": false, "m2": true, "m3": true, "m4": true} {
		seen, err := g.Seen(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want, seen, id)
	}
}

func TestLocalMarkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	g, err := NewLocal(2)
	require.NoError(t, err)
	require.NoError(t, g.Mark(ctx, "a"))
	require.NoError(t, g.Mark(ctx, "a"))
	require.Equal(t, 1, g.Len())

	_, err = NewLocal(1)
	require.Error(t, err)
}

func TestLocalConcurrentMarks(t *testing.T) {
	ctx := context.Background()
	g, err := NewLocal(100)
	require.NoError(t, err)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = g.Mark(ctx, fmt.Sprintf("%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()
	require.LessOrEqual(t, g.Len(), 100)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisGuardSharedAndExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	workerA := NewRedis(client, "idem:", time.Hour)
	workerB := NewRedis(client, "idem:", time.Hour)

	seen, err := workerB.Seen(ctx, "msg")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, workerA.Mark(ctx, "msg"))
	seen, err = workerB.Seen(ctx, "msg")
	require.NoError(t, err)
	require.True(t, seen)

	mr.FastForward(2 * time.Hour)
	seen, err = workerB.Seen(ctx, "msg")
	require.NoError(t, err)
	require.False(t, seen)
}

type brokenGuard struct{}

func (brokenGuard) Seen(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenGuard) Mark(context.Context, string) error         { return errors.New("down") }

func TestLayeredBackfillsAndToleratesBrokenLayer(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	local, err := NewLocal(10)
	require.NoError(t, err)
	shared := NewRedis(client, "", time.Hour)
	require.NoError(t, shared.Mark(ctx, "from-other-worker"))

	g := NewLayered(zaptest.NewLogger(t), local, brokenGuard{}, shared)
	seen, err := g.Seen(ctx, "from-other-worker")
	require.NoError(t, err)
	require.True(t, seen)

	seen, _ = local.Seen(ctx, "from-other-worker")
	require.True(t, seen, "hit in a slower layer back-fills the local layer")

	seen, err = g.Seen(ctx, "new")
	require.NoError(t, err)
	require.False(t, seen)

	require.Error(t, g.Mark(ctx, "new"))
	seen, _ = shared.Seen(ctx, "new")
	require.True(t, seen, "healthy layers are marked even when one fails")
}

func TestLayeredLogsBackfillFailure(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	shared := NewRedis(client, "", time.Hour)
	require.NoError(t, shared.Mark(ctx, "seen-elsewhere"))

	core, logs := observer.New(zapcore.DebugLevel)
	g := NewLayered(zap.New(core), brokenGuard{}, shared)
	seen, err := g.Seen(ctx, "seen-elsewhere")
	require.NoError(t, err)
	require.True(t, seen)

	entries := logs.FilterMessage("idempotency backfill failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, int64(0), entries[0].ContextMap()["layer"])
	require.Equal(t, "down", entries[0].ContextMap()["error"])
}
