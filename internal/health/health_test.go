package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"embedding-updater/internal/breaker"
	"embedding-updater/internal/monitor"
)

func TestSnapshotReadyWhileBreakersClosed(t *testing.T) {
	store := breaker.New("store-health-closed", breaker.Settings{Threshold: 2, Cooldown: time.Minute}, nil)
	m := monitor.New(monitor.Options{Window: time.Minute, Threshold: 0.5}, nil)
	m.RecordSuccess()
	m.RecordFailure("boom")

	snap := NewReporter(m, store).Snapshot()
	require.True(t, snap.Ready)
	require.Equal(t, breaker.StateClosed, snap.Breakers["store-health-closed"])
	require.Equal(t, int64(2), snap.Total)
	require.Equal(t, int64(1), snap.Failures)
	require.InDelta(t, 50.0, snap.FailureRate, 0.001)
	require.Equal(t, "1m0s", snap.Window)
}

func TestSnapshotNotReadyWhenBreakerOpen(t *testing.T) {
	b := breaker.New("provider-health-open", breaker.Settings{Threshold: 1, Cooldown: time.Hour}, nil)
	_ = b.Execute(func() error { return errors.New("down") })

	snap := NewReporter(nil, b).Snapshot()
	require.False(t, snap.Ready)
	require.Equal(t, breaker.StateOpen, snap.Breakers["provider-health-open"])
	require.Empty(t, snap.Window)
}
