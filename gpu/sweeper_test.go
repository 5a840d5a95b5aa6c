package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweepReleasesOnlyStaleLocks(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	ok, err := m.TryAcquireAll(ctx, []string{"stale"}, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	m.now = func() time.Time { return base.Add(50 * time.Second) }
	ok, err = m.TryAcquireAll(ctx, []string{"fresh"}, "m2")
	require.NoError(t, err)
	require.True(t, ok)

	s := NewSweeper(m, 30*time.Second, time.Minute, zap.NewNop().Sugar())
	s.now = func() time.Time { return base.Add(70 * time.Second) }
	s.Sweep(ctx)

	stale, err := m.store.Status(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, stale.Locked, "lock past the timeout must be reclaimed")

	fresh, err := m.store.Status(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.Locked, "lock inside the window must survive")
}

func TestSweepSparesRefreshedLocks(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	ok, err := m.TryAcquireAll(ctx, []string{"kept-alive"}, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	// Heartbeat inside the window.
	m.now = func() time.Time { return base.Add(50 * time.Second) }
	require.NoError(t, m.RefreshActivity(ctx, []string{"kept-alive"}))

	s := NewSweeper(m, 30*time.Second, time.Minute, zap.NewNop().Sugar())
	s.now = func() time.Time { return base.Add(90 * time.Second) }
	s.Sweep(ctx)

	status, err := m.store.Status(ctx, "kept-alive")
	require.NoError(t, err)
	assert.True(t, status.Locked)

	// Without further refreshes the next sweep takes it.
	s.now = func() time.Time { return base.Add(3 * time.Minute) }
	s.Sweep(ctx)

	status, err = m.store.Status(ctx, "kept-alive")
	require.NoError(t, err)
	assert.False(t, status.Locked)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	base := time.Now()
	m.now = func() time.Time { return base }
	ok, err := m.TryAcquireAll(ctx, []string{"0"}, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	s := NewSweeper(m, 30*time.Second, time.Minute, zap.NewNop().Sugar())
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.Sweep(ctx)
	s.Sweep(ctx)

	status, err := m.store.Status(ctx, "0")
	require.NoError(t, err)
	assert.False(t, status.Locked)
}
