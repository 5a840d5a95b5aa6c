package gpu

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aimaestro/gpuproxy/models"
)

func TestRelayWakesLocalWaiters(t *testing.T) {
	// A release published by another instance must wake waiters in this
	// process and let them observe the gpu unlocked.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := testManager(t)

	ok, err := m.TryAcquireAll(ctx, []string{"0"}, "m1")
	require.NoError(t, err)
	require.True(t, ok)

	messages := make(chan *redis.Message, 1)
	go RunRelay(ctx, messages, m, zap.NewNop().Sugar())

	freed := m.Freed()

	// The remote instance unlocked the store and published the ids.
	require.NoError(t, m.store.SetStatuses(ctx, []models.GpuStatus{
		{GpuID: "0", Locked: false, LastActivity: time.Now()},
	}))
	messages <- &redis.Message{Channel: FreedChannel, Payload: `["0"]`}

	select {
	case <-freed:
	case <-time.After(2 * time.Second):
		t.Fatal("relayed message never woke local waiters")
	}

	ok, err = m.TryAcquireAll(ctx, []string{"0"}, "m2")
	require.NoError(t, err)
	require.True(t, ok, "woken waiter must see the gpu unlocked")
}

func TestRelayStopsWhenSourceCloses(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)

	messages := make(chan *redis.Message)
	done := make(chan struct{})
	go func() {
		RunRelay(ctx, messages, m, zap.NewNop().Sugar())
		close(done)
	}()

	close(messages)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on a closed subscription")
	}
}
