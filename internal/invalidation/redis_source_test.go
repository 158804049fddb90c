package invalidation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisSource(t *testing.T, bus *Bus) (*RedisSource, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisSource(client, bus, discardLogger()), client
}

func TestRedisSourceAppliesEvents(t *testing.T) {
	bus := NewBus(map[string]string{"fraud": "3"}, discardLogger())
	source, client := newRedisSource(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx) }()

	payload, err := json.Marshal(Event{Model: "fraud", NewVersion: "4", At: time.Now()})
	require.NoError(t, err)

	// Republish until the subscription is live and the event lands.
	require.Eventually(t, func() bool {
		_ = client.Publish(ctx, DeploymentsChannel, payload).Err()
		v, _ := bus.Current("fraud")
		return v == "4"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop on context cancellation")
	}
}

func TestRedisSourceSkipsMalformedPayloads(t *testing.T) {
	bus := NewBus(map[string]string{"fraud": "3"}, discardLogger())
	source, client := newRedisSource(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = source.Run(ctx) }()

	payload, err := json.Marshal(Event{Model: "fraud", NewVersion: "4"})
	require.NoError(t, err)

	// Garbage ahead of the valid event must not kill the loop.
	require.Eventually(t, func() bool {
		_ = client.Publish(ctx, DeploymentsChannel, "{not json").Err()
		_ = client.Publish(ctx, DeploymentsChannel, payload).Err()
		v, _ := bus.Current("fraud")
		return v == "4"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisSourceBroadcastLoopsBack(t *testing.T) {
	bus := NewBus(map[string]string{"fraud": "3"}, discardLogger())
	source, _ := newRedisSource(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = source.Run(ctx) }()

	ev := Event{Model: "fraud", NewVersion: "5", At: time.Now()}
	require.Eventually(t, func() bool {
		require.NoError(t, source.Broadcast(ctx, ev))
		v, _ := bus.Current("fraud")
		return v == "5"
	}, 2*time.Second, 10*time.Millisecond)
}
