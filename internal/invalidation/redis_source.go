package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DeploymentsChannel is the pub/sub channel deployment tooling announces
// model rollouts on.
const DeploymentsChannel = "deployments"

// Broadcaster distributes an event to peer replicas.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event) error
}

// RedisSource bridges the deployments pub/sub channel onto the local
// bus, so every replica applies version changes no matter which one the
// announcement reached first.
type RedisSource struct {
	client  *redis.Client
	bus     *Bus
	channel string
	logger  *slog.Logger
}

var _ Broadcaster = (*RedisSource)(nil)

func NewRedisSource(client *redis.Client, bus *Bus, logger *slog.Logger) *RedisSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisSource{
		client:  client,
		bus:     bus,
		channel: DeploymentsChannel,
		logger:  logger,
	}
}

// Run consumes deployment events until the context is cancelled.
// Malformed payloads are logged and skipped; the bus's idempotent
// Publish makes redelivery harmless.
func (s *RedisSource) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("listening for deployment events", "channel", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("dropping malformed deployment event", "error", err)
				continue
			}
			s.bus.Publish(ev)
		}
	}
}

// Broadcast announces an event to all replicas, including this one. The
// local echo is absorbed by Publish's idempotency.
func (s *RedisSource) Broadcast(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode deployment event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to broadcast deployment event: %w", err)
	}
	return nil
}
