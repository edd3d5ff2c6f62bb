package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

var _ ports.LiveEventBus = (*RedisLiveBus)(nil)

const liveChannelPrefix = "live:"

// LiveSink receives events relayed from the bus, one call per message
type LiveSink func(orgID string, payload []byte)

// RedisLiveBus fans live events out to every instance through Redis pub/sub
type RedisLiveBus struct {
	client *redis.Client
}

// NewRedisLiveBus creates a live event bus on the given client
func NewRedisLiveBus(client *redis.Client) *RedisLiveBus {
	return &RedisLiveBus{client: client}
}

// Publish sends the event to live:{organization_id}
func (b *RedisLiveBus) Publish(ctx context.Context, ev domain.LiveEvent) error {
	if ev.OrganizationID == "" {
		return fmt.Errorf("publish live event: empty organization")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode live event: %w", err)
	}
	if err := b.client.Publish(ctx, liveChannelPrefix+ev.OrganizationID, payload).Err(); err != nil {
		return fmt.Errorf("publish live event: %w", err)
	}
	return nil
}

// Run relays every live:* message to sink until ctx is cancelled
func (b *RedisLiveBus) Run(ctx context.Context, sink LiveSink) error {
	pubsub := b.client.PSubscribe(ctx, liveChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before relaying
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe live events: %w", err)
	}
	slog.Info("Live event relay subscribed", "pattern", liveChannelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			orgID := strings.TrimPrefix(msg.Channel, liveChannelPrefix)
			sink(orgID, []byte(msg.Payload))
		}
	}
}
