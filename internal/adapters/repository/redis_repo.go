package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"omni-inbox/internal/core/ports"
)

var _ ports.DedupRepository = (*RedisRepository)(nil)

// RedisRepository claims provider message ids so redelivered webhooks are skipped
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository creates a new Redis repository instance
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

// Claim reserves the id with SETNX; only the first caller gets true
func (r *RedisRepository) Claim(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	key := buildDedupKey(eventID)

	// Value is the claim time, handy when inspecting keys by hand
	ok, err := r.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		slog.Error("Failed to claim webhook event",
			"error", err,
			"event_id", eventID,
			"ttl", ttl,
		)
		return false, fmt.Errorf("claim event: %w", err)
	}

	if !ok {
		slog.Warn("Duplicate webhook event detected",
			"event_id", eventID,
			"key", key,
		)
	}
	return ok, nil
}

// Release deletes the claim of an event that could not be processed
func (r *RedisRepository) Release(ctx context.Context, eventID string) error {
	if err := r.client.Del(ctx, buildDedupKey(eventID)).Err(); err != nil {
		return fmt.Errorf("release event: %w", err)
	}
	slog.Debug("Event claim released", "event_id", eventID)
	return nil
}

// buildDedupKey constructs the key dedup:msg:{provider_message_id}
func buildDedupKey(eventID string) string {
	return fmt.Sprintf("dedup:msg:%s", eventID)
}
