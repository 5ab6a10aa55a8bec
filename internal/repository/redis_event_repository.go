package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisEventRepository is the Redis-backed variant of the processed-event
// registry. SET NX gives the same first-delivery-wins semantics as the SQL
// unique key; entries expire after the retention window since the payment
// provider stops retrying long before that.
type RedisEventRepository struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

func NewRedisEventRepository(client *redis.Client, retention time.Duration) *RedisEventRepository {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisEventRepository{
		client:    client,
		prefix:    "webhook_events",
		retention: retention,
	}
}

func (r *RedisEventRepository) Register(ctx context.Context, eventID, eventType string) (bool, error) {
	key := fmt.Sprintf("%s:%s", r.prefix, eventID)
	first, err := r.client.SetNX(ctx, key, eventType, r.retention).Result()
	if err != nil {
		return false, fmt.Errorf("register webhook event: %w", err)
	}
	return first, nil
}

func (r *RedisEventRepository) Release(ctx context.Context, eventID string) error {
	key := fmt.Sprintf("%s:%s", r.prefix, eventID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}
