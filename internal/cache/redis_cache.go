package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirsync/backend/internal/domain"
)

type RedisQueueCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisQueueCache(client *redis.Client) *RedisQueueCache {
	return &RedisQueueCache{client: client}
}

func (c *RedisQueueCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisQueueCache) Get(ctx context.Context, locationID string) (*domain.QueueSnapshot, bool, error) {
	val, err := c.client.Get(ctx, queueKey(locationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var snapshot domain.QueueSnapshot
	if err := json.Unmarshal(val, &snapshot); err != nil {
		return nil, false, err
	}
	return &snapshot, true, nil
}

func (c *RedisQueueCache) Set(ctx context.Context, snapshot *domain.QueueSnapshot, ttl time.Duration) error {
	if snapshot == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, queueKey(snapshot.LocationID), payload, ttl).Err()
}

func (c *RedisQueueCache) Invalidate(ctx context.Context, locationID string) error {
	return c.client.Del(ctx, queueKey(locationID)).Err()
}
