package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirinaja/tabclient/internal/domain"
)

type RedisSplitStatusCache struct {
	client *redis.Client
	prefix string
}

func NewRedisSplitStatusCache(client *redis.Client, prefix string) *RedisSplitStatusCache {
	return &RedisSplitStatusCache{client: client, prefix: prefix + "split:"}
}

func (c *RedisSplitStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSplitStatusCache) Close() error {
	return c.client.Close()
}

func (c *RedisSplitStatusCache) Get(ctx context.Context, accountID string) (*domain.SplitStatus, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+accountID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var status domain.SplitStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return nil, false, err
	}
	return &status, true, nil
}

func (c *RedisSplitStatusCache) Set(ctx context.Context, accountID string, value domain.SplitStatus, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+accountID, payload, ttl).Err()
}

func (c *RedisSplitStatusCache) Delete(ctx context.Context, accountID string) error {
	return c.client.Del(ctx, c.prefix+accountID).Err()
}
