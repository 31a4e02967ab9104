package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatusCache holds rendered status views between polls. Entries are deleted on every write,
// so a cached view is never older than one poll interval.
type StatusCache interface {
	Get(ctx context.Context, key string, dest *StatusView) (bool, error)
	Set(ctx context.Context, key string, v StatusView, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

func jobStatusKey(id string) string      { return "status:job:" + id }
func documentStatusKey(id string) string { return "status:document:" + id }

type NoopStatusCache struct{}

func (NoopStatusCache) Get(context.Context, string, *StatusView) (bool, error)       { return false, nil }
func (NoopStatusCache) Set(context.Context, string, StatusView, time.Duration) error { return nil }
func (NoopStatusCache) Invalidate(context.Context, ...string) error                  { return nil }

type RedisStatusCache struct {
	client *redis.Client
}

func NewRedisStatusCache(client *redis.Client) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

func (c *RedisStatusCache) Get(ctx context.Context, key string, dest *StatusView) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, key string, v StatusView, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisStatusCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
