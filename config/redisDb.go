package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB returns nil until ConnectRedisWithRetry succeeds.
func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock returns nil until ConnectRedisWithRetry succeeds.
func GetRedisLock() *redislock.Client {
	return locker
}

// RedisSettings come from REDIS_ADDRESS (default localhost:6379), REDIS_PASSWORD,
// REDIS_DB and REDIS_POOL_SIZE (default 100).
type RedisSettings struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

func LoadRedisSettings() RedisSettings {
	return RedisSettings{
		Addr:     stringFromEnv("REDIS_ADDRESS", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
	}
}

func (s RedisSettings) options() *redis.Options {
	return &redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
		PoolSize: s.PoolSize,
	}
}

// GetRedisObject reports false (no error) on a miss or when redis is not connected.
func GetRedisObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	raw, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(ctx context.Context, key string, obj interface{}, exp time.Duration) error {
	if rdb == nil {
		return nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return rdb.Set(ctx, key, raw, exp).Err()
}

func RemoveRedisKey(ctx context.Context, keys ...string) error {
	if rdb == nil || len(keys) == 0 {
		return nil
	}
	return rdb.Del(ctx, keys...).Err()
}

// ConnectRedisWithRetry pings until Redis answers or ctx ends, then sets the global
// client and lock client.
func ConnectRedisWithRetry(ctx context.Context) error {
	s := LoadRedisSettings()
	fields := logrus.Fields{"field": "redis", "addr": s.Addr}
	for attempt := 1; ; attempt++ {
		client := redis.NewClient(s.options())
		err := client.Ping(ctx).Err()
		if err == nil {
			rdb = client
			locker = redislock.New(rdb)
			GetLogger().WithFields(fields).WithField("attempt", attempt).Info("connected to redis")
			return nil
		}
		_ = client.Close()
		sleep := BackoffDelay(attempt)
		GetLogger().WithFields(fields).WithField("attempt", attempt).
			Warn("failed to connect redis; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// CloseRedis releases the global client. It is safe to call when not connected.
func CloseRedis() error {
	if rdb == nil {
		return nil
	}
	err := rdb.Close()
	rdb, locker = nil, nil
	return err
}
