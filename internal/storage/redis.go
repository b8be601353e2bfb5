package storage

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/golang/glog"

	"purchasekit/internal/config"
)

// RedisStore implements Store on top of Redis. Keys are namespaced per app
// so multiple SDK instances can share one server.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg *config.RedisConfig, appID string) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx := context.Background()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	glog.Infof("connected to Redis at %s", addr)

	return &RedisStore{
		client: rdb,
		ctx:    ctx,
		prefix: fmt.Sprintf("purchasekit:%s:", appID),
	}, nil
}

func (s *RedisStore) Get(key string) (string, error) {
	val, err := s.client.Get(s.ctx, s.prefix+key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(key, value string) error {
	return s.client.Set(s.ctx, s.prefix+key, value, 0).Err()
}

func (s *RedisStore) Delete(key string) error {
	return s.client.Del(s.ctx, s.prefix+key).Err()
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
