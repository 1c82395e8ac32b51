package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"comandero/backend/internal/domain"
)

type RedisBoardCache struct {
	client *redis.Client
}

func NewRedisBoardCache(addr string, password string, db int) *RedisBoardCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBoardCache{client: client}
}

func (c *RedisBoardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBoardCache) Close() error {
	return c.client.Close()
}

func (c *RedisBoardCache) Get(ctx context.Context, key string) ([]domain.Comanda, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var board []domain.Comanda
	if err := json.Unmarshal([]byte(val), &board); err != nil {
		return nil, false, err
	}
	return board, true, nil
}

func (c *RedisBoardCache) Set(ctx context.Context, key string, board []domain.Comanda, ttl time.Duration) error {
	payload, err := json.Marshal(board)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisBoardCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
