package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	redis "github.com/redis/go-redis/v9"

	"github.com/kwam1na/athena-sub007/internal/domain"
)

type RedisAvailabilityCache struct {
	client *redis.Client
}

func NewRedisAvailabilityCache(addr string, password string, db int) *RedisAvailabilityCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAvailabilityCache{client: client}
}

func (c *RedisAvailabilityCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAvailabilityCache) Close() error {
	return c.client.Close()
}

func (c *RedisAvailabilityCache) Get(ctx context.Context, storeID string, sku string) (*domain.InventoryUnit, bool, error) {
	val, err := c.client.Get(ctx, availabilityKey(storeID, sku)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}

	var unit domain.InventoryUnit
	if err := json.Unmarshal([]byte(val), &unit); err != nil {
		return nil, false, errors.Wrap(err, "decode cached unit")
	}
	return &unit, true, nil
}

func (c *RedisAvailabilityCache) Set(ctx context.Context, unit domain.InventoryUnit, ttl time.Duration) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return errors.Wrap(err, "encode unit")
	}
	return c.client.Set(ctx, availabilityKey(unit.StoreID, unit.SKU), payload, ttl).Err()
}

func (c *RedisAvailabilityCache) Invalidate(ctx context.Context, storeID string, skus ...string) error {
	if len(skus) == 0 {
		return nil
	}
	keys := make([]string, 0, len(skus))
	for _, sku := range skus {
		keys = append(keys, availabilityKey(storeID, sku))
	}
	return c.client.Del(ctx, keys...).Err()
}
