package cache

import (
	"context"
	"time"

	"github.com/kwam1na/athena-sub007/internal/domain"
)

// AvailabilityCache fronts storefront availability reads. It is never
// consulted by ledger mutations; entries are invalidated after each one.
type AvailabilityCache interface {
	Get(ctx context.Context, storeID string, sku string) (*domain.InventoryUnit, bool, error)
	Set(ctx context.Context, unit domain.InventoryUnit, ttl time.Duration) error
	Invalidate(ctx context.Context, storeID string, skus ...string) error
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string, _ string) (*domain.InventoryUnit, bool, error) {
	return nil, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ domain.InventoryUnit, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Invalidate(_ context.Context, _ string, _ ...string) error {
	return nil
}

func availabilityKey(storeID string, sku string) string {
	return "availability:" + storeID + ":" + sku
}
