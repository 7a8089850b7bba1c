package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kwam1na/athena-sub007/internal/domain"
)

func TestRedisAvailabilityCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("ATHENA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set ATHENA_TEST_REDIS_ADDR to run redis integration tests")
	}
	ctx := context.Background()
	c := NewRedisAvailabilityCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(ctx))

	storeID := "store-" + time.Now().Format("150405.000000")
	unit := domain.InventoryUnit{StoreID: storeID, SKU: "SKU-TEE-01", InventoryCount: 7, QuantityAvailable: 5, UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, c.Set(ctx, unit, time.Minute))

	got, ok, err := c.Get(ctx, storeID, "SKU-TEE-01")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, unit.QuantityAvailable, got.QuantityAvailable)
	require.True(t, unit.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, c.Invalidate(ctx, storeID, "SKU-TEE-01"))
	_, ok, err = c.Get(ctx, storeID, "SKU-TEE-01")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNoopAvailabilityCacheAlwaysMisses(t *testing.T) {
	var c AvailabilityCache = NoopAvailabilityCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, domain.InventoryUnit{StoreID: "s", SKU: "a"}, time.Minute))
	_, ok, err := c.Get(ctx, "s", "a")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "availability:s:a", availabilityKey("s", "a"))
}
