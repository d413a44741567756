package cart_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpongdeepet/iot-shop/internal/cart"
	"github.com/chatpongdeepet/iot-shop/internal/domain"
	"github.com/chatpongdeepet/iot-shop/internal/pgtest"
)

func TestAddItemMergesQuantities(t *testing.T) {
	pool := pgtest.Connect(t)
	pgtest.SeedProduct(t, pool, "sku-lamp", "Desk Lamp", 45000, 10)
	m := cart.NewManager(pool)
	ctx := context.Background()

	_, err := m.AddItem(ctx, 1, "sku-lamp", 2)
	require.NoError(t, err)
	c, err := m.AddItem(ctx, 1, "sku-lamp", 3)
	require.NoError(t, err)

	require.Len(t, c.Items, 1)
	assert.Equal(t, int32(5), c.Items[0].Quantity)
	assert.Equal(t, int64(5*45000), c.Total)
}

func TestUpdateItemReplacesQuantity(t *testing.T) {
	pool := pgtest.Connect(t)
	pgtest.SeedProduct(t, pool, "sku-lamp", "Desk Lamp", 45000, 10)
	m := cart.NewManager(pool)
	ctx := context.Background()

	c, err := m.AddItem(ctx, 1, "sku-lamp", 4)
	require.NoError(t, err)

	c, err = m.UpdateItem(ctx, 1, c.Items[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, int32(2), c.Items[0].Quantity)
}

func TestUpdateItemZeroRemovesLine(t *testing.T) {
	pool := pgtest.Connect(t)
	pgtest.SeedProduct(t, pool, "sku-lamp", "Desk Lamp", 45000, 10)
	m := cart.NewManager(pool)
	ctx := context.Background()

	c, err := m.AddItem(ctx, 1, "sku-lamp", 4)
	require.NoError(t, err)

	c, err = m.UpdateItem(ctx, 1, c.Items[0].ID, 0)
	require.NoError(t, err)
	assert.Empty(t, c.Items)
	assert.Zero(t, c.Total)
}

func TestAddItemValidation(t *testing.T) {
	pool := pgtest.Connect(t)
	pgtest.SeedProduct(t, pool, "sku-lamp", "Desk Lamp", 45000, 10)
	m := cart.NewManager(pool)
	ctx := context.Background()

	_, err := m.AddItem(ctx, 1, "sku-lamp", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = m.AddItem(ctx, 1, "sku-ghost", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestItemsOwnedByOtherUserAreNotFound(t *testing.T) {
	pool := pgtest.Connect(t)
	pgtest.SeedProduct(t, pool, "sku-lamp", "Desk Lamp", 45000, 10)
	m := cart.NewManager(pool)
	ctx := context.Background()

	c, err := m.AddItem(ctx, 1, "sku-lamp", 1)
	require.NoError(t, err)

	_, err = m.RemoveItem(ctx, 2, c.Items[0].ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	c, err = m.GetOrCreate(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, c.Items, 1)
}

func TestItemsKeepInsertionOrder(t *testing.T) {
	pool := pgtest.Connect(t)
	pgtest.SeedProduct(t, pool, "sku-b", "Bulb", 9900, 10)
	pgtest.SeedProduct(t, pool, "sku-a", "Adapter", 19900, 10)
	m := cart.NewManager(pool)
	ctx := context.Background()

	_, err := m.AddItem(ctx, 1, "sku-b", 1)
	require.NoError(t, err)
	c, err := m.AddItem(ctx, 1, "sku-a", 1)
	require.NoError(t, err)

	require.Len(t, c.Items, 2)
	assert.Equal(t, domain.SKU("sku-b"), c.Items[0].SKU)
	assert.Equal(t, domain.SKU("sku-a"), c.Items[1].SKU)

	manifest, err := m.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, manifest, 2)
	assert.Equal(t, domain.SKU("sku-b"), manifest[0].SKU)
}

func TestConcurrentFirstAccessCreatesOneCart(t *testing.T) {
	pool := pgtest.Connect(t)
	m := cart.NewManager(pool)

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.GetOrCreate(context.Background(), 7)
			if err == nil {
				ids[i] = c.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotZero(t, id)
		assert.Equal(t, ids[0], id)
	}
}
