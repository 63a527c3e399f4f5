// ABOUTME: Tests that MockStore follows the same sale rules as SQLiteStore
// ABOUTME: Packages above the store rely on the mock behaving like the real thing

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_SaleLifecycle(t *testing.T) {
	m := NewMockStore()
	m.SetNow(func() time.Time { return testEpoch })
	ctx := context.Background()

	id, err := m.CreateSale(ctx, testSale(0))
	require.NoError(t, err)

	got, err := m.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SaleStatusQueued, got.SyncStatus)
	assert.True(t, got.CreatedAt.Equal(testEpoch))

	require.NoError(t, m.MarkSaleAsFailed(ctx, id, "offline"))
	require.NoError(t, m.UpdateSaleRetryCount(ctx, id))
	n, err := m.RequeueFailedSales(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.MarkSaleAsSynced(ctx, id, 50))
	assert.NoError(t, m.MarkSaleAsSynced(ctx, id, 50))
	assert.True(t, errors.Is(m.MarkSaleAsSynced(ctx, id, 51), ErrInvalidTransition))
	assert.True(t, errors.Is(m.MarkSaleAsFailed(ctx, id, "x"), ErrInvalidTransition))

	fixed, err := m.FixOldSalesUserID(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
}

func TestMockStore_SyncRequiresQueued(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	id, err := m.CreateSale(ctx, testSale(1))
	require.NoError(t, err)
	require.NoError(t, m.MarkSaleAsFailed(ctx, id, "HTTP 422"))

	assert.True(t, errors.Is(m.MarkSaleAsSynced(ctx, id, 7), ErrInvalidTransition))
	got, err := m.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SaleStatusFailed, got.SyncStatus)
}

func TestMockStore_SearchFoldsNonASCII(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	require.NoError(t, m.UpsertProducts(ctx, []Product{
		{ID: 1, AccountID: 1, Name: "ŞƏKƏR TOZU", Barcode: "666", Active: true},
		{ID: 2, AccountID: 1, Name: "Tea", Active: true},
	}))
	require.NoError(t, m.UpsertCustomers(ctx, []Customer{
		{ID: 3, AccountID: 1, Name: "Gülşən Əliyeva"},
	}))

	products, err := m.SearchProducts(ctx, "şəkər")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, int64(1), products[0].ID)

	customers, err := m.SearchCustomers(ctx, "GÜLŞƏN")
	require.NoError(t, err)
	require.Len(t, customers, 1)
	assert.Equal(t, int64(3), customers[0].ID)
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	id, err := m.CreateSale(ctx, testSale(1))
	require.NoError(t, err)

	got, err := m.GetSale(ctx, id)
	require.NoError(t, err)
	got.Items[0].Name = "mutated"
	got.SyncStatus = SaleStatusSynced

	again, err := m.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Espresso", again.Items[0].Name)
	assert.Equal(t, SaleStatusQueued, again.SyncStatus)
}

func TestMockStore_FailWrites(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	boom := errors.New("disk full")
	m.FailWrites = boom

	_, err := m.CreateSale(ctx, testSale(1))
	assert.True(t, errors.Is(err, boom))
	assert.True(t, IsStorageError(err))

	count, err := m.GetQueuedSalesCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIsStorageError(t *testing.T) {
	assert.False(t, IsStorageError(nil))
	assert.False(t, IsStorageError(ErrNotFound))
	assert.False(t, IsStorageError(ErrInvalidArgument))
	assert.False(t, IsStorageError(errors.Join(errors.New("ctx"), ErrInvalidTransition)))
	assert.True(t, IsStorageError(errors.New("database is locked")))
}
