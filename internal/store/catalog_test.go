// ABOUTME: Tests for the cached catalog: products, customers and users
// ABOUTME: Covers batch atomicity, search limits and barcode lookup

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertProducts_StampsSyncTime(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 10, AccountID: 1, Name: "Espresso", Barcode: "4001", SalePrice: 2.5, Active: true},
	}))

	got, found, err := s.GetProductByBarcode(ctx, "4001")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.LastSyncedAt.Equal(testEpoch), "got %v", got.LastSyncedAt)
	assert.Equal(t, "product", got.Type, "empty type defaults to product")

	// A later upsert replaces the row and moves the timestamp
	clk.Advance(time.Hour)
	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 10, AccountID: 1, Name: "Espresso Doppio", Barcode: "4001", SalePrice: 3, Active: true},
	}))

	got, found, err = s.GetProductByBarcode(ctx, "4001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Espresso Doppio", got.Name)
	assert.Equal(t, 3.0, got.SalePrice)
	assert.True(t, got.LastSyncedAt.Equal(testEpoch.Add(time.Hour)))
}

func TestUpsertProducts_BatchIsAtomic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.Exec(`
		CREATE TRIGGER reject_poison BEFORE INSERT ON products
		WHEN NEW.name = 'poison'
		BEGIN SELECT RAISE(ABORT, 'poison row'); END
	`)
	require.NoError(t, err)

	err = s.UpsertProducts(ctx, []Product{
		{ID: 1, AccountID: 1, Name: "Bread", Active: true},
		{ID: 2, AccountID: 1, Name: "poison", Active: true},
	})
	require.Error(t, err)

	products, err := s.ListProducts(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, products, "a failed batch must leave no partial rows")
}

func TestUpsertProducts_Variant(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	parent := int64(100)
	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 100, AccountID: 1, Name: "T-Shirt", Active: true},
		{ID: 101, AccountID: 1, Name: "T-Shirt", ParentID: &parent, VariantName: "XL", Type: "variant", Barcode: "TS-XL", Active: true},
	}))

	got, found, err := s.GetProductByBarcode(ctx, "TS-XL")
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, int64(100), *got.ParentID)
	assert.Equal(t, "XL", got.VariantName)
	assert.Equal(t, "variant", got.Type)
}

func TestDeleteProducts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 1, AccountID: 1, Name: "Apple", Active: true},
		{ID: 2, AccountID: 1, Name: "Banana", Active: true},
		{ID: 3, AccountID: 1, Name: "Cherry", Active: true},
	}))

	t.Run("empty list is a no-op", func(t *testing.T) {
		require.NoError(t, s.DeleteProducts(ctx, nil))
		require.NoError(t, s.DeleteProducts(ctx, []int64{}))

		products, err := s.ListProducts(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, products, 3)
	})

	t.Run("removes listed ids", func(t *testing.T) {
		require.NoError(t, s.DeleteProducts(ctx, []int64{1, 3, 999}))

		products, err := s.ListProducts(ctx, 0)
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, "Banana", products[0].Name)
	})
}

func TestDeleteCustomersAndUsers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCustomers(ctx, []Customer{{ID: 1, AccountID: 1, Name: "Ivo"}}))
	require.NoError(t, s.UpsertUsers(ctx, []User{{ID: 10, AccountID: 1, Name: "Ana", KioskEnabled: true}}))

	require.NoError(t, s.DeleteCustomers(ctx, []int64{1}))
	require.NoError(t, s.DeleteUsers(ctx, []int64{10}))
	require.NoError(t, s.DeleteUsers(ctx, nil))

	_, err := s.GetCustomer(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUser(ctx, 10, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchProducts(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 1, AccountID: 1, Name: "Green Tea", SKU: "TEA-GRN", Barcode: "111", Active: true},
		{ID: 2, AccountID: 1, Name: "Black Tea", SKU: "TEA-BLK", Barcode: "222", Active: true},
		{ID: 3, AccountID: 1, Name: "Old Tea", SKU: "TEA-OLD", Barcode: "333", Active: false},
		{ID: 4, AccountID: 1, Name: "100% Juice", SKU: "JCE", Barcode: "444", Active: true},
		{ID: 5, AccountID: 1, Name: "Coffee", SKU: "COF", Barcode: "5550001", Active: true},
		{ID: 6, AccountID: 1, Name: "ŞƏKƏR TOZU", SKU: "SKR-1", Barcode: "666", Active: true},
	}))

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"name substring case-insensitive", "tea", []string{"Black Tea", "Green Tea"}},
		{"sku match", "grn", []string{"Green Tea"}},
		{"barcode match", "555", []string{"Coffee"}},
		{"percent is literal", "%", []string{"100% Juice"}},
		{"non-ascii case folding", "şəkər", []string{"ŞƏKƏR TOZU"}},
		{"non-ascii query upper case", "TOZU", []string{"ŞƏKƏR TOZU"}},
		{"no match", "pizza", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := s.SearchProducts(ctx, tt.query)
			require.NoError(t, err)

			var names []string
			for _, p := range results {
				names = append(names, p.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestSearchProducts_Limit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	var batch []Product
	for i := 1; i <= SearchLimit+20; i++ {
		batch = append(batch, Product{ID: int64(i), AccountID: 1, Name: fmt.Sprintf("Widget %03d", i), Active: true})
	}
	require.NoError(t, s.UpsertProducts(ctx, batch))

	results, err := s.SearchProducts(ctx, "widget")
	require.NoError(t, err)
	assert.Len(t, results, SearchLimit)
}

func TestGetProductByBarcode(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 1, AccountID: 1, Name: "Milk", Barcode: "8600001", Active: true},
		{ID: 2, AccountID: 1, Name: "Retired Milk", Barcode: "8600002", Active: false},
	}))

	p, found, err := s.GetProductByBarcode(ctx, "8600001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), p.ID)

	p, found, err = s.GetProductByBarcode(ctx, "8600002")
	require.NoError(t, err)
	assert.False(t, found, "inactive products are not sellable")
	assert.Nil(t, p)

	// Partial barcodes don't match
	_, found, err = s.GetProductByBarcode(ctx, "860000")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCustomers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCustomers(ctx, []Customer{
		{ID: 7, AccountID: 1, Name: "Ana Petrovic", Phone: "+381641234567", Email: "ana@example.com", Points: 120},
		{ID: 8, AccountID: 1, Name: "Marko Jovanovic", Phone: "+381659999999", LoyaltyCardNumber: "LC-8"},
		{ID: 9, AccountID: 1, Name: "Gülşən Əliyeva", Phone: "+994501112233"},
	}))

	results, err := s.SearchCustomers(ctx, "0641")
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.SearchCustomers(ctx, "64123")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Ana Petrovic", results[0].Name)

	results, err = s.SearchCustomers(ctx, "EXAMPLE.COM")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(7), results[0].ID)

	results, err = s.SearchCustomers(ctx, "GÜLŞƏN")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(9), results[0].ID)

	c, err := s.GetCustomer(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, "LC-8", c.LoyaltyCardNumber)
	assert.Equal(t, "", c.Email)

	_, err = s.GetCustomer(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUsers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	branch := int64(3)
	require.NoError(t, s.UpsertUsers(ctx, []User{
		{ID: 5, AccountID: 1, Name: "Cashier", KioskEnabled: true, PinHash: "$2a$10$hash", BranchID: &branch},
		{ID: 6, AccountID: 1, Name: "Manager"},
	}))

	u, err := s.GetUser(ctx, 5, 1)
	require.NoError(t, err)
	assert.True(t, u.KioskEnabled)
	assert.Equal(t, "$2a$10$hash", u.PinHash)
	require.NotNil(t, u.BranchID)
	assert.Equal(t, int64(3), *u.BranchID)

	u, err = s.GetUser(ctx, 6, 1)
	require.NoError(t, err)
	assert.False(t, u.KioskEnabled)
	assert.Nil(t, u.BranchID)

	// Users are scoped to their account
	_, err = s.GetUser(ctx, 5, 2)
	assert.True(t, errors.Is(err, ErrNotFound))
}
