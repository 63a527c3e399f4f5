// ABOUTME: Tests for sync metadata, fiscal config, settings and statistics
// ABOUTME: Also covers ClearAllData resetting local state

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetadata(t *testing.T, md []*SyncMetadata, syncType string) *SyncMetadata {
	t.Helper()
	for _, m := range md {
		if m.SyncType == syncType {
			return m
		}
	}
	t.Fatalf("no sync metadata for %q", syncType)
	return nil
}

func TestUpdateSyncMetadata(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateSyncMetadata(ctx, SyncTypeProducts, SyncStatusSuccess, 42))

	md, err := s.GetSyncMetadata(ctx)
	require.NoError(t, err)
	products := findMetadata(t, md, SyncTypeProducts)
	assert.Equal(t, SyncStatusSuccess, products.LastSyncStatus)
	assert.Equal(t, 42, products.RecordsSynced)
	require.NotNil(t, products.LastSyncAt)
	assert.True(t, products.LastSyncAt.Equal(testEpoch))

	// A failed pull keeps the last successful time and count
	clk.Advance(time.Hour)
	require.NoError(t, s.UpdateSyncMetadata(ctx, SyncTypeProducts, SyncStatusError, 0))

	md, err = s.GetSyncMetadata(ctx)
	require.NoError(t, err)
	products = findMetadata(t, md, SyncTypeProducts)
	assert.Equal(t, SyncStatusError, products.LastSyncStatus)
	assert.Equal(t, 42, products.RecordsSynced)
	assert.True(t, products.LastSyncAt.Equal(testEpoch))

	// Unseeded types are created on demand
	require.NoError(t, s.UpdateSyncMetadata(ctx, "users", SyncStatusSuccess, 3))
	md, err = s.GetSyncMetadata(ctx)
	require.NoError(t, err)
	assert.Len(t, md, 4)
	assert.Equal(t, 3, findMetadata(t, md, "users").RecordsSynced)
}

func TestFiscalConfig(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetFiscalConfig(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	cfg := &FiscalConfig{
		Enabled:      true,
		DeviceType:   "esir",
		Endpoint:     "192.168.1.50",
		Port:         3566,
		Username:     "fiscal",
		Password:     "s3cret",
		OperatorCode: "OP1",
	}
	require.NoError(t, s.SaveFiscalConfig(ctx, cfg))

	got, err := s.GetFiscalConfig(ctx)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "esir", got.DeviceType)
	assert.Equal(t, 3566, got.Port)
	assert.Equal(t, "s3cret", got.Password)
	assert.True(t, got.UpdatedAt.Equal(testEpoch))

	// Saving again overwrites the singleton
	require.NoError(t, s.SaveFiscalConfig(ctx, &FiscalConfig{Enabled: false}))
	got, err = s.GetFiscalConfig(ctx)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "", got.Endpoint)

	assert.True(t, errors.Is(s.SaveFiscalConfig(ctx, nil), ErrInvalidArgument))
}

func TestSettings(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSetting(ctx, "device_id")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.SetSetting(ctx, "device_id", "kiosk-1"))
	require.NoError(t, s.SetSetting(ctx, "device_id", "kiosk-2"))

	v, err := s.GetSetting(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, "kiosk-2", v)

	require.NoError(t, s.ClearSettings(ctx))
	_, err = s.GetSetting(ctx, "device_id")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSetSettings_AllOrNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetSettings(ctx, map[string]string{
		"device_id":  "kiosk-1",
		"account_id": "1",
	}))
	v, err := s.GetSetting(ctx, "account_id")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	_, err = s.db.Exec(`
		CREATE TRIGGER reject_branch BEFORE INSERT ON app_config
		WHEN NEW.key = 'branch_id'
		BEGIN SELECT RAISE(ABORT, 'branch rejected'); END
	`)
	require.NoError(t, err)

	err = s.SetSettings(ctx, map[string]string{
		"device_id":  "kiosk-2",
		"account_id": "2",
		"branch_id":  "7",
	})
	require.Error(t, err)

	v, err = s.GetSetting(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", v, "earlier keys roll back with the failing one")
	v, err = s.GetSetting(ctx, "account_id")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	_, err = s.GetSetting(ctx, "branch_id")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGetStatistics(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProducts(ctx, []Product{
		{ID: 1, AccountID: 1, Name: "A", Active: true},
		{ID: 2, AccountID: 1, Name: "B", Active: false},
	}))
	require.NoError(t, s.UpsertCustomers(ctx, []Customer{{ID: 1, AccountID: 1, Name: "C"}}))

	queued, err := s.CreateSale(ctx, testSale(1))
	require.NoError(t, err)
	synced, err := s.CreateSale(ctx, testSale(1))
	require.NoError(t, err)
	failed, err := s.CreateSale(ctx, testSale(1))
	require.NoError(t, err)
	require.NoError(t, s.MarkSaleAsSynced(ctx, synced, 1))
	require.NoError(t, s.MarkSaleAsFailed(ctx, failed, "boom"))
	_ = queued

	st, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Statistics{
		Products:    2,
		Customers:   1,
		QueuedSales: 1,
		SyncedSales: 1,
		FailedSales: 1,
	}, *st)
}

func TestClearAllData(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProducts(ctx, []Product{{ID: 1, AccountID: 1, Name: "A", Active: true}}))
	require.NoError(t, s.UpsertUsers(ctx, []User{{ID: 1, AccountID: 1, Name: "U"}}))
	_, err := s.CreateSale(ctx, testSale(1))
	require.NoError(t, err)
	require.NoError(t, s.SaveFiscalConfig(ctx, &FiscalConfig{Enabled: true}))
	require.NoError(t, s.UpdateSyncMetadata(ctx, SyncTypeProducts, SyncStatusSuccess, 1))
	require.NoError(t, s.SetSetting(ctx, "device_id", "kiosk-1"))

	require.NoError(t, s.ClearAllData(ctx))

	st, err := s.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Statistics{}, *st)

	md, err := s.GetSyncMetadata(ctx)
	require.NoError(t, err)
	for _, m := range md {
		assert.Equal(t, SyncStatusNever, m.LastSyncStatus)
		assert.Nil(t, m.LastSyncAt)
	}

	// Device identity survives a data wipe
	v, err := s.GetSetting(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, "kiosk-1", v)
}

func TestCGODriver(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cgo.db"), WithDriver(DriverCGO))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	id, err := s.CreateSale(ctx, testSale(3))
	require.NoError(t, err)
	require.NoError(t, s.MarkSaleAsSynced(ctx, id, 10))

	got, err := s.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SaleStatusSynced, got.SyncStatus)
}
