// ABOUTME: Store interfaces and data types for kioskd local persistence
// ABOUTME: Defines cached catalog rows, the queued sale outbox and sync metadata

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a queued sale state change is not allowed,
// e.g. anything that would move a synced sale out of its terminal state.
var ErrInvalidTransition = errors.New("invalid sale status transition")

// ErrInvalidArgument is returned for input rejected before it reaches the database.
var ErrInvalidArgument = errors.New("invalid argument")

// IsStorageError reports whether err came from the store itself rather than a caller mistake.
func IsStorageError(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidArgument) &&
		!errors.Is(err, ErrInvalidTransition)
}

// SearchLimit caps search results so lookups stay fast on kiosk hardware.
const SearchLimit = 50

// FiscalConfigID is the fixed primary key of the fiscal_config singleton row.
const FiscalConfigID = 1

// SaleStatus is the sync state of a queued sale
type SaleStatus string

// Sale sync states. synced is terminal.
const (
	SaleStatusQueued SaleStatus = "queued"
	SaleStatusSynced SaleStatus = "synced"
	SaleStatusFailed SaleStatus = "failed"
)

// Sync types tracked in sync_metadata. One row per type is seeded by migrations.
const (
	SyncTypeProducts  = "products"
	SyncTypeCustomers = "customers"
	SyncTypeConfig    = "config"

	// SyncTypeUsers is not seeded; its row appears after the first user pull.
	SyncTypeUsers = "users"
)

// Sync metadata status values
const (
	SyncStatusNever   = "never"
	SyncStatusSuccess = "success"
	SyncStatusError   = "error"
)

// Product is a cached catalog entry mirroring the remote product id
type Product struct {
	ID            int64     `json:"id"`
	AccountID     int64     `json:"account_id"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku"`
	Barcode       string    `json:"barcode"`
	SalePrice     float64   `json:"sale_price"`
	PurchasePrice float64   `json:"purchase_price"`
	StockQuantity float64   `json:"stock_quantity"`
	ParentID      *int64    `json:"parent_id"`      // set for variants
	VariantName   string    `json:"variant_name"`
	CategoryName  string    `json:"category_name"`
	Active        bool      `json:"active"`
	Type          string    `json:"type"`           // "product", "service", "variant"
	LastSyncedAt  time.Time `json:"last_synced_at"`
}

// Customer is a cached customer record
type Customer struct {
	ID                int64     `json:"id"`
	AccountID         int64     `json:"account_id"`
	Name              string    `json:"name"`
	Phone             string    `json:"phone"`
	Email             string    `json:"email"`
	LoyaltyCardNumber string    `json:"loyalty_card_number"`
	Points            float64   `json:"points"`
	Type              string    `json:"type"`
	LastSyncedAt      time.Time `json:"last_synced_at"`
}

// User is a cached cashier record. It only exists for offline authentication
// and is never created locally.
type User struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Name         string    `json:"name"`
	KioskEnabled bool      `json:"kiosk_enabled"`
	PinHash      string    `json:"-"`
	BranchID     *int64    `json:"branch_id"`
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// SaleItem is one line of a queued sale
type SaleItem struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	SKU       string  `json:"sku,omitempty"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Discount  float64 `json:"discount"`
	TaxRate   float64 `json:"tax_rate"`
	Total     float64 `json:"total"`
}

// SalePayment is one tender applied to a queued sale
type SalePayment struct {
	Method    string  `json:"method"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference,omitempty"`
}

// QueuedSale is a sale persisted locally before the backend acknowledged it.
// LocalID is assigned by the store and never changes.
type QueuedSale struct {
	LocalID          int64         `json:"local_id"`
	IdempotencyKey   string        `json:"idempotency_key"`
	AccountID        int64         `json:"account_id"`
	BranchID         int64         `json:"branch_id"`
	UserID           int64         `json:"user_id"`            // 0 for sales recorded before user tracking existed
	CustomerID       *int64        `json:"customer_id"`
	Items            []SaleItem    `json:"items"`
	Payments         []SalePayment `json:"payments"`
	Subtotal         float64       `json:"subtotal"`
	Tax              float64       `json:"tax"`
	Discount         float64       `json:"discount"`
	Total            float64       `json:"total"`
	PaymentStatus    string        `json:"payment_status"`
	Notes            string        `json:"notes"`
	FiscalNumber     *string       `json:"fiscal_number"`
	FiscalDocumentID *string       `json:"fiscal_document_id"`
	CreatedAt        time.Time     `json:"created_at"`
	SyncStatus       SaleStatus    `json:"sync_status"`
	ServerSaleID     *int64        `json:"server_sale_id"`
	SyncAttemptedAt  *time.Time    `json:"sync_attempted_at"`
	SyncError        string        `json:"sync_error"`
	RetryCount       int           `json:"retry_count"`
}

// FiscalConfig describes the fiscal printer endpoint. It is stored verbatim.
type FiscalConfig struct {
	Enabled      bool      `json:"enabled"`
	DeviceType   string    `json:"device_type"`
	Endpoint     string    `json:"endpoint"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	Password     string    `json:"-"`
	OperatorCode string    `json:"operator_code"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyncMetadata tracks the last pull for one sync type
type SyncMetadata struct {
	SyncType       string     `json:"sync_type"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	LastSyncStatus string     `json:"last_sync_status"`
	RecordsSynced  int        `json:"records_synced"`
}

// Statistics is an aggregate view used for status reporting
type Statistics struct {
	Products        int  `json:"products"`
	Customers       int  `json:"customers"`
	Users           int  `json:"users"`
	QueuedSales     int  `json:"queued_sales"`
	SyncedSales     int  `json:"synced_sales"`
	FailedSales     int  `json:"failed_sales"`
	HasFiscalConfig bool `json:"has_fiscal_config"`
}

// CatalogStore holds reference data pulled from the backend
type CatalogStore interface {
	UpsertProducts(ctx context.Context, products []Product) error
	DeleteProducts(ctx context.Context, ids []int64) error
	SearchProducts(ctx context.Context, query string) ([]*Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*Product, bool, error)
	ListProducts(ctx context.Context, limit int) ([]*Product, error)

	UpsertCustomers(ctx context.Context, customers []Customer) error
	DeleteCustomers(ctx context.Context, ids []int64) error
	SearchCustomers(ctx context.Context, query string) ([]*Customer, error)
	GetCustomer(ctx context.Context, id int64) (*Customer, error)

	UpsertUsers(ctx context.Context, users []User) error
	DeleteUsers(ctx context.Context, ids []int64) error
	GetUser(ctx context.Context, id, accountID int64) (*User, error)
}

// SalesStore is the durable sales outbox
type SalesStore interface {
	CreateSale(ctx context.Context, sale *QueuedSale) (int64, error)
	GetSale(ctx context.Context, localID int64) (*QueuedSale, error)
	GetQueuedSales(ctx context.Context) ([]*QueuedSale, error)
	GetQueuedSalesCount(ctx context.Context) (int, error)
	MarkSaleAsSynced(ctx context.Context, localID, serverSaleID int64) error
	MarkSaleAsFailed(ctx context.Context, localID int64, syncErr string) error
	UpdateSaleRetryCount(ctx context.Context, localID int64) error
	RequeueSale(ctx context.Context, localID int64) error
	RequeueFailedSales(ctx context.Context, maxRetries int) (int, error)
	SetSaleFiscal(ctx context.Context, localID int64, fiscalNumber, fiscalDocumentID string) error
	FixOldSalesUserID(ctx context.Context, userID int64) (int, error)
}

// MetaStore holds sync bookkeeping, the fiscal singleton and device settings
type MetaStore interface {
	GetSyncMetadata(ctx context.Context) ([]*SyncMetadata, error)
	UpdateSyncMetadata(ctx context.Context, syncType, status string, records int) error
	GetFiscalConfig(ctx context.Context) (*FiscalConfig, error)
	SaveFiscalConfig(ctx context.Context, cfg *FiscalConfig) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	SetSettings(ctx context.Context, values map[string]string) error
	ClearSettings(ctx context.Context) error
	GetStatistics(ctx context.Context) (*Statistics, error)
	ClearAllData(ctx context.Context) error
}

// SessionStore keeps revoked session ids so logouts survive a restart
type SessionStore interface {
	RevokeSession(ctx context.Context, id string, expiresAt time.Time) error
	RevokedSessions(ctx context.Context) (map[string]time.Time, error)
}

// Store is the complete local persistence surface
type Store interface {
	CatalogStore
	SalesStore
	MetaStore
	SessionStore

	// Migrate brings the schema up to date. Safe to call on every start.
	Migrate(ctx context.Context) error

	// Degraded lists migrations that could not be applied. Empty when healthy.
	Degraded() []string

	// Close releases any resources held by the store
	Close() error
}
