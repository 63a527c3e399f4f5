// ABOUTME: Wire types for the ERP kiosk API
// ABOUTME: Converts between backend JSON payloads and local store rows

package remote

import (
	"time"

	"github.com/2389/kioskd/internal/store"
)

// Page is the body of every pull endpoint
type Page[T any] struct {
	Items      []T     `json:"items"`
	DeletedIDs []int64 `json:"deleted_ids"`
}

// Product as served by GET /api/kiosk/products
type Product struct {
	ID            int64   `json:"id"`
	AccountID     int64   `json:"account_id"`
	Name          string  `json:"name"`
	SKU           string  `json:"sku"`
	Barcode       string  `json:"barcode"`
	SalePrice     float64 `json:"sale_price"`
	PurchasePrice float64 `json:"purchase_price"`
	StockQuantity float64 `json:"stock_quantity"`
	ParentID      *int64  `json:"parent_id"`
	VariantName   string  `json:"variant_name"`
	CategoryName  string  `json:"category_name"`
	IsActive      bool    `json:"is_active"`
	Type          string  `json:"type"`
}

// ToStore converts the wire product to a cache row
func (p Product) ToStore() store.Product {
	return store.Product{
		ID:            p.ID,
		AccountID:     p.AccountID,
		Name:          p.Name,
		SKU:           p.SKU,
		Barcode:       p.Barcode,
		SalePrice:     p.SalePrice,
		PurchasePrice: p.PurchasePrice,
		StockQuantity: p.StockQuantity,
		ParentID:      p.ParentID,
		VariantName:   p.VariantName,
		CategoryName:  p.CategoryName,
		Active:        p.IsActive,
		Type:          p.Type,
	}
}

// Customer as served by GET /api/kiosk/customers
type Customer struct {
	ID                int64   `json:"id"`
	AccountID         int64   `json:"account_id"`
	Name              string  `json:"name"`
	Phone             string  `json:"phone"`
	Email             string  `json:"email"`
	LoyaltyCardNumber string  `json:"loyalty_card_number"`
	Points            float64 `json:"points"`
	Type              string  `json:"type"`
}

// ToStore converts the wire customer to a cache row
func (c Customer) ToStore() store.Customer {
	return store.Customer{
		ID:                c.ID,
		AccountID:         c.AccountID,
		Name:              c.Name,
		Phone:             c.Phone,
		Email:             c.Email,
		LoyaltyCardNumber: c.LoyaltyCardNumber,
		Points:            c.Points,
		Type:              c.Type,
	}
}

// User as served by GET /api/kiosk/users and the PIN login response
type User struct {
	ID           int64  `json:"id"`
	AccountID    int64  `json:"account_id"`
	Name         string `json:"name"`
	KioskEnabled bool   `json:"kiosk_enabled"`
	PinHash      string `json:"pin_hash"`
	BranchID     *int64 `json:"branch_id"`
}

// ToStore converts the wire user to a cache row
func (u User) ToStore() store.User {
	return store.User{
		ID:           u.ID,
		AccountID:    u.AccountID,
		Name:         u.Name,
		KioskEnabled: u.KioskEnabled,
		PinHash:      u.PinHash,
		BranchID:     u.BranchID,
	}
}

// FiscalConfig as served inside GET /api/kiosk/config
type FiscalConfig struct {
	Enabled      bool   `json:"enabled"`
	DeviceType   string `json:"device_type"`
	Endpoint     string `json:"endpoint"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	OperatorCode string `json:"operator_code"`
}

// ToStore converts the wire fiscal config to the singleton row
func (f FiscalConfig) ToStore() store.FiscalConfig {
	return store.FiscalConfig{
		Enabled:      f.Enabled,
		DeviceType:   f.DeviceType,
		Endpoint:     f.Endpoint,
		Port:         f.Port,
		Username:     f.Username,
		Password:     f.Password,
		OperatorCode: f.OperatorCode,
	}
}

// DeviceConfig is the body of GET /api/kiosk/config
type DeviceConfig struct {
	Fiscal *FiscalConfig `json:"fiscal"`
}

// LoginRequest is the body of POST /api/kiosk/auth/pin
type LoginRequest struct {
	AccountID int64  `json:"account_id"`
	BranchID  int64  `json:"branch_id"`
	UserID    int64  `json:"user_id"`
	PIN       string `json:"pin"`
	DeviceID  string `json:"device_id,omitempty"`
}

// LoginResponse is a successful PIN login
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// RegisterRequest is the body of POST /api/kiosk/devices/register
type RegisterRequest struct {
	AccountID        int64  `json:"account_id"`
	BranchID         int64  `json:"branch_id"`
	DeviceName       string `json:"device_name"`
	RegistrationCode string `json:"registration_code"`
}

// Registration is a successful device registration
type Registration struct {
	DeviceID string `json:"device_id"`
	APIToken string `json:"api_token"`
}

// SaleRequest is the body of POST /api/kiosk/sales
type SaleRequest struct {
	IdempotencyKey   string              `json:"idempotency_key"`
	LocalID          int64               `json:"local_id"`
	AccountID        int64               `json:"account_id"`
	BranchID         int64               `json:"branch_id"`
	UserID           int64               `json:"user_id"`
	CustomerID       *int64              `json:"customer_id"`
	Items            []store.SaleItem    `json:"items"`
	Payments         []store.SalePayment `json:"payments"`
	Subtotal         float64             `json:"subtotal"`
	Tax              float64             `json:"tax"`
	Discount         float64             `json:"discount"`
	Total            float64             `json:"total"`
	PaymentStatus    string              `json:"payment_status"`
	Notes            string              `json:"notes,omitempty"`
	FiscalNumber     *string             `json:"fiscal_number"`
	FiscalDocumentID *string             `json:"fiscal_document_id"`
	CreatedAt        string              `json:"created_at"`
}

// NewSaleRequest builds the ingestion payload for a queued sale.
// Sales queued before idempotency keys existed fall back to a key derived from the local id.
func NewSaleRequest(s *store.QueuedSale, deviceID string) SaleRequest {
	key := s.IdempotencyKey
	if key == "" {
		key = legacyIdempotencyKey(deviceID, s.LocalID)
	}
	items := s.Items
	if items == nil {
		items = []store.SaleItem{}
	}
	payments := s.Payments
	if payments == nil {
		payments = []store.SalePayment{}
	}
	return SaleRequest{
		IdempotencyKey:   key,
		LocalID:          s.LocalID,
		AccountID:        s.AccountID,
		BranchID:         s.BranchID,
		UserID:           s.UserID,
		CustomerID:       s.CustomerID,
		Items:            items,
		Payments:         payments,
		Subtotal:         s.Subtotal,
		Tax:              s.Tax,
		Discount:         s.Discount,
		Total:            s.Total,
		PaymentStatus:    s.PaymentStatus,
		Notes:            s.Notes,
		FiscalNumber:     s.FiscalNumber,
		FiscalDocumentID: s.FiscalDocumentID,
		CreatedAt:        s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// saleResponse is a successful sale ingestion
type saleResponse struct {
	ID int64 `json:"id"`
}

// errorBody is the structured error envelope the backend returns
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}
