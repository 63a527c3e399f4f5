// ABOUTME: Cashier-facing kiosk commands: login, catalog lookups, sales, sync and fiscal
// ABOUTME: Each method maps to one command and returns raw lower-layer errors for Classify

package kiosk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/2389/kioskd/internal/auth"
	"github.com/2389/kioskd/internal/dedupe"
	"github.com/2389/kioskd/internal/fiscal"
	"github.com/2389/kioskd/internal/remote"
	"github.com/2389/kioskd/internal/store"
	"github.com/2389/kioskd/internal/syncer"
)

// LoginRequest is the input of auth.loginWithPin
type LoginRequest struct {
	UserID int64  `json:"user_id"`
	PIN    string `json:"pin"`
}

// UserInfo identifies the logged in cashier
type UserInfo struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	BranchID int64  `json:"branch_id"`
}

// LoginResult is a successful login
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      UserInfo  `json:"user"`
	Offline   bool      `json:"offline"`
}

// LoginWithPin authenticates a cashier against the backend. Only when the
// backend cannot be reached does it fall back to the cached PIN hash; an
// explicit rejection is returned as-is.
func (s *Service) LoginWithPin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	settings, err := s.requireDevice()
	if err != nil {
		return nil, err
	}
	if req.UserID <= 0 {
		return nil, validationError("user_id is required")
	}
	if req.PIN == "" {
		return nil, validationError("pin is required")
	}

	log := s.logger.With("user_id", req.UserID)

	var user UserInfo
	offline := false

	resp, err := s.backend.LoginWithPin(ctx, remote.LoginRequest{
		AccountID: settings.AccountID,
		BranchID:  settings.BranchID,
		UserID:    req.UserID,
		PIN:       req.PIN,
		DeviceID:  settings.DeviceID,
	})
	switch {
	case err == nil:
		user = UserInfo{ID: resp.User.ID, Name: resp.User.Name, BranchID: settings.BranchID}
		s.refreshCachedUser(ctx, resp.User, settings.AccountID)

	case remote.IsNetwork(err):
		log.Info("backend unreachable, trying offline login", "error", err)
		id, verr := s.offline.VerifyUserPinOffline(ctx, req.UserID, req.PIN, settings.AccountID, settings.BranchID)
		if verr != nil {
			return nil, verr
		}
		user = UserInfo{ID: id.UserID, Name: id.Name, BranchID: id.BranchID}
		offline = true

	default:
		log.Info("login rejected by backend", "error", err)
		return nil, err
	}

	if n, err := s.store.FixOldSalesUserID(ctx, user.ID); err != nil {
		log.Warn("failed to attribute legacy sales", "error", err)
	} else if n > 0 {
		log.Info("attributed legacy sales to cashier", "count", n)
	}

	token, session, err := s.sessions.Generate(auth.Session{
		UserID:    user.ID,
		UserName:  user.Name,
		AccountID: settings.AccountID,
		BranchID:  settings.BranchID,
		Offline:   offline,
	}, s.cfg.Session.TTL)
	if err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}

	log.Info("cashier logged in", "offline", offline)
	return &LoginResult{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		User:      user,
		Offline:   offline,
	}, nil
}

// refreshCachedUser updates a user already pulled by catalog sync with what the
// backend returned at login. Users are only ever created by the pull, and the
// branch is taken as sent so a user without one stays unusable offline.
// Failures only cost the next offline login, so they are logged.
func (s *Service) refreshCachedUser(ctx context.Context, u remote.User, accountID int64) {
	log := s.logger.With("user_id", u.ID)

	cached, err := s.store.GetUser(ctx, u.ID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("user not cached yet, waiting for catalog sync")
		return
	}
	if err != nil {
		log.Warn("failed to read cached user", "error", err)
		return
	}

	row := u.ToStore()
	row.AccountID = cached.AccountID
	if row.PinHash == "" {
		row.PinHash = cached.PinHash
	}
	if err := s.store.UpsertUsers(ctx, []store.User{row}); err != nil {
		log.Warn("failed to refresh cached user", "error", err)
	}
}

// Logout revokes the session token
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return validationError("no session to log out")
	}
	return s.sessions.Revoke(token)
}

// SearchProducts finds products by name, sku or barcode
func (s *Service) SearchProducts(ctx context.Context, query string) ([]*store.Product, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*store.Product{}, nil
	}
	return s.store.SearchProducts(ctx, query)
}

// GetProductByBarcode returns the product with barcode, or nil when there is none
func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (*store.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, validationError("barcode is required")
	}
	p, ok, err := s.store.GetProductByBarcode(ctx, barcode)
	if err != nil || !ok {
		return nil, err
	}
	return p, nil
}

// GetAllProducts lists products up to limit. A limit of 0 uses store.SearchLimit.
func (s *Service) GetAllProducts(ctx context.Context, limit int) ([]*store.Product, error) {
	if limit < 0 {
		return nil, validationError("limit must not be negative")
	}
	if limit == 0 {
		limit = store.SearchLimit
	}
	return s.store.ListProducts(ctx, limit)
}

// SearchCustomers finds customers by name, phone or loyalty card
func (s *Service) SearchCustomers(ctx context.Context, query string) ([]*store.Customer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*store.Customer{}, nil
	}
	return s.store.SearchCustomers(ctx, query)
}

// GetCustomer returns a cached customer
func (s *Service) GetCustomer(ctx context.Context, id int64) (*store.Customer, error) {
	if id <= 0 {
		return nil, validationError("id is required")
	}
	return s.store.GetCustomer(ctx, id)
}

// CreateSaleRequest is the input of sales.create. RequestID lets the UI
// resubmit safely; a repeat within the dedupe window returns the first sale.
type CreateSaleRequest struct {
	RequestID     string              `json:"request_id"`
	CustomerID    *int64              `json:"customer_id"`
	Items         []store.SaleItem    `json:"items"`
	Payments      []store.SalePayment `json:"payments"`
	Subtotal      float64             `json:"subtotal"`
	Tax           float64             `json:"tax"`
	Discount      float64             `json:"discount"`
	Total         float64             `json:"total"`
	PaymentStatus string              `json:"payment_status"`
	Notes         string              `json:"notes"`
}

func (r *CreateSaleRequest) validate() error {
	if len(r.Items) == 0 {
		return validationError("a sale needs at least one item")
	}
	for i, item := range r.Items {
		if item.ProductID <= 0 {
			return validationError(fmt.Sprintf("item %d has no product", i+1))
		}
		if item.Quantity <= 0 || math.IsNaN(item.Quantity) {
			return validationError(fmt.Sprintf("item %d must have a positive quantity", i+1))
		}
		if item.UnitPrice < 0 || item.Total < 0 {
			return validationError(fmt.Sprintf("item %d has a negative price", i+1))
		}
	}
	for i, p := range r.Payments {
		if strings.TrimSpace(p.Method) == "" {
			return validationError(fmt.Sprintf("payment %d has no method", i+1))
		}
		if p.Amount < 0 {
			return validationError(fmt.Sprintf("payment %d has a negative amount", i+1))
		}
	}
	if r.Total < 0 || r.Subtotal < 0 || r.Tax < 0 || r.Discount < 0 {
		return validationError("sale totals must not be negative")
	}
	if r.CustomerID != nil && *r.CustomerID <= 0 {
		return validationError("customer_id must be positive")
	}
	return nil
}

// CreateSaleResult is the response of sales.create
type CreateSaleResult struct {
	Sale        *store.QueuedSale `json:"sale"`
	Duplicate   bool              `json:"duplicate"`
	FiscalError string            `json:"fiscal_error,omitempty"`
}

// CreateSale persists a sale to the outbox and returns once it is durable.
// Fiscal printing and the push to the backend happen after persistence and
// never undo it.
func (s *Service) CreateSale(ctx context.Context, req CreateSaleRequest) (*CreateSaleResult, error) {
	settings, err := s.requireDevice()
	if err != nil {
		return nil, err
	}
	session := auth.FromContext(ctx)
	if session == nil {
		return nil, auth.ErrInvalidToken
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := ""
	if req.RequestID != "" {
		key = "sale:" + req.RequestID
		localID, outcome := s.dedupe.Claim(key)
		switch outcome {
		case dedupe.Done:
			sale, err := s.store.GetSale(ctx, localID)
			if err != nil {
				return nil, err
			}
			s.logger.Info("duplicate sale submission", "request_id", req.RequestID, "local_id", localID)
			return &CreateSaleResult{Sale: sale, Duplicate: true}, nil
		case dedupe.InFlight:
			return nil, validationError("this sale is already being saved")
		}
	}

	paymentStatus := req.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = "paid"
	}
	sale := &store.QueuedSale{
		AccountID:     settings.AccountID,
		BranchID:      settings.BranchID,
		UserID:        session.UserID,
		CustomerID:    req.CustomerID,
		Items:         req.Items,
		Payments:      req.Payments,
		Subtotal:      req.Subtotal,
		Tax:           req.Tax,
		Discount:      req.Discount,
		Total:         req.Total,
		PaymentStatus: paymentStatus,
		Notes:         req.Notes,
	}

	localID, err := s.store.CreateSale(ctx, sale)
	if err != nil {
		if key != "" {
			s.dedupe.Release(key)
		}
		return nil, err
	}
	if key != "" {
		s.dedupe.Complete(key, localID)
	}
	s.logger.Info("sale queued", "local_id", localID, "user_id", session.UserID, "total", req.Total)

	res := &CreateSaleResult{}
	if s.cfg.Fiscal.Enabled {
		if _, err := s.printFiscal(ctx, localID); err != nil {
			res.FiscalError = Classify(err).Message
		}
	}

	res.Sale, err = s.store.GetSale(ctx, localID)
	if err != nil {
		return nil, err
	}

	s.sync.TriggerAsync(false)
	return res, nil
}

// printFiscal prints the receipt for a stored sale and records the fiscal numbers
func (s *Service) printFiscal(ctx context.Context, localID int64) (*store.QueuedSale, error) {
	sale, err := s.store.GetSale(ctx, localID)
	if err != nil {
		return nil, err
	}
	if sale.FiscalNumber != nil {
		return sale, nil
	}

	receipt, err := s.fiscal.PrintSaleReceipt(ctx, sale)
	if err != nil {
		s.logger.Warn("fiscal print failed, sale stays queued without fiscal number", "local_id", localID, "error", err)
		return nil, err
	}
	if err := s.store.SetSaleFiscal(ctx, localID, receipt.FiscalNumber, receipt.FiscalDocumentID); err != nil {
		return nil, err
	}
	return s.store.GetSale(ctx, localID)
}

// GetQueuedSales lists sales not yet acknowledged by the backend, oldest first
func (s *Service) GetQueuedSales(ctx context.Context) ([]*store.QueuedSale, error) {
	return s.store.GetQueuedSales(ctx)
}

// GetSale returns one sale by local id
func (s *Service) GetSale(ctx context.Context, localID int64) (*store.QueuedSale, error) {
	if localID <= 0 {
		return nil, validationError("local_id is required")
	}
	return s.store.GetSale(ctx, localID)
}

// RetrySale requeues a failed sale regardless of its retry count and starts a pass
func (s *Service) RetrySale(ctx context.Context, localID int64) (*store.QueuedSale, error) {
	if localID <= 0 {
		return nil, validationError("local_id is required")
	}
	if err := s.store.RequeueSale(ctx, localID); err != nil {
		return nil, err
	}
	s.logger.Info("sale requeued by operator", "local_id", localID)
	s.sync.TriggerAsync(true)
	return s.store.GetSale(ctx, localID)
}

// GetSyncStatus reports connectivity, the last sync and the queue depth
func (s *Service) GetSyncStatus(ctx context.Context) (*syncer.Status, error) {
	return s.sync.GetStatus(ctx)
}

// TriggerSync runs a pass now. force ignores retry backoff.
func (s *Service) TriggerSync(ctx context.Context, force bool) (*syncer.Result, error) {
	if _, err := s.requireDevice(); err != nil {
		return nil, err
	}
	return s.sync.Trigger(ctx, force)
}

// GetSyncMetadata returns the per-type pull bookkeeping
func (s *Service) GetSyncMetadata(ctx context.Context) ([]*store.SyncMetadata, error) {
	return s.store.GetSyncMetadata(ctx)
}

// FiscalConfigView is the response of fiscal.getConfig
type FiscalConfigView struct {
	Enabled bool                `json:"enabled"`
	Printer *store.FiscalConfig `json:"printer"`
}

// GetFiscalConfig returns the printer settings pulled from the backend
func (s *Service) GetFiscalConfig(ctx context.Context) (*FiscalConfigView, error) {
	view := &FiscalConfigView{Enabled: s.cfg.Fiscal.Enabled}
	cfg, err := s.store.GetFiscalConfig(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		view.Printer = cfg
	}
	return view, nil
}

// PrintReceipt prints the fiscal receipt for an existing sale. A sale that
// already has a fiscal number is returned unchanged.
func (s *Service) PrintReceipt(ctx context.Context, localID int64) (*store.QueuedSale, error) {
	if localID <= 0 {
		return nil, validationError("local_id is required")
	}
	if !s.cfg.Fiscal.Enabled {
		return nil, fiscal.ErrDisabled
	}
	return s.printFiscal(ctx, localID)
}

// TestFiscalConnection checks that the fiscal bridge answers
func (s *Service) TestFiscalConnection(ctx context.Context) error {
	return s.fiscal.TestConnection(ctx)
}
