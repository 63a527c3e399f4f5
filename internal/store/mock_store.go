// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows policy and sync tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	products  map[int64]*Product
	customers map[int64]*Customer
	users     map[int64]*User
	sales     map[int64]*QueuedSale
	nextID    int64
	metadata  map[string]*SyncMetadata
	fiscal    *FiscalConfig
	settings  map[string]string
	revoked   map[string]time.Time
	now       func() time.Time

	// FailWrites makes every mutating call return this error when set.
	FailWrites error
}

// NewMockStore creates a new MockStore with seeded sync metadata.
func NewMockStore() *MockStore {
	m := &MockStore{
		products:  make(map[int64]*Product),
		customers: make(map[int64]*Customer),
		users:     make(map[int64]*User),
		sales:     make(map[int64]*QueuedSale),
		metadata:  make(map[string]*SyncMetadata),
		settings:  make(map[string]string),
		revoked:   make(map[string]time.Time),
		now:       func() time.Time { return time.Now().UTC() },
	}
	m.seedMetadata()
	return m
}

// SetNow overrides the mock's time source.
func (m *MockStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockStore) seedMetadata() {
	for _, t := range []string{SyncTypeProducts, SyncTypeCustomers, SyncTypeConfig} {
		m.metadata[t] = &SyncMetadata{SyncType: t, LastSyncStatus: SyncStatusNever}
	}
}

// Migrate is a no-op for the mock.
func (m *MockStore) Migrate(ctx context.Context) error { return nil }

// Degraded always reports a healthy schema.
func (m *MockStore) Degraded() []string { return nil }

// Close is a no-op for the mock.
func (m *MockStore) Close() error { return nil }

// UpsertProducts stores copies of the given products.
func (m *MockStore) UpsertProducts(ctx context.Context, products []Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	now := m.now()
	for _, p := range products {
		p := p
		p.LastSyncedAt = now
		if p.Type == "" {
			p.Type = "product"
		}
		m.products[p.ID] = &p
	}
	return nil
}

// DeleteProducts removes products by id.
func (m *MockStore) DeleteProducts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for _, id := range ids {
		delete(m.products, id)
	}
	return nil
}

// DeleteCustomers removes customers by id.
func (m *MockStore) DeleteCustomers(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil && len(ids) > 0 {
		return m.FailWrites
	}
	for _, id := range ids {
		delete(m.customers, id)
	}
	return nil
}

// DeleteUsers removes users by id.
func (m *MockStore) DeleteUsers(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil && len(ids) > 0 {
		return m.FailWrites
	}
	for _, id := range ids {
		delete(m.users, id)
	}
	return nil
}

// SearchProducts matches active products by name, sku or barcode.
func (m *MockStore) SearchProducts(ctx context.Context, query string) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []*Product
	for _, p := range m.products {
		if !p.Active {
			continue
		}
		if strings.Contains(searchText(p.Name, p.SKU, p.Barcode), q) {
			c := *p
			out = append(out, &c)
		}
	}
	sortProducts(out)
	if len(out) > SearchLimit {
		out = out[:SearchLimit]
	}
	return out, nil
}

// GetProductByBarcode finds an active product by exact barcode.
func (m *MockStore) GetProductByBarcode(ctx context.Context, barcode string) (*Product, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var match *Product
	for _, p := range m.products {
		if p.Active && p.Barcode == barcode && (match == nil || p.ID < match.ID) {
			match = p
		}
	}
	if match == nil {
		return nil, false, nil
	}
	c := *match
	return &c, true, nil
}

// ListProducts returns active products ordered by name.
func (m *MockStore) ListProducts(ctx context.Context, limit int) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	var out []*Product
	for _, p := range m.products {
		if p.Active {
			c := *p
			out = append(out, &c)
		}
	}
	sortProducts(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertCustomers stores copies of the given customers.
func (m *MockStore) UpsertCustomers(ctx context.Context, customers []Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	now := m.now()
	for _, c := range customers {
		c := c
		c.LastSyncedAt = now
		m.customers[c.ID] = &c
	}
	return nil
}

// SearchCustomers matches customers by name, phone or email.
func (m *MockStore) SearchCustomers(ctx context.Context, query string) ([]*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []*Customer
	for _, c := range m.customers {
		if strings.Contains(searchText(c.Name, c.Phone, c.Email), q) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > SearchLimit {
		out = out[:SearchLimit]
	}
	return out, nil
}

// GetCustomer retrieves a customer by id.
func (m *MockStore) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// UpsertUsers stores copies of the given users.
func (m *MockStore) UpsertUsers(ctx context.Context, users []User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	now := m.now()
	for _, u := range users {
		u := u
		u.LastSyncedAt = now
		m.users[u.ID] = &u
	}
	return nil
}

// GetUser retrieves a cached user scoped to an account.
func (m *MockStore) GetUser(ctx context.Context, id, accountID int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || u.AccountID != accountID {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// CreateSale stores a queued sale and assigns the next local id.
func (m *MockStore) CreateSale(ctx context.Context, sale *QueuedSale) (int64, error) {
	if sale == nil || len(sale.Items) == 0 {
		return 0, fmt.Errorf("%w: sale has no items", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return 0, m.FailWrites
	}

	m.nextID++
	s := copySale(sale)
	s.LocalID = m.nextID
	s.SyncStatus = SaleStatusQueued
	s.ServerSaleID = nil
	s.SyncAttemptedAt = nil
	s.SyncError = ""
	s.RetryCount = 0
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if s.IdempotencyKey == "" {
		s.IdempotencyKey = uuid.NewString()
	}
	if s.Payments == nil {
		s.Payments = []SalePayment{}
	}
	m.sales[s.LocalID] = s
	return s.LocalID, nil
}

// GetSale retrieves a sale by local id.
func (m *MockStore) GetSale(ctx context.Context, localID int64) (*QueuedSale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sales[localID]
	if !ok {
		return nil, ErrNotFound
	}
	return copySale(s), nil
}

// GetQueuedSales returns queued sales oldest first.
func (m *MockStore) GetQueuedSales(ctx context.Context) ([]*QueuedSale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*QueuedSale
	for _, s := range m.sales {
		if s.SyncStatus == SaleStatusQueued {
			out = append(out, copySale(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

// GetQueuedSalesCount counts queued sales.
func (m *MockStore) GetQueuedSalesCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sales {
		if s.SyncStatus == SaleStatusQueued {
			n++
		}
	}
	return n, nil
}

// MarkSaleAsSynced moves a queued sale to synced.
func (m *MockStore) MarkSaleAsSynced(ctx context.Context, localID, serverSaleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	s, ok := m.sales[localID]
	if !ok {
		return ErrNotFound
	}
	if s.SyncStatus == SaleStatusSynced {
		if s.ServerSaleID != nil && *s.ServerSaleID == serverSaleID {
			return nil
		}
		return fmt.Errorf("%w: sale %d already synced", ErrInvalidTransition, localID)
	}
	if s.SyncStatus != SaleStatusQueued {
		return fmt.Errorf("%w: sale %d is %s", ErrInvalidTransition, localID, s.SyncStatus)
	}
	id := serverSaleID
	now := m.now()
	s.SyncStatus = SaleStatusSynced
	s.ServerSaleID = &id
	s.SyncError = ""
	s.SyncAttemptedAt = &now
	return nil
}

// MarkSaleAsFailed moves a sale to failed.
func (m *MockStore) MarkSaleAsFailed(ctx context.Context, localID int64, syncErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	s, ok := m.sales[localID]
	if !ok {
		return ErrNotFound
	}
	if s.SyncStatus == SaleStatusSynced {
		return fmt.Errorf("%w: sale %d is synced", ErrInvalidTransition, localID)
	}
	now := m.now()
	s.SyncStatus = SaleStatusFailed
	s.SyncError = syncErr
	s.SyncAttemptedAt = &now
	return nil
}

// UpdateSaleRetryCount increments the attempt counter.
func (m *MockStore) UpdateSaleRetryCount(ctx context.Context, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	s, ok := m.sales[localID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	s.RetryCount++
	s.SyncAttemptedAt = &now
	return nil
}

// RequeueSale moves a failed sale back to queued.
func (m *MockStore) RequeueSale(ctx context.Context, localID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[localID]
	if !ok {
		return ErrNotFound
	}
	if s.SyncStatus != SaleStatusFailed {
		return fmt.Errorf("%w: sale %d is %s", ErrInvalidTransition, localID, s.SyncStatus)
	}
	s.SyncStatus = SaleStatusQueued
	return nil
}

// RequeueFailedSales moves failed sales under the retry cap back to queued.
func (m *MockStore) RequeueFailedSales(ctx context.Context, maxRetries int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sales {
		if s.SyncStatus == SaleStatusFailed && (maxRetries <= 0 || s.RetryCount < maxRetries) {
			s.SyncStatus = SaleStatusQueued
			n++
		}
	}
	return n, nil
}

// SetSaleFiscal stores fiscal identifiers on a sale.
func (m *MockStore) SetSaleFiscal(ctx context.Context, localID int64, fiscalNumber, fiscalDocumentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[localID]
	if !ok {
		return ErrNotFound
	}
	s.FiscalNumber = optionalString(fiscalNumber)
	s.FiscalDocumentID = optionalString(fiscalDocumentID)
	return nil
}

// FixOldSalesUserID assigns userID to sales with user id 0.
func (m *MockStore) FixOldSalesUserID(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, fmt.Errorf("%w: user id must be positive", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sales {
		if s.UserID == 0 {
			s.UserID = userID
			n++
		}
	}
	return n, nil
}

// GetSyncMetadata returns sync metadata ordered by type.
func (m *MockStore) GetSyncMetadata(ctx context.Context) ([]*SyncMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SyncMetadata, 0, len(m.metadata))
	for _, md := range m.metadata {
		c := *md
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncType < out[j].SyncType })
	return out, nil
}

// UpdateSyncMetadata records a pull outcome.
func (m *MockStore) UpdateSyncMetadata(ctx context.Context, syncType, status string, records int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	md, ok := m.metadata[syncType]
	if !ok {
		md = &SyncMetadata{SyncType: syncType}
		m.metadata[syncType] = md
	}
	md.LastSyncStatus = status
	if status == SyncStatusSuccess {
		now := m.now()
		md.LastSyncAt = &now
		md.RecordsSynced = records
	}
	return nil
}

// GetFiscalConfig returns the fiscal singleton.
func (m *MockStore) GetFiscalConfig(ctx context.Context) (*FiscalConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fiscal == nil {
		return nil, ErrNotFound
	}
	c := *m.fiscal
	return &c, nil
}

// SaveFiscalConfig writes the fiscal singleton.
func (m *MockStore) SaveFiscalConfig(ctx context.Context, cfg *FiscalConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: fiscal config is nil", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	c.UpdatedAt = m.now()
	m.fiscal = &c
	return nil
}

// GetSetting returns a device setting.
func (m *MockStore) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetSetting writes a device setting.
func (m *MockStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.settings[key] = value
	return nil
}

// SetSettings writes several device settings at once.
func (m *MockStore) SetSettings(ctx context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	for k, v := range values {
		m.settings[k] = v
	}
	return nil
}

// ClearSettings removes every device setting.
func (m *MockStore) ClearSettings(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = make(map[string]string)
	return nil
}

// GetStatistics counts rows by kind and sales by status.
func (m *MockStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &Statistics{
		Products:        len(m.products),
		Customers:       len(m.customers),
		Users:           len(m.users),
		HasFiscalConfig: m.fiscal != nil,
	}
	for _, s := range m.sales {
		switch s.SyncStatus {
		case SaleStatusQueued:
			st.QueuedSales++
		case SaleStatusSynced:
			st.SyncedSales++
		case SaleStatusFailed:
			st.FailedSales++
		}
	}
	return st, nil
}

// ClearAllData wipes cached and queued data and resets metadata.
// Local ids keep increasing afterwards.
func (m *MockStore) ClearAllData(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.products = make(map[int64]*Product)
	m.customers = make(map[int64]*Customer)
	m.users = make(map[int64]*User)
	m.sales = make(map[int64]*QueuedSale)
	m.fiscal = nil
	m.metadata = make(map[string]*SyncMetadata)
	m.seedMetadata()
	return nil
}

func copySale(s *QueuedSale) *QueuedSale {
	c := *s
	c.Items = append([]SaleItem(nil), s.Items...)
	c.Payments = append([]SalePayment(nil), s.Payments...)
	if s.Payments != nil && c.Payments == nil {
		c.Payments = []SalePayment{}
	}
	return &c
}

func sortProducts(out []*Product) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)

// RevokeSession records a revoked session id.
func (m *MockStore) RevokeSession(ctx context.Context, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	m.revoked[id] = expiresAt
	return nil
}

// RevokedSessions returns revoked ids that have not expired.
func (m *MockStore) RevokedSessions(ctx context.Context) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	out := make(map[string]time.Time)
	for id, exp := range m.revoked {
		if exp.After(now) {
			out[id] = exp
		}
	}
	return out, nil
}
