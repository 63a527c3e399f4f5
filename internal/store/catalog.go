// ABOUTME: Cached reference data (products, customers, users) for the SQLite store
// ABOUTME: Batches are applied atomically with insert-or-replace keyed by the remote id

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// searchSeparator joins the fields of search_text so a match cannot span two of them
const searchSeparator = "\x1f"

// searchText is the lowercased text matched by the search queries. SQLite's
// LIKE only folds ASCII letters, so folding is done here with Unicode rules.
func searchText(fields ...string) string {
	return strings.ToLower(strings.Join(fields, searchSeparator))
}

const productColumns = `id, account_id, name, sku, barcode, sale_price, purchase_price, stock_quantity,
	parent_id, variant_name, category_name, is_active, type, last_synced_at`

// UpsertProducts replaces every product in the batch in one transaction.
// Each row's last_synced_at is stamped with the current time.
func (s *SQLiteStore) UpsertProducts(ctx context.Context, products []Product) error {
	if len(products) == 0 {
		return nil
	}
	now := formatTime(s.now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO products (`+productColumns+`, search_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing product upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range products {
			productType := p.Type
			if productType == "" {
				productType = "product"
			}
			if _, err := stmt.ExecContext(ctx,
				p.ID, p.AccountID, p.Name,
				nullString(p.SKU), nullString(p.Barcode),
				p.SalePrice, p.PurchasePrice, p.StockQuantity,
				nullInt64(p.ParentID), nullString(p.VariantName), nullString(p.CategoryName),
				boolInt(p.Active), productType, now,
				searchText(p.Name, p.SKU, p.Barcode),
			); err != nil {
				return fmt.Errorf("upserting product %d: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("upserted products", "count", len(products))
	return nil
}

// DeleteProducts removes the given ids in one transaction. An empty list is a no-op.
func (s *SQLiteStore) DeleteProducts(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "products", ids)
}

// DeleteCustomers removes the given ids in one transaction. An empty list is a no-op.
func (s *SQLiteStore) DeleteCustomers(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "customers", ids)
}

// DeleteUsers removes cached users so they can no longer log in offline.
func (s *SQLiteStore) DeleteUsers(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "users", ids)
}

func (s *SQLiteStore) deleteByID(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return fmt.Errorf("deleting %s: %w", table, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deleted rows", "table", table, "count", len(ids))
	return nil
}

// SearchProducts matches active products by name, sku or barcode substring,
// ignoring case in any script.
func (s *SQLiteStore) SearchProducts(ctx context.Context, query string) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = 1 AND search_text LIKE ? ESCAPE '\'
		ORDER BY name, id
		LIMIT ?
	`, likePattern(strings.ToLower(query)), SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching products: %w", err)
	}
	return scanProducts(rows)
}

// GetProductByBarcode looks up an active product by exact barcode.
// The bool is false when no product matches.
func (s *SQLiteStore) GetProductByBarcode(ctx context.Context, barcode string) (*Product, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE barcode = ? AND is_active = 1
		ORDER BY id
		LIMIT 1
	`, barcode)
	if err != nil {
		return nil, false, fmt.Errorf("querying product by barcode: %w", err)
	}
	products, err := scanProducts(rows)
	if err != nil {
		return nil, false, err
	}
	if len(products) == 0 {
		return nil, false, nil
	}
	return products[0], true, nil
}

// ListProducts returns active products ordered by name.
// If limit is 0 or negative, a default limit of 500 is used.
func (s *SQLiteStore) ListProducts(ctx context.Context, limit int) ([]*Product, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = 1
		ORDER BY name, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return scanProducts(rows)
}

func scanProducts(rows *sql.Rows) ([]*Product, error) {
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		var sku, barcode, variantName, categoryName sql.NullString
		var parentID sql.NullInt64
		var active int
		var syncedAt string

		if err := rows.Scan(
			&p.ID, &p.AccountID, &p.Name, &sku, &barcode,
			&p.SalePrice, &p.PurchasePrice, &p.StockQuantity,
			&parentID, &variantName, &categoryName, &active, &p.Type, &syncedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning product row: %w", err)
		}

		p.SKU = sku.String
		p.Barcode = barcode.String
		p.VariantName = variantName.String
		p.CategoryName = categoryName.String
		p.Active = active == 1
		if parentID.Valid {
			id := parentID.Int64
			p.ParentID = &id
		}

		t, err := parseTime(syncedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing product last_synced_at: %w", err)
		}
		p.LastSyncedAt = t

		products = append(products, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating product rows: %w", err)
	}
	return products, nil
}

const customerColumns = `id, account_id, name, phone, email, loyalty_card_number, points, type, last_synced_at`

// UpsertCustomers replaces every customer in the batch in one transaction.
func (s *SQLiteStore) UpsertCustomers(ctx context.Context, customers []Customer) error {
	if len(customers) == 0 {
		return nil
	}
	now := formatTime(s.now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO customers (`+customerColumns+`, search_text)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing customer upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range customers {
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.AccountID, c.Name,
				nullString(c.Phone), nullString(c.Email), nullString(c.LoyaltyCardNumber),
				c.Points, nullString(c.Type), now,
				searchText(c.Name, c.Phone, c.Email),
			); err != nil {
				return fmt.Errorf("upserting customer %d: %w", c.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("upserted customers", "count", len(customers))
	return nil
}

// SearchCustomers matches customers by name, phone or email substring,
// ignoring case in any script.
func (s *SQLiteStore) SearchCustomers(ctx context.Context, query string) ([]*Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE search_text LIKE ? ESCAPE '\'
		ORDER BY name, id
		LIMIT ?
	`, likePattern(strings.ToLower(query)), SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching customers: %w", err)
	}
	return scanCustomers(rows)
}

// GetCustomer retrieves a customer by id.
// Returns ErrNotFound if the customer isn't cached.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}
	customers, err := scanCustomers(rows)
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, ErrNotFound
	}
	return customers[0], nil
}

func scanCustomers(rows *sql.Rows) ([]*Customer, error) {
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		var c Customer
		var phone, email, card, customerType sql.NullString
		var syncedAt string

		if err := rows.Scan(
			&c.ID, &c.AccountID, &c.Name, &phone, &email, &card, &c.Points, &customerType, &syncedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning customer row: %w", err)
		}
		c.Phone = phone.String
		c.Email = email.String
		c.LoyaltyCardNumber = card.String
		c.Type = customerType.String

		t, err := parseTime(syncedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing customer last_synced_at: %w", err)
		}
		c.LastSyncedAt = t

		customers = append(customers, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating customer rows: %w", err)
	}
	return customers, nil
}

// UpsertUsers replaces every cached user in the batch in one transaction.
func (s *SQLiteStore) UpsertUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	now := formatTime(s.now())

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO users (id, account_id, name, kiosk_enabled, pin_hash, branch_id, last_synced_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("preparing user upsert: %w", err)
		}
		defer stmt.Close()

		for _, u := range users {
			if _, err := stmt.ExecContext(ctx,
				u.ID, u.AccountID, u.Name, boolInt(u.KioskEnabled),
				nullString(u.PinHash), nullInt64(u.BranchID), now,
			); err != nil {
				return fmt.Errorf("upserting user %d: %w", u.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("upserted users", "count", len(users))
	return nil
}

// GetUser retrieves a cached user scoped to an account.
// Returns ErrNotFound if no such user is cached.
func (s *SQLiteStore) GetUser(ctx context.Context, id, accountID int64) (*User, error) {
	var u User
	var kioskEnabled int
	var pinHash sql.NullString
	var branchID sql.NullInt64
	var syncedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, kiosk_enabled, pin_hash, branch_id, last_synced_at
		FROM users
		WHERE id = ? AND account_id = ?
	`, id, accountID).Scan(&u.ID, &u.AccountID, &u.Name, &kioskEnabled, &pinHash, &branchID, &syncedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	u.KioskEnabled = kioskEnabled == 1
	u.PinHash = pinHash.String
	if branchID.Valid {
		b := branchID.Int64
		u.BranchID = &b
	}
	u.LastSyncedAt, err = parseTime(syncedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing user last_synced_at: %w", err)
	}
	return &u, nil
}
