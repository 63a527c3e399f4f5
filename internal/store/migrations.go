// ABOUTME: Versioned schema migrations recorded in the schema_migrations ledger
// ABOUTME: Each migration runs once in its own transaction; additive column changes degrade instead of failing

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one ledger entry. Additive migrations only add optional columns;
// when they fail the store keeps running without the column.
type migration struct {
	id       string
	additive bool
	table    string // additive only
	column   string // additive only
	apply    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{id: "0001_create_catalog", apply: execScript(catalogSchema)},
	{id: "0002_create_queued_sales", apply: execScript(queuedSalesSchema)},
	{id: "0003_create_config_tables", apply: execScript(configSchema)},
	{id: "0004_seed_sync_metadata", apply: seedSyncMetadata},
	{
		id:       "0005_queued_sales_user_id",
		additive: true,
		table:    "queued_sales",
		column:   "user_id",
		apply:    addColumn("queued_sales", "user_id", "INTEGER DEFAULT 0"),
	},
	{
		id:       "0006_queued_sales_idempotency_key",
		additive: true,
		table:    "queued_sales",
		column:   "idempotency_key",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			if err := addColumn("queued_sales", "idempotency_key", "TEXT")(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_queued_sales_idempotency
				ON queued_sales(idempotency_key)`)
			return err
		},
	},
	{id: "0007_catalog_search_text", apply: addSearchText},
	{id: "0008_create_revoked_sessions", apply: execScript(revokedSessionsSchema)},
}

const catalogSchema = `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		sku TEXT,
		barcode TEXT,
		sale_price REAL NOT NULL DEFAULT 0,
		purchase_price REAL NOT NULL DEFAULT 0,
		stock_quantity REAL NOT NULL DEFAULT 0,
		parent_id INTEGER,
		variant_name TEXT,
		category_name TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		type TEXT NOT NULL DEFAULT 'product',
		last_synced_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_products_barcode ON products(barcode);
	CREATE INDEX IF NOT EXISTS idx_products_sku ON products(sku);
	CREATE INDEX IF NOT EXISTS idx_products_name ON products(name);
	CREATE INDEX IF NOT EXISTS idx_products_account ON products(account_id);

	CREATE TABLE IF NOT EXISTS customers (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		loyalty_card_number TEXT,
		points REAL NOT NULL DEFAULT 0,
		type TEXT,
		last_synced_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_phone ON customers(phone);
	CREATE INDEX IF NOT EXISTS idx_customers_loyalty ON customers(loyalty_card_number);
	CREATE INDEX IF NOT EXISTS idx_customers_account ON customers(account_id);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		kiosk_enabled INTEGER NOT NULL DEFAULT 0,
		pin_hash TEXT,
		branch_id INTEGER,
		last_synced_at TEXT NOT NULL
	);
`

const queuedSalesSchema = `
	CREATE TABLE IF NOT EXISTS queued_sales (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL,
		branch_id INTEGER NOT NULL,
		customer_id INTEGER,
		items_json TEXT NOT NULL,
		payments_json TEXT NOT NULL,
		subtotal REAL NOT NULL,
		tax REAL NOT NULL,
		discount REAL NOT NULL,
		total REAL NOT NULL,
		payment_status TEXT NOT NULL,
		notes TEXT,
		fiscal_number TEXT,
		fiscal_document_id TEXT,
		created_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'queued',
		server_sale_id INTEGER,
		sync_attempted_at TEXT,
		sync_error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,

		CHECK (sync_status IN ('queued', 'synced', 'failed'))
	);

	CREATE INDEX IF NOT EXISTS idx_queued_sales_status ON queued_sales(sync_status);
	CREATE INDEX IF NOT EXISTS idx_queued_sales_created ON queued_sales(created_at);
`

const configSchema = `
	CREATE TABLE IF NOT EXISTS fiscal_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		enabled INTEGER NOT NULL DEFAULT 0,
		device_type TEXT,
		endpoint TEXT,
		port INTEGER,
		username TEXT,
		password TEXT,
		operator_code TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS app_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		sync_type TEXT PRIMARY KEY,
		last_sync_at TEXT,
		last_sync_status TEXT NOT NULL DEFAULT 'never',
		records_synced INTEGER NOT NULL DEFAULT 0
	);
`

const revokedSessionsSchema = `
	CREATE TABLE IF NOT EXISTS revoked_sessions (
		id TEXT PRIMARY KEY,
		expires_at TEXT NOT NULL,
		revoked_at TEXT NOT NULL
	);
`

func execScript(script string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, script)
		return err
	}
}

func seedSyncMetadata(ctx context.Context, tx *sql.Tx) error {
	for _, t := range []string{SyncTypeProducts, SyncTypeCustomers, SyncTypeConfig} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO sync_metadata (sync_type, last_sync_status, records_synced) VALUES (?, ?, 0)`,
			t, SyncStatusNever,
		); err != nil {
			return err
		}
	}
	return nil
}

// addColumn adds a column unless a database created by an older build already has it.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func addColumn(table, column, decl string) func(ctx context.Context, tx *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, table, column,
		).Scan(&exists)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", table, column, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
		return err
	}
}

// addSearchText adds the folded search columns and fills them for rows cached
// by an older build.
func addSearchText(ctx context.Context, tx *sql.Tx) error {
	for _, table := range []string{"products", "customers"} {
		if err := addColumn(table, "search_text", "TEXT NOT NULL DEFAULT ''")(ctx, tx); err != nil {
			return err
		}
	}
	if err := backfillSearchText(ctx, tx, "products", "sku", "barcode"); err != nil {
		return err
	}
	return backfillSearchText(ctx, tx, "customers", "phone", "email")
}

func backfillSearchText(ctx context.Context, tx *sql.Tx, table, colA, colB string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id, name, %s, %s FROM %s`, colA, colB, table))
	if err != nil {
		return fmt.Errorf("reading %s for search text: %w", table, err)
	}
	texts := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			name string
			a, b sql.NullString
		)
		if err := rows.Scan(&id, &name, &a, &b); err != nil {
			rows.Close()
			return fmt.Errorf("scanning %s row: %w", table, err)
		}
		texts[id] = searchText(name, a.String, b.String)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for id, text := range texts {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %s SET search_text = ? WHERE id = ?`, table), text, id,
		); err != nil {
			return fmt.Errorf("updating %s search text: %w", table, err)
		}
	}
	return nil
}

// Migrate applies every migration missing from the ledger, in order.
// It is idempotent and never drops data.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return s.migrate(ctx, migrations)
}

func (s *SQLiteStore) migrate(ctx context.Context, list []migration) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating migration ledger: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range list {
		if applied[m.id] {
			continue
		}
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`,
				m.id, formatTime(s.now()),
			)
			return err
		})
		if err != nil {
			if m.additive {
				s.logger.Warn("migration failed, continuing without column",
					"migration", m.id, "table", m.table, "column", m.column, "error", err)
				s.markDegraded(m.id, m.table, m.column)
				continue
			}
			return fmt.Errorf("applying migration %s: %w", m.id, err)
		}
		s.logger.Info("applied migration", "migration", m.id)
	}
	return nil
}

func (s *SQLiteStore) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning migration id: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
