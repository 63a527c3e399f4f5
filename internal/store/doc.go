// Package store provides the kiosk's local persistence using SQLite.
//
// # Architecture
//
// The store package splits persistence into narrow interfaces:
//
//   - CatalogStore: products, customers and users cached from the backend
//   - SalesStore: the durable outbox of sales waiting for delivery
//   - MetaStore: sync metadata, the fiscal config singleton, device settings
//
// Store composes all three plus Migrate/Close. SQLiteStore implements Store
// for production; MockStore is an in-memory implementation for tests of the
// packages that sit on top (offline auth, sync, command handlers).
//
// # Queued sales
//
// A sale is written as queued before any network call and gets a local id
// from the database. Only three transitions exist:
//
//	queued -> synced   (terminal, server_sale_id set)
//	queued -> failed   (sync_error recorded)
//	failed -> queued   (retry)
//
// Rows are never deleted in normal operation; they are the audit trail.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA synchronous=NORMAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA foreign_keys=ON;
//
// The pool is limited to one connection, which is the single writer context.
// Every batch write runs inside one transaction.
//
// Two drivers are supported: modernc.org/sqlite (default, pure Go) and
// github.com/mattn/go-sqlite3 (cgo) via WithDriver(DriverCGO).
//
// # Migrations
//
// Migrations are listed in migrations.go and recorded by id in the
// schema_migrations table, so each one runs exactly once. Additive column
// migrations that fail are logged, reported by Degraded(), and the store keeps
// working without the column.
package store
