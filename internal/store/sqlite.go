// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens the database, applies pragmas and migrations, and provides shared row helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// timeLayout is fixed width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.RWMutex
	degraded []string
	missing  map[string]bool // optional columns that could not be added
}

// Option configures a SQLiteStore
type Option func(*options)

type options struct {
	driver string
	clock  clock.Clock
	logger *slog.Logger
}

// WithDriver selects the database/sql driver (DriverModernc or DriverCGO)
func WithDriver(driver string) Option {
	return func(o *options) { o.driver = driver }
}

// WithClock overrides the clock used for timestamps
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger overrides the store logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is migrated before the store is returned.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := options{
		driver: DriverModernc,
		clock:  clock.WallClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.driver != DriverModernc && o.driver != DriverCGO {
		return nil, fmt.Errorf("%w: unknown sqlite driver %q", ErrInvalidArgument, o.driver)
	}
	logger := o.logger.With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(o.driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection is the single writer context; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:      db,
		logger:  logger,
		clock:   o.clock,
		missing: make(map[string]bool),
	}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", o.driver)
	return s, nil
}

// applyPragmas sets the connection configuration
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Degraded returns the ids of migrations that failed and were skipped
func (s *SQLiteStore) Degraded() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.degraded))
	copy(out, s.degraded)
	return out
}

func (s *SQLiteStore) markDegraded(id, table, column string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.degraded {
		if d == id {
			return
		}
	}
	s.degraded = append(s.degraded, id)
	if column != "" {
		s.missing[table+"."+column] = true
	}
}

func (s *SQLiteStore) hasColumn(table, column string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.missing[table+"."+column]
}

// inTx runs fn inside a transaction, committing on success and rolling back on error
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// rows written by older builds used plain RFC3339
		return time.Parse(time.RFC3339, v)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likePattern builds a case-insensitive substring pattern for LIKE ... ESCAPE '\'
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(q)) + "%"
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
