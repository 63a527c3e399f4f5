// ABOUTME: Sync metadata, fiscal config singleton, device settings and aggregate reads
// ABOUTME: Also implements ClearAllData for logout and device reset

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSyncMetadata returns one row per sync type ordered by type.
func (s *SQLiteStore) GetSyncMetadata(ctx context.Context) ([]*SyncMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_type, last_sync_at, last_sync_status, records_synced
		FROM sync_metadata
		ORDER BY sync_type
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sync metadata: %w", err)
	}
	defer rows.Close()

	var out []*SyncMetadata
	for rows.Next() {
		var m SyncMetadata
		var lastSyncAt sql.NullString
		if err := rows.Scan(&m.SyncType, &lastSyncAt, &m.LastSyncStatus, &m.RecordsSynced); err != nil {
			return nil, fmt.Errorf("scanning sync metadata row: %w", err)
		}
		m.LastSyncAt, err = parseNullTime(lastSyncAt)
		if err != nil {
			return nil, fmt.Errorf("parsing last_sync_at: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync metadata rows: %w", err)
	}
	return out, nil
}

// UpdateSyncMetadata records the outcome of a pull. last_sync_at only moves on success.
func (s *SQLiteStore) UpdateSyncMetadata(ctx context.Context, syncType, status string, records int) error {
	var err error
	if status == SyncStatusSuccess {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sync_metadata (sync_type, last_sync_at, last_sync_status, records_synced)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(sync_type) DO UPDATE SET
				last_sync_at = excluded.last_sync_at,
				last_sync_status = excluded.last_sync_status,
				records_synced = excluded.records_synced
		`, syncType, formatTime(s.now()), status, records)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO sync_metadata (sync_type, last_sync_status, records_synced)
			VALUES (?, ?, 0)
			ON CONFLICT(sync_type) DO UPDATE SET last_sync_status = excluded.last_sync_status
		`, syncType, status)
	}
	if err != nil {
		return fmt.Errorf("updating sync metadata for %s: %w", syncType, err)
	}
	return nil
}

// GetFiscalConfig returns the fiscal singleton.
// Returns ErrNotFound if it was never saved.
func (s *SQLiteStore) GetFiscalConfig(ctx context.Context) (*FiscalConfig, error) {
	var c FiscalConfig
	var enabled int
	var deviceType, endpoint, username, password, operator sql.NullString
	var port sql.NullInt64
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, device_type, endpoint, port, username, password, operator_code, updated_at
		FROM fiscal_config WHERE id = ?
	`, FiscalConfigID).Scan(&enabled, &deviceType, &endpoint, &port, &username, &password, &operator, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying fiscal config: %w", err)
	}

	c.Enabled = enabled == 1
	c.DeviceType = deviceType.String
	c.Endpoint = endpoint.String
	c.Port = int(port.Int64)
	c.Username = username.String
	c.Password = password.String
	c.OperatorCode = operator.String
	c.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing fiscal config updated_at: %w", err)
	}
	return &c, nil
}

// SaveFiscalConfig writes the fiscal singleton.
func (s *SQLiteStore) SaveFiscalConfig(ctx context.Context, cfg *FiscalConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: fiscal config is nil", ErrInvalidArgument)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO fiscal_config
			(id, enabled, device_type, endpoint, port, username, password, operator_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, FiscalConfigID, boolInt(cfg.Enabled), nullString(cfg.DeviceType), nullString(cfg.Endpoint),
		cfg.Port, nullString(cfg.Username), nullString(cfg.Password), nullString(cfg.OperatorCode),
		formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("saving fiscal config: %w", err)
	}
	return nil
}

// GetSetting returns a device setting.
// Returns ErrNotFound if the key is unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting writes a device setting.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO app_config (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("saving setting %q: %w", key, err)
	}
	return nil
}

// SetSettings writes several device settings in one transaction. Either every
// key is saved or none is.
func (s *SQLiteStore) SetSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	now := formatTime(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range values {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO app_config (key, value, updated_at) VALUES (?, ?, ?)`,
				key, value, now,
			); err != nil {
				return fmt.Errorf("saving setting %q: %w", key, err)
			}
		}
		return nil
	})
}

// ClearSettings removes every device setting.
func (s *SQLiteStore) ClearSettings(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_config`); err != nil {
		return fmt.Errorf("clearing settings: %w", err)
	}
	return nil
}

// GetStatistics counts cached rows and sales by status. It never mutates.
func (s *SQLiteStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	var st Statistics
	var fiscal int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM customers),
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM queued_sales WHERE sync_status = 'queued'),
			(SELECT COUNT(*) FROM queued_sales WHERE sync_status = 'synced'),
			(SELECT COUNT(*) FROM queued_sales WHERE sync_status = 'failed'),
			(SELECT COUNT(*) FROM fiscal_config)
	`).Scan(&st.Products, &st.Customers, &st.Users, &st.QueuedSales, &st.SyncedSales, &st.FailedSales, &fiscal)
	if err != nil {
		return nil, fmt.Errorf("querying statistics: %w", err)
	}
	st.HasFiscalConfig = fiscal > 0
	return &st, nil
}

// ClearAllData wipes cached and queued data and resets sync metadata.
// The schema and migration ledger are kept.
func (s *SQLiteStore) ClearAllData(ctx context.Context) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"products", "customers", "users", "queued_sales", "fiscal_config"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_metadata
			SET last_sync_at = NULL, last_sync_status = ?, records_synced = 0
		`, SyncStatusNever)
		if err != nil {
			return fmt.Errorf("resetting sync metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("cleared all local data")
	return nil
}
