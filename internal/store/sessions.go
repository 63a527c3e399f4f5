// ABOUTME: Revoked kiosk session ids kept across daemon restarts
// ABOUTME: Rows expire with the token they revoke and are pruned on write

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RevokeSession records a revoked session id until expiresAt.
// Rows whose token has already expired are pruned on the same write.
func (s *SQLiteStore) RevokeSession(ctx context.Context, id string, expiresAt time.Time) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidArgument)
	}
	now := formatTime(s.now())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO revoked_sessions (id, expires_at, revoked_at) VALUES (?, ?, ?)`,
			id, formatTime(expiresAt), now,
		); err != nil {
			return fmt.Errorf("revoking session: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at <= ?`, now); err != nil {
			return fmt.Errorf("pruning revoked sessions: %w", err)
		}
		return nil
	})
}

// RevokedSessions returns revoked session ids whose tokens have not expired yet.
func (s *SQLiteStore) RevokedSessions(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, expires_at FROM revoked_sessions WHERE expires_at > ?`, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("querying revoked sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id, exp string
		if err := rows.Scan(&id, &exp); err != nil {
			return nil, fmt.Errorf("scanning revoked session: %w", err)
		}
		t, err := parseTime(exp)
		if err != nil {
			return nil, fmt.Errorf("parsing revoked session expiry: %w", err)
		}
		out[id] = t
	}
	return out, rows.Err()
}
