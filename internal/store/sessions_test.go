// ABOUTME: Tests for the revoked session list
// ABOUTME: Covers expiry filtering, pruning and persistence across reopen

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevokedSessions(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RevokeSession(ctx, "jti-short", testEpoch.Add(time.Minute)))
	require.NoError(t, s.RevokeSession(ctx, "jti-long", testEpoch.Add(time.Hour)))

	got, err := s.RevokedSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.True(t, got["jti-long"].Equal(testEpoch.Add(time.Hour)))

	clk.Advance(2 * time.Minute)
	got, err = s.RevokedSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "jti-long")

	// The next write prunes the expired row
	require.NoError(t, s.RevokeSession(ctx, "jti-next", testEpoch.Add(time.Hour)))
	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM revoked_sessions`).Scan(&rows))
	assert.Equal(t, 2, rows)

	err = s.RevokeSession(ctx, "", testEpoch.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestRevokedSessions_SurviveReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kiosk.db")
	clk := testclock.NewClock(testEpoch)
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath, WithClock(clk))
	require.NoError(t, err)
	require.NoError(t, s.RevokeSession(ctx, "jti-1", testEpoch.Add(time.Hour)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath, WithClock(clk))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.RevokedSessions(ctx)
	require.NoError(t, err)
	assert.Contains(t, got, "jti-1")
}
