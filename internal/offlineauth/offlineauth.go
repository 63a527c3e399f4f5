// ABOUTME: Offline PIN verification against cached cashier records
// ABOUTME: Fails closed on every missing or mismatched predicate and never exposes the hash

package offlineauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/kioskd/internal/store"
)

// ErrNoMatch is returned whenever offline verification does not succeed.
// The reason is logged, never returned, so callers can't probe which check failed.
var ErrNoMatch = errors.New("offline credentials did not match")

// UserStore is the slice of the local store offline auth needs
type UserStore interface {
	GetUser(ctx context.Context, id, accountID int64) (*store.User, error)
}

// Identity is the minimal payload returned on a successful offline login
type Identity struct {
	UserID   int64
	Name     string
	BranchID int64
}

// Verifier checks PINs against the cached user table
type Verifier struct {
	users  UserStore
	logger *slog.Logger
}

// New creates a Verifier. A nil logger uses slog.Default().
func New(users UserStore, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{users: users, logger: logger.With("component", "offlineauth")}
}

// VerifyUserPinOffline authenticates userID with pin using only cached data.
// It must only be called after the remote login failed for a connectivity reason.
//
// Returns ErrNoMatch when the user is unknown for the account, kiosk access is
// disabled, no PIN hash is cached, the cached branch differs from branchID
// (including no cached branch), or the PIN is wrong. Storage failures are
// returned as-is.
func (v *Verifier) VerifyUserPinOffline(ctx context.Context, userID int64, pin string, accountID, branchID int64) (*Identity, error) {
	log := v.logger.With("user_id", userID, "account_id", accountID, "branch_id", branchID)

	if pin == "" {
		log.Info("offline login rejected", "reason", "empty pin")
		return nil, ErrNoMatch
	}

	user, err := v.users.GetUser(ctx, userID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("offline login rejected", "reason", "user not cached")
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, fmt.Errorf("loading cached user: %w", err)
	}

	switch {
	case !user.KioskEnabled:
		log.Info("offline login rejected", "reason", "kiosk access disabled")
		return nil, ErrNoMatch
	case user.PinHash == "":
		log.Info("offline login rejected", "reason", "no cached pin")
		return nil, ErrNoMatch
	case user.BranchID == nil || *user.BranchID != branchID:
		log.Info("offline login rejected", "reason", "branch mismatch")
		return nil, ErrNoMatch
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PinHash), []byte(pin)); err != nil {
		log.Info("offline login rejected", "reason", "pin mismatch")
		return nil, ErrNoMatch
	}

	log.Info("offline login accepted")
	return &Identity{
		UserID:   user.ID,
		Name:     user.Name,
		BranchID: *user.BranchID,
	}, nil
}

// HashPIN returns a bcrypt hash in the format the backend sends for cached users.
func HashPIN(pin string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing pin: %w", err)
	}
	return string(h), nil
}
