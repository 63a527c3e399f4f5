// ABOUTME: JWT session tokens for cashiers logged in at the kiosk
// ABOUTME: Uses HS256 signing with the device secret and supports revocation on logout

package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("secret too short")
)

// MinSecretLength is the minimum HMAC secret length accepted by NewJWTVerifier
const MinSecretLength = 32

// Session is the identity carried by a kiosk session token
type Session struct {
	ID        string // jti, used for revocation
	UserID    int64
	UserName  string
	AccountID int64
	BranchID  int64
	Offline   bool // authenticated against the cached PIN hash
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for session verification
type TokenVerifier interface {
	Verify(tokenString string) (*Session, error)
}

// RevocationStore persists revoked session ids so a logout outlives a restart
type RevocationStore interface {
	RevokeSession(ctx context.Context, id string, expiresAt time.Time) error
	RevokedSessions(ctx context.Context) (map[string]time.Time, error)
}

// sessionClaims is the JWT body of a session token
type sessionClaims struct {
	UserName  string `json:"name,omitempty"`
	AccountID int64  `json:"acc"`
	BranchID  int64  `json:"br"`
	Offline   bool   `json:"off,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier issues and verifies HS256 session tokens
type JWTVerifier struct {
	secret []byte
	clock  clock.Clock

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> expiry
	persist RevocationStore
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// A nil clock uses the wall clock.
func NewJWTVerifier(secret []byte, clk clock.Clock) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSecret, MinSecretLength)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &JWTVerifier{
		secret:  secret,
		clock:   clk,
		revoked: make(map[string]time.Time),
	}, nil
}

// UseRevocationStore loads revocations recorded by earlier runs and writes
// every later Revoke through to rs.
func (v *JWTVerifier) UseRevocationStore(ctx context.Context, rs RevocationStore) error {
	revoked, err := rs.RevokedSessions(ctx)
	if err != nil {
		return fmt.Errorf("loading revoked sessions: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for id, exp := range revoked {
		v.revoked[id] = exp
	}
	v.persist = rs
	return nil
}

// Generate creates a signed session token for s that expires after ttl.
// The returned Session has its ID and ExpiresAt filled in.
func (v *JWTVerifier) Generate(s Session, ttl time.Duration) (string, *Session, error) {
	if s.UserID <= 0 {
		return "", nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := v.clock.Now()
	s.ID = uuid.NewString()
	s.ExpiresAt = now.Add(ttl).Truncate(time.Second)

	claims := sessionClaims{
		UserName:  s.UserName,
		AccountID: s.AccountID,
		BranchID:  s.BranchID,
		Offline:   s.Offline,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   strconv.FormatInt(s.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}
	return signed, &s, nil
}

// Verify validates the token and returns the session it carries
func (v *JWTVerifier) Verify(tokenString string) (*Session, error) {
	claims, err := v.parse(tokenString, false)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	_, revoked := v.revoked[claims.ID]
	v.mu.Unlock()
	if revoked {
		return nil, ErrRevokedToken
	}

	return claimsToSession(claims)
}

// Revoke invalidates a token until it would have expired anyway.
// Expired tokens are accepted and ignored. With a revocation store attached
// the token is refused in memory even if saving the revocation fails.
func (v *JWTVerifier) Revoke(tokenString string) error {
	claims, err := v.parse(tokenString, true)
	if err != nil {
		return err
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: jti", ErrMissingClaim)
	}

	now := v.clock.Now()
	v.mu.Lock()
	live := claims.ExpiresAt != nil && claims.ExpiresAt.Time.After(now)
	if live {
		v.revoked[claims.ID] = claims.ExpiresAt.Time
	}
	for id, exp := range v.revoked {
		if !exp.After(now) {
			delete(v.revoked, id)
		}
	}
	persist := v.persist
	v.mu.Unlock()

	if live && persist != nil {
		if err := persist.RevokeSession(context.Background(), claims.ID, claims.ExpiresAt.Time); err != nil {
			return fmt.Errorf("saving revoked session: %w", err)
		}
	}
	return nil
}

func (v *JWTVerifier) parse(tokenString string, allowExpired bool) (*sessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if allowExpired {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func claimsToSession(c *sessionClaims) (*Session, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: sub is not a user id", ErrInvalidToken)
	}
	s := &Session{
		ID:        c.ID,
		UserID:    userID,
		UserName:  c.UserName,
		AccountID: c.AccountID,
		BranchID:  c.BranchID,
		Offline:   c.Offline,
	}
	if c.ExpiresAt != nil {
		s.ExpiresAt = c.ExpiresAt.Time
	}
	return s, nil
}

// TokenExpired reports whether a JWT issued by another party has an exp claim
// in the past. The signature is not checked. Non-JWT tokens are never expired.
func TokenExpired(tokenString string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return false
	}
	return claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now)
}
