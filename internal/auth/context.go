// ABOUTME: Session context for tracking the logged-in cashier through request handlers
// ABOUTME: Provides WithSession/FromContext for propagating the session via context

package auth

import (
	"context"
)

// sessionContextKey is the key type for storing a Session in context.Context.
type sessionContextKey struct{}

// WithSession returns a new context with the Session attached.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext retrieves the Session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Session {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok {
		return nil
	}
	return s
}

// MustFromContext retrieves the Session from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Session {
	s := FromContext(ctx)
	if s == nil {
		panic("auth: Session not found in context")
	}
	return s
}
