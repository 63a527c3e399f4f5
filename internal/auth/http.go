// ABOUTME: HTTP middleware for session authentication on command endpoints
// ABOUTME: Extracts the bearer token from the Authorization header and adds the session to context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorWriter renders an authentication failure
type ErrorWriter func(w http.ResponseWriter, status int, msg string)

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func ExtractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// verifyMessage maps a verification error to a client-facing message
func verifyMessage(err error) string {
	switch {
	case errors.Is(err, ErrExpiredToken):
		return "session expired"
	case errors.Is(err, ErrRevokedToken):
		return "session ended"
	default:
		return "invalid token"
	}
}

// RequireSession creates an HTTP middleware that rejects requests without a
// valid session token and adds the Session to the request context otherwise.
// A nil onError writes a plain JSON error body.
func RequireSession(verifier TokenVerifier, onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, status int, msg string) {
			http.Error(w, `{"error":"`+msg+`"}`, status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := ExtractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				onError(w, http.StatusUnauthorized, errMsg)
				return
			}

			session, err := verifier.Verify(token)
			if err != nil {
				onError(w, http.StatusUnauthorized, verifyMessage(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}
