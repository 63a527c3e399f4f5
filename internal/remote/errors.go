// ABOUTME: Error classification for calls to the ERP backend
// ABOUTME: Separates connectivity failures from explicit rejections by status code

package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Classified remote errors. Every error returned by Client wraps exactly one of these.
var (
	// ErrNetwork means the backend could not be reached or did not answer in time.
	// It is the only error that permits offline fallbacks.
	ErrNetwork = errors.New("backend unreachable")

	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrSessionExpired = errors.New("session expired")
	ErrServer         = errors.New("server error")
	ErrRejected       = errors.New("request rejected")
	ErrBadResponse    = errors.New("malformed response")
)

// APIError is a non-2xx response from the backend
type APIError struct {
	Status  int
	Code    string // machine-readable code from the error body, if any
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v (HTTP %d)", e.kind, e.Status)
	}
	return fmt.Sprintf("%v (HTTP %d): %s", e.kind, e.Status, e.Message)
}

// Unwrap returns the classified sentinel so callers can use errors.Is
func (e *APIError) Unwrap() error {
	return e.kind
}

// classifyStatus picks the sentinel for a non-2xx status code
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == 419 || status == 440:
		return ErrSessionExpired
	case status >= 500:
		return ErrServer
	default:
		return ErrRejected
	}
}

// IsNetwork reports whether err is a connectivity failure
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsRejection reports whether the backend answered and refused the request
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status < 500
}
