// ABOUTME: Error taxonomy for kiosk commands
// ABOUTME: Classifies lower-layer failures into user-facing kinds and messages

package kiosk

import (
	"errors"
	"net/http"

	"github.com/2389/kioskd/internal/auth"
	"github.com/2389/kioskd/internal/fiscal"
	"github.com/2389/kioskd/internal/offlineauth"
	"github.com/2389/kioskd/internal/remote"
	"github.com/2389/kioskd/internal/store"
	"github.com/2389/kioskd/internal/syncer"
)

// Kind is the category of a command failure as shown to the UI
type Kind string

// Error kinds
const (
	KindValidation    Kind = "validation"
	KindStorage       Kind = "storage"
	KindNetwork       Kind = "network"
	KindAuthRejected  Kind = "auth_rejected"
	KindSyncTransient Kind = "sync_transient"
	KindFiscalPrint   Kind = "fiscal_print"
	KindConfigMissing Kind = "config_missing"
	KindNotFound      Kind = "not_found"
	KindServer        Kind = "server_error"
)

// ErrDeviceNotConfigured is returned by operations that need a registered device
var ErrDeviceNotConfigured = errors.New("device not registered")

// Error is a classified command failure
type Error struct {
	Kind    Kind
	Message string // safe to show to the cashier
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status is the HTTP status used when the error is returned over the command transport
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthRejected:
		return http.StatusUnauthorized
	case KindConfigMissing:
		return http.StatusPreconditionFailed
	case KindNetwork:
		return http.StatusServiceUnavailable
	case KindServer, KindFiscalPrint, KindSyncTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// validationError reports rejected input
func validationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Classify maps any error from the lower layers to a kiosk Error. It returns nil for nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr
	}

	switch {
	case errors.Is(err, ErrDeviceNotConfigured), errors.Is(err, syncer.ErrNotConfigured):
		return newError(KindConfigMissing, "This kiosk is not registered. Open the device settings to register it.", err)

	case errors.Is(err, store.ErrInvalidArgument):
		return newError(KindValidation, "The request is incomplete or invalid.", err)
	case errors.Is(err, store.ErrInvalidTransition):
		return newError(KindValidation, "This sale can no longer be changed.", err)
	case errors.Is(err, store.ErrNotFound):
		return newError(KindNotFound, "Not found.", err)

	case errors.Is(err, offlineauth.ErrNoMatch):
		return newError(KindAuthRejected, "Invalid user or PIN.", err)
	case errors.Is(err, auth.ErrExpiredToken):
		return newError(KindAuthRejected, "Your session has expired. Please log in again.", err)
	case errors.Is(err, auth.ErrRevokedToken), errors.Is(err, auth.ErrInvalidToken):
		return newError(KindAuthRejected, "Please log in again.", err)

	case errors.Is(err, remote.ErrNetwork):
		return newError(KindNetwork, "The server cannot be reached. The kiosk is working offline.", err)
	case errors.Is(err, remote.ErrSessionExpired):
		return newError(KindAuthRejected, "Your session has expired. Please log in again.", err)
	case errors.Is(err, remote.ErrUnauthorized):
		return newError(KindAuthRejected, remoteMessage(err, "Invalid user or PIN."), err)
	case errors.Is(err, remote.ErrForbidden):
		return newError(KindAuthRejected, remoteMessage(err, "You do not have access to this kiosk or branch."), err)
	case errors.Is(err, remote.ErrNotFound):
		return newError(KindNotFound, remoteMessage(err, "The server could not find the requested record."), err)
	case errors.Is(err, remote.ErrServer), errors.Is(err, remote.ErrBadResponse):
		return newError(KindServer, "The server reported an error. Please try again later.", err)
	case errors.Is(err, remote.ErrRejected):
		return newError(KindValidation, remoteMessage(err, "The server rejected the request."), err)

	case errors.Is(err, fiscal.ErrDisabled):
		return newError(KindFiscalPrint, "Fiscal printing is disabled on this kiosk.", err)
	case errors.Is(err, fiscal.ErrUnavailable):
		return newError(KindFiscalPrint, "The fiscal printer cannot be reached.", err)
	case errors.Is(err, fiscal.ErrNotInitialized):
		return newError(KindFiscalPrint, "The fiscal printer is not ready.", err)
	case errors.Is(err, fiscal.ErrPrintFailed):
		return newError(KindFiscalPrint, "The fiscal receipt could not be printed.", err)
	}

	return newError(KindStorage, "A local storage error occurred.", err)
}

// remoteMessage prefers the backend's own message when it sent one
func remoteMessage(err error, fallback string) string {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}
