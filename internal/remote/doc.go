// Package remote is the HTTP client for the ERP backend's kiosk endpoints.
//
// Every error returned by Client wraps one classified sentinel. ErrNetwork
// covers transport failures and timeouts and is the only class that allows a
// caller to fall back to local data. Any response from the backend, including
// 5xx, is an APIError carrying the status code and the backend's message.
package remote
