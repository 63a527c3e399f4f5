// Package offlineauth verifies a cashier PIN against the locally cached user
// table when the backend cannot be reached.
//
// It only reads users through UserStore and compares bcrypt hashes. Deciding
// when offline verification is allowed belongs to the caller, which must only
// fall back after a connectivity failure and never after the backend
// explicitly rejected the credentials.
package offlineauth
