// Package auth provides cashier sessions for the kiosk command API.
//
// # Session Tokens
//
// After a successful PIN login (online or offline) the kiosk issues a local
// session token: an HS256 JWT signed with the device secret. Claims:
//
//	sub   user id
//	name  display name
//	acc   account id
//	br    branch id
//	off   true when the login used the cached PIN hash
//	jti   session id, used for revocation
//	exp   expiry (session.ttl)
//
// Tokens are only ever verified by the kiosk that issued them.
//
// # Revocation
//
// Logout revokes the session id until the token would have expired anyway.
// Attach a RevocationStore with UseRevocationStore to keep revocations across
// restarts; without one they live in memory only.
//
// # HTTP Middleware
//
//	RequireSession(verifier, onError)
//
// extracts "Authorization: Bearer <token>", verifies it and attaches the
// Session to the request context:
//
//	s := auth.FromContext(r.Context())
//
// # Remote Tokens
//
// TokenExpired inspects a token issued by the backend without verifying its
// signature, so an expired remote session can be reported as such instead of
// a generic rejection.
package auth
