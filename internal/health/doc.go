// Package health reports kioskd liveness over the standard gRPC health
// protocol. The overall status is NOT_SERVING while the local store fails
// or has unapplied migrations; kioskd.remote follows backend reachability.
package health
