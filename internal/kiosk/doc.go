// Package kiosk is the command boundary of kioskd. Service exposes one
// method per UI command; Handler serves them as POST /api/<command> with a
// JSON envelope, and Server assembles the store, backend client, sync
// engine, fiscal printer and gRPC health reporter into a running daemon.
//
// Every failure is reported as a classified Error so the UI can tell a
// rejected PIN from an unreachable backend.
package kiosk
