// Package syncer reconciles the local store with the ERP backend.
//
// A pass pulls products, customers, users and device config concurrently,
// then pushes queued sales oldest first. At most one pass runs at a time and
// triggers that arrive during a pass are discarded. Failed sales are
// requeued on the next pass until they reach the retry cap, and a requeued
// sale waits out an exponential backoff window unless the trigger is forced.
package syncer
