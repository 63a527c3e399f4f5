// Package dedupe collapses repeated submissions of the same client request
// within a time window, so a double-tapped "pay" button creates one sale.
package dedupe
