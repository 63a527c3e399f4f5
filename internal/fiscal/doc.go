// Package fiscal is the client side of the fiscal printer bridge.
//
// The bridge issues regulator-mandated receipts. It is optional: Disabled
// stands in when printing is turned off, and a failed print leaves the sale
// queued without fiscal numbers.
package fiscal
