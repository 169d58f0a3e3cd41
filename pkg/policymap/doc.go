// Package policymap maps MCP tool names to APort policy pack ids.
//
// Invariants:
// - Resolve never guesses: unmapped tools fail with an error listing every known tool.
// - File reloads replace the mapping atomically; a bad file leaves the last good mapping in place.
//
// Usage:
//
//	m := policymap.New()
//	packID, err := m.Resolve("process_refund") // "finance.payment.refund.v1"
package policymap
