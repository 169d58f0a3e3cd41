// Package aport is a minimal client for the APort policy verification API.
//
// Invariants:
// - Every call to VerifyPolicy performs a fresh round-trip; decisions are never cached.
// - The client never interprets a decision; it only decodes and returns it.
// - Timeouts come from the configured TimeoutMS and the caller's context, whichever fires first.
//
// Usage:
//
//	client := aport.NewClient(aport.OptionsFromEnv())
//	decision, err := client.VerifyPolicy(ctx, "ap_123", "finance.payment.refund.v1", map[string]interface{}{
//		"amount":   5000,
//		"currency": "USD",
//	})
//	if err == nil && decision.Allow {
//		// proceed
//	}
package aport
