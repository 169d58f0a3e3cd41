// Package gate implements the policy-gated tool registry served over MCP.
//
// Every protected tool follows the same linear flow: validate arguments
// against the tool's JSON schema, build a verification context, ask the
// APort service for a decision, and only then run the stubbed business
// action. Denials and verification failures come back as error results
// carrying the decision id; the action never runs for them.
//
// Invariants:
// - Tool names are unique within a registry.
// - Arguments are schema-validated before any handler runs.
// - Verification strictly precedes execution; a denied or failed
//   verification means the underlying action is never invoked.
package gate
