// Package audit persists policy decisions for correlation with the
// verification service's decision ids.
//
// Invariants:
// - Records are append-only; retention pruning is the only deletion path.
// - A failed audit write never blocks or fails the tool call that produced it.
package audit
