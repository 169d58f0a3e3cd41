// Package mcp implements the Model Context Protocol over newline-delimited
// JSON-RPC 2.0 on stdio.
//
// Invariants:
// - Requests without an id are notifications and never receive a response.
// - Tool failures travel as CallToolResult with isError set, not as JSON-RPC errors.
// - One write at a time: responses are serialized by a mutex so concurrent
//   handlers cannot interleave bytes on the wire.
//
// Usage:
//
//	server, _ := mcp.NewServer(mcp.ServerConfig{Name: "mcp-policy-gate", Provider: registry})
//	_ = server.Run(ctx)
package mcp
