package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// CallIDKey is the context key for the tool call ID
	CallIDKey ContextKey = "call_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// ToolKey is the context key for the tool name
	ToolKey ContextKey = "tool"
)

// TraceContext holds the ids correlating one tool call from the
// client-side pre-flight check through to the server-side gate.
type TraceContext struct {
	TraceID string
	CallID  string
	AgentID string
	Tool    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewCallID generates a new tool call ID
func NewCallID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithCallID adds a tool call ID to the context
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithTool adds a tool name to the context
func WithTool(ctx context.Context, tool string) context.Context {
	return context.WithValue(ctx, ToolKey, tool)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetCallID retrieves the tool call ID from the context
func GetCallID(ctx context.Context) string {
	if callID, ok := ctx.Value(CallIDKey).(string); ok {
		return callID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetTool retrieves the tool name from the context
func GetTool(ctx context.Context) string {
	if tool, ok := ctx.Value(ToolKey).(string); ok {
		return tool
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		CallID:  GetCallID(ctx),
		AgentID: GetAgentID(ctx),
		Tool:    GetTool(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.CallID != "" {
		ctx = WithCallID(ctx, tc.CallID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.Tool != "" {
		ctx = WithTool(ctx, tc.Tool)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewToolCallContext creates a context for one tool call with a fresh
// call ID, keeping the parent trace ID when present.
func NewToolCallContext(ctx context.Context, tool string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = NewRequestContext(ctx)
	}
	ctx = WithCallID(ctx, NewCallID())
	return WithTool(ctx, tool)
}
