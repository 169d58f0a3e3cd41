package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aporthq/mcp-policy-gate-go/internal/tracing"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 30 * time.Second

// Handler executes one tool call. Failures are reported through the
// result's IsError flag, never through a panic or a Go error.
type Handler func(ctx context.Context, args map[string]interface{}) *mcp.CallToolResult

// ToolDefinition describes one registered tool.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// Registry maps tool names to schema-validated handlers. It implements
// mcp.ToolProvider. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-call execution timeout.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register adds a tool. The input schema is compiled once here so schema
// mistakes fail at startup, not per call.
func (r *Registry) Register(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if def.InputSchema == nil {
		return fmt.Errorf("tool input schema cannot be nil")
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Tools returns the registered tools in name order, shaped for tools/list.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(r.tools))
	for _, def := range r.tools {
		tools = append(tools, mcp.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool validates the arguments and runs the named tool. Unknown tools
// and invalid arguments produce error results; the transport never sees a
// Go error for them.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]interface{}) *mcp.CallToolResult {
	r.mu.RLock()
	def := r.tools[name]
	schema := r.schemas[name]
	timeout := r.timeout
	r.mu.RUnlock()

	ctx = tracing.NewToolCallContext(ctx, name)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if def == nil {
		logger.Warn().Msg("Unknown tool requested")
		return mcp.ErrorResult(fmt.Sprintf("unknown tool: %s. Available tools: %s",
			name, strings.Join(r.Names(), ", ")))
	}

	if args == nil {
		args = map[string]interface{}{}
	}

	if err := validateArgs(schema, args); err != nil {
		logger.Warn().Err(err).Msg("Argument validation failed")
		return mcp.ErrorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resultChan := make(chan *mcp.CallToolResult, 1)

	go func() {
		resultChan <- def.Handler(timeoutCtx, args)
	}()

	select {
	case result := <-resultChan:
		logger.Debug().
			Dur("duration", time.Since(start)).
			Bool("is_error", result != nil && result.IsError).
			Msg("Tool execution completed")
		if result == nil {
			return mcp.ErrorResult(fmt.Sprintf("tool %s returned no result", name))
		}
		return result

	case <-timeoutCtx.Done():
		logger.Error().
			Dur("duration", time.Since(start)).
			Msg("Tool execution timeout")
		return mcp.ErrorResult(fmt.Sprintf("tool execution timeout after %v", timeout))
	}
}

func validateArgs(schema *gojsonschema.Schema, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			messages = append(messages, e.String())
		}
		return fmt.Errorf("%s", strings.Join(messages, "; "))
	}
	return nil
}
