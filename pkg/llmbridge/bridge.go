package llmbridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/passport"
	"github.com/rs/zerolog/log"
)

// ToolClient is the passport-carrying caller the bridges route through.
// *passport.Client satisfies it.
type ToolClient interface {
	CallTool(ctx context.Context, tool string, args map[string]interface{}, opts passport.CallOptions) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// routeToolCall executes one model-requested tool invocation and flattens
// the outcome into text for the next model turn. Denials and failures come
// back as content, never as an error, so the conversation can continue.
func routeToolCall(ctx context.Context, client ToolClient, tool string, args map[string]interface{}, opts passport.CallOptions) string {
	result, err := client.CallTool(ctx, tool, args, opts)
	if err != nil {
		var denial *passport.PolicyDeniedError
		if errors.As(err, &denial) {
			log.Warn().Str("tool", tool).Msg("Tool call denied by policy")
			return fmt.Sprintf("Policy denied: %v", denial)
		}
		log.Error().Err(err).Str("tool", tool).Msg("Tool call failed")
		return fmt.Sprintf("Error: %v", err)
	}
	return resultText(result)
}

func resultText(result *mcp.CallToolResult) string {
	if result != nil {
		if text := result.Text(); text != "" {
			return text
		}
	}
	return "Tool executed successfully"
}
