package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/passport"
)

// DefaultAnthropicModel is used when the config leaves the model empty.
const DefaultAnthropicModel = "claude-3-5-sonnet-20241022"

const anthropicMaxTokens = 1024

// AnthropicBridge connects Claude tool use to passport-gated MCP tools.
type AnthropicBridge struct {
	client anthropic.Client
	tools  ToolClient
	model  string
}

// AnthropicBridgeConfig configures the bridge.
type AnthropicBridgeConfig struct {
	APIKey string
	Tools  ToolClient
	Model  string
}

// NewAnthropicBridge creates a new Anthropic bridge.
func NewAnthropicBridge(cfg AnthropicBridgeConfig) (*AnthropicBridge, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool client is required")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}

	return &AnthropicBridge{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		tools:  cfg.Tools,
		model:  model,
	}, nil
}

// ToolUse is one tool invocation requested by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolUseResult pairs a tool_use id with the content produced for it.
type ToolUseResult struct {
	ToolUseID string
	Content   string
}

// HandleToolUse routes one tool use request through the passport client.
// Retry on denial stays off here; the model sees the denial text and
// decides how to proceed.
func (b *AnthropicBridge) HandleToolUse(ctx context.Context, use ToolUse) ToolUseResult {
	content := routeToolCall(ctx, b.tools, use.Name, use.Input, passport.CallOptions{
		MaxRetries: 1,
	})
	return ToolUseResult{ToolUseID: use.ID, Content: content}
}

// MessagesWithTools runs one round of tool use: every tool the model
// requests is executed through the passport client and the results are
// fed back for a final completion. Responses without tool use are
// returned as-is.
func (b *AnthropicBridge) MessagesWithTools(ctx context.Context, messages []anthropic.MessageParam, tools []mcp.Tool) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  messages,
		Tools:     anthropicTools(tools),
	}

	response, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	assistantBlocks := []anthropic.ContentBlockParamUnion{}
	resultBlocks := []anthropic.ContentBlockParamUnion{}

	for _, block := range response.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(v.Text))
		case anthropic.ToolUseBlock:
			var input map[string]interface{}
			if err := json.Unmarshal([]byte(v.JSON.Input.Raw()), &input); err != nil {
				return nil, fmt.Errorf("failed to parse tool input: %w", err)
			}

			assistantBlocks = append(assistantBlocks, anthropic.NewToolUseBlock(v.ID, input, v.Name))

			result := b.HandleToolUse(ctx, ToolUse{ID: v.ID, Name: v.Name, Input: input})
			resultBlocks = append(resultBlocks, anthropic.NewToolResultBlock(result.ToolUseID, result.Content, false))
		}
	}

	if len(resultBlocks) == 0 {
		return response, nil
	}

	followup := append(messages,
		anthropic.MessageParam{
			Role:    anthropic.MessageParamRoleAssistant,
			Content: assistantBlocks,
		},
		anthropic.NewUserMessage(resultBlocks...),
	)

	params.Messages = followup
	return b.client.Messages.New(ctx, params)
}

// anthropicTools shapes MCP tool definitions for the Messages API.
func anthropicTools(tools []mcp.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema

		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}

		if required, ok := schema["required"].([]interface{}); ok {
			strs := make([]string, len(required))
			for i, v := range required {
				strs[i], _ = v.(string)
			}
			toolParam.InputSchema.Required = strs
		}

		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}
