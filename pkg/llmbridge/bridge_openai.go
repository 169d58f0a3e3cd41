package llmbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aporthq/mcp-policy-gate-go/pkg/mcp"
	"github.com/aporthq/mcp-policy-gate-go/pkg/passport"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when the config leaves the model empty.
const DefaultOpenAIModel = "gpt-4"

// OpenAIBridge connects OpenAI function calling to passport-gated MCP tools.
type OpenAIBridge struct {
	client openai.Client
	tools  ToolClient
	model  string
}

// OpenAIBridgeConfig configures the bridge.
type OpenAIBridgeConfig struct {
	APIKey string
	Tools  ToolClient
	Model  string
}

// NewOpenAIBridge creates a new OpenAI bridge.
func NewOpenAIBridge(cfg OpenAIBridgeConfig) (*OpenAIBridge, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool client is required")
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	return &OpenAIBridge{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		tools:  cfg.Tools,
		model:  model,
	}, nil
}

// FunctionCall is one function invocation requested by the model.
type FunctionCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// HandleFunctionCall routes one function call through the passport client.
// Denials are retried with adjusted parameters before the model ever sees
// them.
func (b *OpenAIBridge) HandleFunctionCall(ctx context.Context, call FunctionCall) string {
	return routeToolCall(ctx, b.tools, call.Name, call.Arguments, passport.CallOptions{
		RetryOnDenial: true,
		MaxRetries:    3,
	})
}

// ChatWithTools runs one round of function calling: every tool call the
// model requests is executed through the passport client and the results
// are fed back for a final completion. Responses without tool calls are
// returned as-is.
func (b *OpenAIBridge) ChatWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []mcp.Tool) (*openai.ChatCompletion, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: messages,
		Tools:    openaiTools(tools),
	}

	response, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		return response, nil
	}

	followup := append(messages, choice.Message.ToParam())

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
		}

		content := b.HandleFunctionCall(ctx, FunctionCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
		followup = append(followup, openai.ToolMessage(tc.ID, content))
	}

	final := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: followup,
	}
	return b.client.Chat.Completions.New(ctx, final)
}

// openaiTools shapes MCP tool definitions for the chat completions API.
func openaiTools(tools []mcp.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.InputSchema),
			},
		})
	}
	return out
}
