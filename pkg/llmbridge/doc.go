// Package llmbridge routes model tool calls through a passport-carrying
// MCP client.
//
// Two bridges cover the two tool-calling APIs: AnthropicBridge for the
// Messages API and OpenAIBridge for chat completions. Both hand every
// requested tool invocation to a passport client, so policy verification
// and agent id attachment happen before any call reaches the server, and
// both feed denial text back to the model instead of failing the turn.
package llmbridge
