package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	tools []Tool
	calls []CallToolParams

	result *CallToolResult
}

func (p *fakeProvider) Tools() []Tool {
	return p.tools
}

func (p *fakeProvider) CallTool(_ context.Context, name string, args map[string]interface{}) *CallToolResult {
	p.mu.Lock()
	p.calls = append(p.calls, CallToolParams{Name: name, Arguments: args})
	p.mu.Unlock()

	if p.result != nil {
		return p.result
	}
	return TextResult("ok: " + name)
}

// runServer feeds input lines through a server and returns the decoded
// responses in write order.
func runServer(t *testing.T, provider ToolProvider, input string) []Response {
	t.Helper()

	out := &bytes.Buffer{}
	server, err := NewServer(ServerConfig{
		Name:     "test-server",
		Version:  "9.9.9",
		Provider: provider,
		Reader:   strings.NewReader(input),
		Writer:   out,
	})
	require.NoError(t, err)

	require.NoError(t, server.Run(context.Background()))

	var responses []Response
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestNewServerRequiresProvider(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestServerInitialize(t *testing.T) {
	responses := runServer(t, &fakeProvider{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"tester","version":"1.0"}}}`+"\n")

	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result InitializeResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.Equal(t, "9.9.9", result.ServerInfo.Version)
	assert.NotNil(t, result.Capabilities.Tools)
}

func TestServerInitializedNotificationHasNoResponse(t *testing.T) {
	responses := runServer(t, &fakeProvider{},
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	assert.Empty(t, responses)
}

func TestServerIDLessRequestsGetNoResponse(t *testing.T) {
	t.Run("tools/list", func(t *testing.T) {
		provider := &fakeProvider{tools: []Tool{{Name: "merge_pull_request"}}}

		responses := runServer(t, provider,
			`{"jsonrpc":"2.0","method":"tools/list"}`+"\n")
		assert.Empty(t, responses)
	})

	t.Run("tools/call does not reach the provider", func(t *testing.T) {
		provider := &fakeProvider{}

		responses := runServer(t, provider,
			`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"merge_pull_request","arguments":{}}}`+"\n")
		assert.Empty(t, responses)
		assert.Empty(t, provider.calls)
	})

	t.Run("initialize", func(t *testing.T) {
		responses := runServer(t, &fakeProvider{},
			`{"jsonrpc":"2.0","method":"initialize","params":{"protocolVersion":"2024-11-05"}}`+"\n")
		assert.Empty(t, responses)
	})

	t.Run("null id counts as id-less", func(t *testing.T) {
		provider := &fakeProvider{}

		responses := runServer(t, provider,
			`{"jsonrpc":"2.0","id":null,"method":"tools/call","params":{"name":"process_refund","arguments":{"amount":5000}}}`+"\n")
		assert.Empty(t, responses)
		assert.Empty(t, provider.calls)
	})

	t.Run("serving continues after a dropped request", func(t *testing.T) {
		input := `{"jsonrpc":"2.0","method":"tools/list"}` + "\n" +
			`{"jsonrpc":"2.0","id":12,"method":"ping"}` + "\n"

		responses := runServer(t, &fakeProvider{}, input)
		require.Len(t, responses, 1)
		assert.Equal(t, "12", string(responses[0].ID))
	})
}

func TestServerToolsList(t *testing.T) {
	provider := &fakeProvider{
		tools: []Tool{
			{Name: "merge_pull_request", Description: "Merge a PR", InputSchema: map[string]interface{}{"type": "object"}},
			{Name: "process_refund", Description: "Refund an order", InputSchema: map[string]interface{}{"type": "object"}},
		},
	}

	responses := runServer(t, provider,
		`{"jsonrpc":"2.0","id":5,"method":"tools/list"}`+"\n")

	require.Len(t, responses, 1)
	require.Nil(t, responses[0].Error)

	var result ListToolsResult
	require.NoError(t, json.Unmarshal(responses[0].Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "merge_pull_request", result.Tools[0].Name)
}

func TestServerToolsCall(t *testing.T) {
	t.Run("routes name and arguments", func(t *testing.T) {
		provider := &fakeProvider{}

		responses := runServer(t, provider,
			`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"process_refund","arguments":{"amount":5000,"currency":"USD"}}}`+"\n")

		require.Len(t, responses, 1)
		require.Nil(t, responses[0].Error)

		require.Len(t, provider.calls, 1)
		assert.Equal(t, "process_refund", provider.calls[0].Name)
		assert.Equal(t, float64(5000), provider.calls[0].Arguments["amount"])

		var result CallToolResult
		require.NoError(t, json.Unmarshal(responses[0].Result, &result))
		assert.Equal(t, "ok: process_refund", result.Text())
	})

	t.Run("tool error stays a result", func(t *testing.T) {
		provider := &fakeProvider{result: ErrorResult("Policy denied (decision_id: dec_1)")}

		responses := runServer(t, provider,
			`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"merge_pull_request","arguments":{}}}`+"\n")

		require.Len(t, responses, 1)
		require.Nil(t, responses[0].Error, "tool failures must not become protocol errors")

		var result CallToolResult
		require.NoError(t, json.Unmarshal(responses[0].Result, &result))
		assert.True(t, result.IsError)
		assert.Contains(t, result.Text(), "dec_1")
	})

	t.Run("missing tool name", func(t *testing.T) {
		responses := runServer(t, &fakeProvider{},
			`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"arguments":{}}}`+"\n")

		require.Len(t, responses, 1)
		require.NotNil(t, responses[0].Error)
		assert.Equal(t, CodeInvalidParams, responses[0].Error.Code)
	})
}

func TestServerErrorPaths(t *testing.T) {
	t.Run("unknown method", func(t *testing.T) {
		responses := runServer(t, &fakeProvider{},
			`{"jsonrpc":"2.0","id":2,"method":"resources/list"}`+"\n")

		require.Len(t, responses, 1)
		require.NotNil(t, responses[0].Error)
		assert.Equal(t, CodeMethodNotFound, responses[0].Error.Code)
		assert.Contains(t, responses[0].Error.Message, "resources/list")
	})

	t.Run("parse error", func(t *testing.T) {
		responses := runServer(t, &fakeProvider{}, "{not json}\n")

		require.Len(t, responses, 1)
		require.NotNil(t, responses[0].Error)
		assert.Equal(t, CodeParseError, responses[0].Error.Code)
	})

	t.Run("wrong jsonrpc version", func(t *testing.T) {
		responses := runServer(t, &fakeProvider{},
			`{"jsonrpc":"1.0","id":3,"method":"ping"}`+"\n")

		require.Len(t, responses, 1)
		require.NotNil(t, responses[0].Error)
		assert.Equal(t, CodeInvalidRequest, responses[0].Error.Code)
	})

	t.Run("keeps serving after bad line", func(t *testing.T) {
		input := "{not json}\n" +
			`{"jsonrpc":"2.0","id":4,"method":"ping"}` + "\n"

		responses := runServer(t, &fakeProvider{}, input)
		require.Len(t, responses, 2)
		assert.NotNil(t, responses[0].Error)
		assert.Nil(t, responses[1].Error)
	})
}

func TestServerPing(t *testing.T) {
	responses := runServer(t, &fakeProvider{},
		`{"jsonrpc":"2.0","id":11,"method":"ping"}`+"\n")

	require.Len(t, responses, 1)
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, "11", string(responses[0].ID))
}
