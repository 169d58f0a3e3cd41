package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNotification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"numeric id", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, false},
		{"string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, false},
		{"no id", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, true},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &req))
			assert.Equal(t, tt.want, req.IsNotification())
		})
	}
}

func TestCallToolResultText(t *testing.T) {
	t.Run("concatenates text blocks", func(t *testing.T) {
		result := &CallToolResult{Content: []Content{
			{Type: "text", Text: "hello "},
			{Type: "image"},
			{Type: "text", Text: "world"},
		}}
		assert.Equal(t, "hello world", result.Text())
	})

	t.Run("nil result", func(t *testing.T) {
		var result *CallToolResult
		assert.Equal(t, "", result.Text())
	})
}

func TestResultHelpers(t *testing.T) {
	ok := TextResult("done")
	require.Len(t, ok.Content, 1)
	assert.Equal(t, "text", ok.Content[0].Type)
	assert.Equal(t, "done", ok.Content[0].Text)
	assert.False(t, ok.IsError)

	bad := ErrorResult("boom")
	assert.True(t, bad.IsError)
	assert.Equal(t, "boom", bad.Text())
}

func TestRPCErrorError(t *testing.T) {
	err := &RPCError{Code: CodeMethodNotFound, Message: "method not found: nope"}
	assert.Contains(t, err.Error(), "-32601")
	assert.Contains(t, err.Error(), "method not found: nope")
}
