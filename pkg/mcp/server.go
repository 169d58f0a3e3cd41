package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// ToolProvider supplies the tools a Server exposes. CallTool reports tool
// failures through the result's IsError flag and never through a Go error,
// matching how MCP separates tool output from protocol faults.
type ToolProvider interface {
	Tools() []Tool
	CallTool(ctx context.Context, name string, args map[string]interface{}) *CallToolResult
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Name     string
	Version  string
	Provider ToolProvider
	Reader   io.Reader // defaults to os.Stdin
	Writer   io.Writer // defaults to os.Stdout
}

// Server speaks MCP over newline-delimited JSON-RPC. Logging must go to
// stderr; stdout carries the wire protocol.
type Server struct {
	name     string
	version  string
	provider ToolProvider
	reader   io.Reader

	writeMu sync.Mutex
	writer  io.Writer

	initialized bool
}

// NewServer creates an MCP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("tool provider is required")
	}
	if cfg.Name == "" {
		cfg.Name = "mcp-policy-gate"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if cfg.Reader == nil {
		cfg.Reader = os.Stdin
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	return &Server{
		name:     cfg.Name,
		version:  cfg.Version,
		provider: cfg.Provider,
		reader:   cfg.Reader,
		writer:   cfg.Writer,
	}, nil
}

// Run processes requests until the reader is exhausted or the context is
// canceled. Malformed lines produce JSON-RPC errors; they never stop the
// loop.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	log.Info().Str("server", s.name).Msg("MCP server listening on stdio")

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Warn().Err(err).Msg("Failed to parse request line")
			s.writeError(nil, CodeParseError, "parse error", nil)
			continue
		}

		s.dispatch(ctx, &req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read loop failed: %w", err)
	}

	log.Info().Str("server", s.name).Msg("MCP server input closed")
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	if req.JSONRPC != "2.0" {
		if !req.IsNotification() {
			s.writeError(req.ID, CodeInvalidRequest, "unsupported jsonrpc version", nil)
		}
		return
	}

	if req.IsNotification() {
		s.handleNotification(req)
		return
	}

	log.Debug().Str("method", req.Method).Msg("Dispatching request")

	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "ping":
		s.writeResult(req.ID, struct{}{})
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	default:
		s.writeError(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

// handleNotification consumes an id-less request. Notifications never get a
// response; a request method sent without an id is dropped, not executed.
func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.initialized = true
	default:
		log.Debug().Str("method", req.Method).Msg("Ignoring notification")
	}
}

func (s *Server) handleInitialize(req *Request) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(req.ID, CodeInvalidParams, "invalid initialize params", nil)
			return
		}
	}

	log.Info().
		Str("client", params.ClientInfo.Name).
		Str("client_version", params.ClientInfo.Version).
		Str("protocol", params.ProtocolVersion).
		Msg("Client initializing")

	s.writeResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo: Implementation{
			Name:    s.name,
			Version: s.version,
		},
	})
}

func (s *Server) handleToolsList(req *Request) {
	tools := s.provider.Tools()
	if tools == nil {
		tools = []Tool{}
	}
	s.writeResult(req.ID, ListToolsResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(req.ID, CodeInvalidParams, "invalid tools/call params", nil)
		return
	}
	if params.Name == "" {
		s.writeError(req.ID, CodeInvalidParams, "tool name is required", nil)
		return
	}
	if !s.initialized {
		log.Debug().Str("tool", params.Name).Msg("tools/call before initialized notification")
	}

	result := s.provider.CallTool(ctx, params.Name, params.Arguments)
	if result == nil {
		s.writeError(req.ID, CodeInternalError, "tool returned no result", nil)
		return
	}

	s.writeResult(req.ID, result)
}

func (s *Server) writeResult(id json.RawMessage, result interface{}) {
	payload, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal result")
		s.writeError(id, CodeInternalError, "failed to encode result", nil)
		return
	}

	s.write(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  payload,
	})
}

func (s *Server) writeError(id json.RawMessage, code int, message string, data interface{}) {
	s.write(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
