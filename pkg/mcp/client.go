package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ClientConfig holds client configuration.
type ClientConfig struct {
	Command string
	Args    []string
	Name    string        // client name reported during initialize
	Version string        // client version reported during initialize
	Timeout time.Duration // per-request timeout, defaults to 10s
}

// Client talks to an MCP server over stdio. It spawns the server process,
// performs the initialize handshake, and correlates responses by request id.
type Client struct {
	command string
	args    []string
	name    string
	version string
	timeout time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	started bool
	closed  bool
	nextID  int64
	pending map[int64]chan *Response

	writeMu sync.Mutex

	serverInfo Implementation
}

// NewClient creates a client that will spawn the given server command on
// Start.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Name == "" {
		cfg.Name = "mcp-policy-gate-client"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		command: cfg.Command,
		args:    cfg.Args,
		name:    cfg.Name,
		version: cfg.Version,
		timeout: cfg.Timeout,
		pending: make(map[int64]chan *Response),
	}
}

// newPipeClient wires a client directly to an in-process transport. Used by
// tests and by callers embedding the server in the same process.
func newPipeClient(stdin io.WriteCloser, stdout io.Reader) *Client {
	c := NewClient(ClientConfig{})
	c.stdin = stdin
	c.stdout = stdout
	return c
}

// Start launches the server process (unless a transport is already wired)
// and performs the initialize handshake. Calling Start on a started client
// is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}

	if c.stdin == nil {
		if c.command == "" {
			c.mu.Unlock()
			return fmt.Errorf("server command is required")
		}

		cmd := exec.CommandContext(ctx, c.command, c.args...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to open stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to open stderr pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to start server process: %w", err)
		}

		c.cmd = cmd
		c.stdin = stdin
		c.stdout = stdout

		go c.drainStderr(stderr)
	}

	c.started = true
	c.mu.Unlock()

	go c.listen()

	if err := c.initialize(ctx); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	return nil
}

// drainStderr forwards server diagnostics to the log so they are not lost.
func (c *Client) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug().Str("stream", "server-stderr").Msg(scanner.Text())
	}
}

func (c *Client) listen() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Err(err).Msg("Failed to parse server response")
			continue
		}

		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			// Server-initiated requests and notifications are out of scope
			continue
		}

		c.mu.Lock()
		ch, exists := c.pending[id]
		if exists {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if exists {
			ch <- &resp
		}
	}

	// Transport is gone; fail anything still waiting
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo: Implementation{
			Name:    c.name,
			Version: c.version,
		},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("failed to decode initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	log.Debug().
		Str("server", result.ServerInfo.Name).
		Str("server_version", result.ServerInfo.Version).
		Str("protocol", result.ProtocolVersion).
		Msg("MCP session initialized")

	return c.notify("notifications/initialized", nil)
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	idJSON := json.RawMessage(strconv.FormatInt(id, 10))
	if err := c.write(Request{
		JSONRPC: "2.0",
		ID:      idJSON,
		Method:  method,
		Params:  marshalParams(params),
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("server connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %w", method, resp.Error)
		}
		return resp, nil

	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()

	case <-time.After(c.timeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("request timeout after %v: %s", c.timeout, method)
	}
}

func (c *Client) notify(method string, params interface{}) error {
	return c.write(Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  marshalParams(params),
	})
}

func (c *Client) write(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

func marshalParams(params interface{}) json.RawMessage {
	if params == nil {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return data
}

// ListTools enumerates the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool and returns its result. Tool failures surface
// through the result's IsError flag; the error return covers transport and
// protocol faults only.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallToolResult, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	resp, err := c.call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, "ping", nil)
	return err
}

// ServerInfo returns the identity the server reported during initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Close shuts the session down. Closing stdin signals the server to exit;
// the process is killed if it does not within two seconds.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	if cmd == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
		return nil
	}
}
