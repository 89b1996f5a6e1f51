// Package mcp provides a client for Model Context Protocol tool servers
// over stdio and HTTP transports.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aden-hive/hive-sub001/log"
)

// DefaultCallTimeout is the per-call deadline applied to tool calls when
// neither the caller's context nor the tool's configuration sets one.
const DefaultCallTimeout = 30 * time.Second

// ToolDescriptor describes one tool advertised by a server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is one piece of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tool call. IsError marks a tool-level
// failure the server reported inside an otherwise successful response.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates all text content blocks.
func (r *ToolResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// ServerName identifies the server in logs.
	ServerName string

	// CallTimeout is the default per-call deadline. Zero means
	// DefaultCallTimeout.
	CallTimeout time.Duration

	// ToolTimeouts overrides the deadline for individual tools.
	ToolTimeouts map[string]time.Duration

	Logger log.Logger
}

// Client exposes one MCP server as a set of callable tools. Safe for
// concurrent use; stdio serialization happens inside the transport.
type Client struct {
	transport Transport
	opts      ClientOptions
	logger    log.Logger

	mu        sync.RWMutex
	tools     []ToolDescriptor
	toolsByID map[string]ToolDescriptor
	connected bool
	cause     error
}

// NewClient wraps a transport. Connect must be called before tools are
// listed or invoked.
func NewClient(transport Transport, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Client{transport: transport, opts: opts, logger: logger}
}

// Connect performs the initialize handshake and caches the tool catalog.
func (c *Client) Connect(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "hive", Version: "1"},
	}
	raw, err := c.transport.Call(ctx, "initialize", params)
	if err != nil {
		c.markFailed(err)
		return fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, c.opts.ServerName, err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.markFailed(err)
		return fmt.Errorf("%w: %s: malformed initialize result: %v", ErrHandshakeFailed, c.opts.ServerName, err)
	}
	if result.ProtocolVersion == "" {
		err := errors.New("server reported no protocol version")
		c.markFailed(err)
		return fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, c.opts.ServerName, err)
	}
	if err := c.transport.Notify("notifications/initialized", map[string]any{}); err != nil {
		c.markFailed(err)
		return fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, c.opts.ServerName, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if _, err := c.refreshTools(ctx); err != nil {
		return err
	}
	c.logger.Info("mcp server connected: %s (%s %s)",
		c.opts.ServerName, result.ServerInfo.Name, result.ServerInfo.Version)
	return nil
}

// ListTools returns the cached catalog; the cache is populated by Connect
// and refreshed by InvalidateToolCache.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.failedErr(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	if c.toolsByID != nil {
		tools := c.tools
		c.mu.RUnlock()
		return tools, nil
	}
	c.mu.RUnlock()
	return c.refreshTools(ctx)
}

func (c *Client) refreshTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, c.mapCallError("tools/list", err)
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: malformed tools/list result: %w", err)
	}

	byID := make(map[string]ToolDescriptor, len(result.Tools))
	for _, tool := range result.Tools {
		byID[tool.Name] = tool
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.toolsByID = byID
	c.mu.Unlock()
	return result.Tools, nil
}

// InvalidateToolCache forces the next ListTools to re-probe the server.
func (c *Client) InvalidateToolCache() {
	c.mu.Lock()
	c.tools = nil
	c.toolsByID = nil
	c.mu.Unlock()
}

// CallTool invokes a tool with a per-call deadline. Cancelling ctx stops
// awaiting the reply (the stdio transport also notifies the server).
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.failedErr(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	_, known := c.toolsByID[name]
	haveCatalog := c.toolsByID != nil
	c.mu.RUnlock()
	if haveCatalog && !known {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	timeout := c.opts.CallTimeout
	if override, ok := c.opts.ToolTimeouts[name]; ok && override > 0 {
		timeout = override
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := c.transport.Call(callCtx, "tools/call", callToolParams{Name: name, Arguments: args})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, timeout)
		}
		return nil, c.mapCallError(name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: malformed tool result for %s: %w", name, err)
	}
	return &result, nil
}

// mapCallError fails the client on transport errors so later calls are
// rejected immediately with the original cause.
func (c *Client) mapCallError(op string, err error) error {
	var transportErr *TransportError
	if errors.As(err, &transportErr) || errors.Is(err, ErrTransportClosed) {
		c.markFailed(err)
		c.logger.Warn("mcp server %s failed during %s: %v", c.opts.ServerName, op, err)
	}
	return err
}

func (c *Client) markFailed(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cause == nil {
		c.cause = cause
	}
}

func (c *Client) failedErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cause != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, c.cause)
	}
	return nil
}

// Close shuts down the transport. Safe to call more than once.
func (c *Client) Close() error {
	c.markFailed(errors.New("client closed"))
	return c.transport.Close()
}
