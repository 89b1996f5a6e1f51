package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrHandshakeFailed is returned when the server rejects or botches
	// the initialize exchange.
	ErrHandshakeFailed = errors.New("mcp: handshake failed")

	// ErrToolNotFound is returned when the requested tool is not in the
	// server's catalog.
	ErrToolNotFound = errors.New("mcp: tool not found")

	// ErrToolTimeout is returned when a tool call exceeds its deadline.
	ErrToolTimeout = errors.New("mcp: tool call timed out")

	// ErrTransportClosed is returned by every call after the transport has
	// entered a failed state or been closed.
	ErrTransportClosed = errors.New("mcp: transport closed")
)

// ToolError is a JSON-RPC error returned by the server for a tool call.
type ToolError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp: tool error %d: %s", e.Code, e.Message)
}

// TransportError wraps an I/O failure on the underlying transport. Callers
// treat it as transient; the client itself moves to a failed state.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
