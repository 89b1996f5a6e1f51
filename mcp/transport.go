package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC requests to one MCP server.
//
// Call sends a request and waits for the matching response. A JSON-RPC
// error response is returned as *ToolError; an I/O failure as
// *TransportError, after which the transport is failed and every further
// call returns ErrTransportClosed wrapping the original cause.
type Transport interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	Close() error
}

// cancelParams is the payload of a $/cancelRequest notification.
type cancelParams struct {
	ID int64 `json:"id"`
}
