package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

// HTTPTransport posts one JSON-RPC request per HTTP call. Unlike stdio,
// concurrent requests are allowed; each call is independent.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	nextID atomic.Int64

	mu     sync.Mutex
	cause  error
	closed bool
}

var _ Transport = (*HTTPTransport)(nil)

// HTTPOptions configures an HTTP transport.
type HTTPOptions struct {
	Endpoint string
	Headers  map[string]string // e.g. Authorization
	Client   *http.Client      // default http.DefaultClient
}

// NewHTTPTransport creates a transport posting to the given endpoint.
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		endpoint: opts.Endpoint,
		client:   client,
		headers:  opts.Headers,
	}
}

func (t *HTTPTransport) failedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		return nil
	}
	if t.cause != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, t.cause)
	}
	return ErrTransportClosed
}

func (t *HTTPTransport) post(ctx context.Context, msg *rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.client.Do(req)
}

// Call posts the request and decodes the JSON-RPC response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := t.failedErr(); err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	resp, err := t.post(ctx, &rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	var rpc rpcResponse
	if err := json.Unmarshal(data, &rpc); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("malformed response: %w", err)}
	}
	if rpc.Error != nil {
		return nil, &ToolError{Code: rpc.Error.Code, Message: rpc.Error.Message, Data: rpc.Error.Data}
	}
	return rpc.Result, nil
}

// Notify posts a notification and discards the response body.
func (t *HTTPTransport) Notify(method string, params any) error {
	if err := t.failedErr(); err != nil {
		return err
	}
	resp, err := t.post(context.Background(), &rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return &TransportError{Err: err}
	}
	resp.Body.Close()
	return nil
}

// Close marks the transport closed and releases pooled connections.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.client.CloseIdleConnections()
	return nil
}
