package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aden-hive/hive-sub001/log"
)

// newHTTPServer serves framed-free JSON-RPC over POST, one request per
// call, in the shape the HTTP transport expects.
func newHTTPServer(t *testing.T, handle func(method string, params json.RawMessage, id *int64) *rpcResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := handle(req.Method, req.Params, req.ID)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func defaultHTTPHandle(method string, _ json.RawMessage, id *int64) *rpcResponse {
	if id == nil {
		return nil
	}
	return (&fakeServer{}).defaultHandle(method, *id)
}

func TestHTTPConnectAndCall(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	srv := newHTTPServer(t, func(method string, params json.RawMessage, id *int64) *rpcResponse {
		mu.Lock()
		methods = append(methods, method)
		mu.Unlock()
		return defaultHTTPHandle(method, params, id)
	})

	transport := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	client := NewClient(transport, ClientOptions{ServerName: "http", Logger: &log.NoOpLogger{}})
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Connect(context.Background()))

	res, err := client.CallTool(context.Background(), "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "pong", res.Text())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"initialize", "notifications/initialized", "tools/list", "tools/call"}, methods)
}

func TestHTTPConcurrentCalls(t *testing.T) {
	srv := newHTTPServer(t, func(method string, params json.RawMessage, id *int64) *rpcResponse {
		if method == "tools/call" {
			time.Sleep(10 * time.Millisecond)
		}
		return defaultHTTPHandle(method, params, id)
	})

	transport := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	client := NewClient(transport, ClientOptions{ServerName: "http", Logger: &log.NoOpLogger{}})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.CallTool(context.Background(), "echo", nil)
			assert.NoError(t, err)
			assert.Equal(t, "pong", res.Text())
		}()
	}
	wg.Wait()
}

func TestHTTPServerError(t *testing.T) {
	srv := newHTTPServer(t, func(method string, params json.RawMessage, id *int64) *rpcResponse {
		if method == "tools/call" {
			return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: 42, Message: "nope"}}
		}
		return defaultHTTPHandle(method, params, id)
	})

	transport := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	client := NewClient(transport, ClientOptions{ServerName: "http", Logger: &log.NoOpLogger{}})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.CallTool(context.Background(), "echo", nil)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, 42, toolErr.Code)
}

func TestHTTPHandshakeRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	transport := NewHTTPTransport(HTTPOptions{Endpoint: srv.URL})
	client := NewClient(transport, ClientOptions{ServerName: "http", Logger: &log.NoOpLogger{}})
	t.Cleanup(func() { client.Close() })

	err := client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestHTTPHeadersForwarded(t *testing.T) {
	var mu sync.Mutex
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		var req struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(defaultHTTPHandle(req.Method, nil, req.ID))
	}))
	t.Cleanup(srv.Close)

	transport := NewHTTPTransport(HTTPOptions{
		Endpoint: srv.URL,
		Headers:  map[string]string{"Authorization": "Bearer token-1"},
	})
	t.Cleanup(func() { transport.Close() })

	_, err := transport.Call(context.Background(), "tools/list", nil)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer token-1", gotAuth)
}
