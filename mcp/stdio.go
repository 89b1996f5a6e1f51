package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultKillGrace is how long Close waits for a child server to exit
// after stdin is closed before killing it.
const DefaultKillGrace = 2 * time.Second

// StdioTransport speaks Content-Length framed JSON-RPC over the stdin and
// stdout of a child process. At most one request is in flight at a time;
// concurrent callers are serialized internally.
type StdioTransport struct {
	in  io.WriteCloser
	out *bufio.Reader

	cmd       *exec.Cmd
	killGrace time.Duration

	// callMu serializes requests: one in-flight per stdio server.
	callMu sync.Mutex
	// writeMu guards frame writes so cancel notifications do not
	// interleave with request frames.
	writeMu sync.Mutex

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *rpcResponse
	cause   error
	closed  bool
}

var _ Transport = (*StdioTransport)(nil)

// NewStdioTransport launches command with the given arguments and extra
// environment entries and attaches to its stdin/stdout. The child's stderr
// is passed through to ours.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)
	environ := os.Environ()
	for k, v := range env {
		environ = append(environ, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = environ
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start server: %w", err)
	}

	t := newPipeTransport(stdin, stdout)
	t.cmd = cmd
	return t, nil
}

// NewPipeTransport attaches to an already-connected pair of streams.
// Used by tests to drive the codec over in-process pipes.
func NewPipeTransport(in io.WriteCloser, out io.Reader) *StdioTransport {
	return newPipeTransport(in, out)
}

func newPipeTransport(in io.WriteCloser, out io.Reader) *StdioTransport {
	t := &StdioTransport{
		in:        in,
		out:       bufio.NewReader(out),
		killGrace: DefaultKillGrace,
		pending:   make(map[int64]chan *rpcResponse),
	}
	go t.readLoop()
	return t
}

// readLoop dispatches responses to their waiting callers by id. Server
// notifications (no id) are ignored. A read error fails the transport.
func (t *StdioTransport) readLoop() {
	for {
		payload, err := readFrame(t.out)
		if err != nil {
			t.fail(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			t.fail(fmt.Errorf("malformed response frame: %w", err))
			return
		}
		if resp.ID == nil {
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		if ok {
			delete(t.pending, *resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// fail moves the transport to its terminal failed state and wakes all
// waiting callers.
func (t *StdioTransport) fail(cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.cause = cause
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
}

func (t *StdioTransport) failedErr() error {
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

func (t *StdioTransport) send(msg any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return writeFrame(t.in, msg)
}

// Call sends one request and waits for its response. On context
// cancellation a $/cancelRequest notification is sent and the reply is no
// longer awaited.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.callMu.Lock()
	defer t.callMu.Unlock()

	if err := t.failedErr(); err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.send(&rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		t.fail(err)
		return nil, &TransportError{Err: err}
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		_ = t.send(&rpcRequest{JSONRPC: "2.0", Method: "$/cancelRequest", Params: cancelParams{ID: id}})
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, &TransportError{Err: t.causeErr()}
		}
		if resp.Error != nil {
			return nil, &ToolError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return resp.Result, nil
	}
}

func (t *StdioTransport) causeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cause != nil {
		return t.cause
	}
	return ErrTransportClosed
}

// Notify sends a notification; no response is expected.
func (t *StdioTransport) Notify(method string, params any) error {
	if err := t.failedErr(); err != nil {
		return err
	}
	if err := t.send(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		t.fail(err)
		return &TransportError{Err: err}
	}
	return nil
}

// Close shuts the transport down: stdin is closed to let the server exit
// on its own, and after the kill grace the child is killed. Close never
// hangs past the grace period.
func (t *StdioTransport) Close() error {
	t.fail(nil)

	err := t.in.Close()
	if t.cmd == nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()
	select {
	case <-done:
		return err
	case <-time.After(t.killGrace):
		_ = t.cmd.Process.Kill()
		<-done
		return err
	}
}
