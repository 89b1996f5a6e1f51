package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aden-hive/hive-sub001/mcp"
)

var (
	// ErrNotFound is returned when no tool carries the requested name.
	ErrNotFound = errors.New("tool not found")

	// ErrDuplicate is returned when a registration collides with an
	// existing tool name.
	ErrDuplicate = errors.New("duplicate tool name")
)

// Registry maps tool names to callables. Local tools and MCP servers share
// one namespace; MCP tools are proxied through their server's client.
type Registry struct {
	mu      sync.RWMutex
	local   map[string]Tool
	remote  map[string]*mcp.Client // tool name → owning server client
	servers map[string]*mcp.Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		local:   make(map[string]Tool),
		remote:  make(map[string]*mcp.Client),
		servers: make(map[string]*mcp.Client),
	}
}

// Register adds a local tool.
func (r *Registry) Register(t Tool) error {
	name := t.Descriptor().Name
	if name == "" {
		return errors.New("tool has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.local[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if _, ok := r.remote[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.local[name] = t
	return nil
}

// RegisterServer merges a connected MCP server's catalog into the
// registry. Tools colliding with existing names are rejected.
func (r *Registry) RegisterServer(ctx context.Context, serverName string, client *mcp.Client) error {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, ok := r.local[t.Name]; ok {
			return fmt.Errorf("%w: %s (server %s)", ErrDuplicate, t.Name, serverName)
		}
		if _, ok := r.remote[t.Name]; ok {
			return fmt.Errorf("%w: %s (server %s)", ErrDuplicate, t.Name, serverName)
		}
	}
	for _, t := range tools {
		r.remote[t.Name] = client
	}
	r.servers[serverName] = client
	return nil
}

// List returns descriptors for every registered tool.
func (r *Registry) List(ctx context.Context) ([]Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.local)+len(r.remote))
	for _, t := range r.local {
		out = append(out, t.Descriptor())
	}
	seen := make(map[*mcp.Client]bool)
	for _, client := range r.servers {
		if seen[client] {
			continue
		}
		seen[client] = true
		tools, err := client.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			out = append(out, Descriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		}
	}
	return out, nil
}

// Select returns descriptors for the named tools only, preserving order.
// Unknown names are an error so a node's tool list fails loudly at load.
func (r *Registry) Select(ctx context.Context, names []string) ([]Descriptor, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Descriptor, len(all))
	for _, d := range all {
		byName[d.Name] = d
	}
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		out = append(out, d)
	}
	return out, nil
}

// Call dispatches a tool call to its local implementation or its MCP
// server. An MCP result flagged IsError becomes a Go error carrying the
// result text.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	local, isLocal := r.local[name]
	client, isRemote := r.remote[name]
	r.mu.RUnlock()

	switch {
	case isLocal:
		return local.Call(ctx, args)
	case isRemote:
		result, err := client.CallTool(ctx, name, args)
		if err != nil {
			return "", err
		}
		if result.IsError {
			return "", fmt.Errorf("tool %s failed: %s", name, result.Text())
		}
		return result.Text(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
}

// Has reports whether a tool with the given name exists.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, isLocal := r.local[name]
	_, isRemote := r.remote[name]
	return isLocal || isRemote
}

// Close closes every registered MCP client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, client := range r.servers {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close server %s: %w", name, err)
		}
	}
	r.servers = make(map[string]*mcp.Client)
	r.remote = make(map[string]*mcp.Client)
	return firstErr
}
