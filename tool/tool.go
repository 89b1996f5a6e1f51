// Package tool provides the registry that merges local function tools and
// MCP-proxied tools into one catalog for tool-using nodes.
package tool

import (
	"context"
	"encoding/json"
	"fmt"

	langchaintools "github.com/tmc/langchaingo/tools"
)

// Descriptor describes one callable tool as advertised to the model.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Tool is a named callable with a JSON-object argument contract.
type Tool interface {
	Descriptor() Descriptor
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Func adapts a plain Go function into a Tool.
type Func struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Fn          func(ctx context.Context, args map[string]any) (string, error)
}

var _ Tool = (*Func)(nil)

// Descriptor implements Tool.
func (f *Func) Descriptor() Descriptor {
	return Descriptor{Name: f.Name, Description: f.Description, InputSchema: f.Schema}
}

// Call implements Tool.
func (f *Func) Call(ctx context.Context, args map[string]any) (string, error) {
	if f.Fn == nil {
		return "", fmt.Errorf("tool %s has no implementation", f.Name)
	}
	return f.Fn(ctx, args)
}

// langchainTool wraps a langchaingo tool; arguments are passed as their
// JSON encoding, matching the single string input those tools expect.
type langchainTool struct {
	inner langchaintools.Tool
}

// FromLangchain adapts a langchaingo tool into the registry's contract.
func FromLangchain(t langchaintools.Tool) Tool {
	return &langchainTool{inner: t}
}

func (t *langchainTool) Descriptor() Descriptor {
	return Descriptor{Name: t.inner.Name(), Description: t.inner.Description()}
}

func (t *langchainTool) Call(ctx context.Context, args map[string]any) (string, error) {
	input := ""
	if len(args) > 0 {
		encoded, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("encode arguments for %s: %w", t.inner.Name(), err)
		}
		input = string(encoded)
	}
	return t.inner.Call(ctx, input)
}
