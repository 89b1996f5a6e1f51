// Package langchain adapts any langchaingo model to the llm.Provider
// contract, giving access to that ecosystem's provider set.
package langchain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/aden-hive/hive-sub001/llm"
)

// Provider wraps a langchaingo model.
type Provider struct {
	model llms.Model
}

var _ llm.Provider = (*Provider)(nil)

// New wraps model.
func New(model llms.Model) *Provider {
	return &Provider{model: model}
}

func buildContent(req *llm.Request) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			content := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				content.Parts = append(content.Parts, llms.TextContent{Text: m.Content})
			}
			for _, call := range m.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				content.Parts = append(content.Parts, llms.ToolCall{
					ID:   call.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, content)
		case llm.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: m.ToolCallID,
					Content:    m.Content,
				}},
			})
		default:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return out
}

func buildOptions(req *llm.Request) []llms.CallOption {
	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(float64(req.Temperature)))
	}
	if req.JSONOnly {
		opts = append(opts, llms.WithJSONMode())
	}
	if len(req.Tools) > 0 {
		tools := make([]llms.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			var params any
			if len(t.InputSchema) > 0 {
				_ = json.Unmarshal(t.InputSchema, &params)
			}
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  params,
				},
			})
		}
		opts = append(opts, llms.WithTools(tools))
	}
	return opts
}

func convertResponse(resp *llms.ContentResponse) (*llm.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("langchain: empty response")
	}
	choice := resp.Choices[0]
	out := &llm.Response{
		Text:         choice.Content,
		FinishReason: choice.StopReason,
	}
	for _, call := range choice.ToolCalls {
		if call.FunctionCall == nil {
			continue
		}
		parsed := llm.ToolCall{ID: call.ID, Name: call.FunctionCall.Name}
		if call.FunctionCall.Arguments != "" {
			if err := json.Unmarshal([]byte(call.FunctionCall.Arguments), &parsed.Arguments); err != nil {
				return nil, fmt.Errorf("langchain: malformed tool arguments for %s: %w", parsed.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, parsed)
	}
	if usage, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		out.Usage.PromptTokens = usage
	}
	if usage, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		out.Usage.CompletionTokens = usage
	}
	return out, nil
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := p.model.GenerateContent(ctx, buildContent(req), buildOptions(req)...)
	if err != nil {
		return nil, err
	}
	return convertResponse(resp)
}

// Stream implements llm.Provider using langchaingo's streaming callback.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Frame, error) {
	frames := make(chan llm.Frame)

	opts := buildOptions(req)
	opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		select {
		case frames <- llm.Frame{Delta: string(chunk)}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))

	go func() {
		defer close(frames)
		resp, err := p.model.GenerateContent(ctx, buildContent(req), opts...)
		frame := llm.Frame{Done: true}
		if err == nil {
			if converted, cerr := convertResponse(resp); cerr == nil {
				frame.Response = converted
			}
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
		}
	}()
	return frames, nil
}
