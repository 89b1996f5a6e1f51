// Package openai adapts the OpenAI chat completion API to the llm.Provider
// contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/aden-hive/hive-sub001/llm"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = goopenai.GPT4oMini

// Provider implements llm.Provider on the OpenAI API.
type Provider struct {
	client *goopenai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

// Options configures the provider.
type Options struct {
	APIKey  string
	BaseURL string // override for compatible endpoints and tests
	Model   string
}

// New creates a provider.
func New(opts Options) (*Provider, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}
	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: goopenai.NewClientWithConfig(cfg), model: model}, nil
}

func (p *Provider) buildRequest(req *llm.Request) goopenai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		msg := goopenai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			args, _ := json.Marshal(call.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		messages = append(messages, msg)
	}

	out := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	if req.JSONOnly {
		out.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

// Generate implements llm.Provider.
func (p *Provider) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]

	out := &llm.Response{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, call := range choice.Message.ToolCalls {
		parsed, err := parseToolCall(call)
		if err != nil {
			return nil, err
		}
		out.ToolCalls = append(out.ToolCalls, parsed)
	}
	return out, nil
}

// Stream implements llm.Provider. Text deltas are forwarded as they
// arrive; the terminal frame carries the assembled response.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Frame, error) {
	request := p.buildRequest(req)
	request.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, classify(err)
	}

	frames := make(chan llm.Frame)
	go func() {
		defer close(frames)
		defer stream.Close()

		var text string
		var finish string
		calls := map[int]*goopenai.ToolCall{}

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				// Surface the failure as a terminal frame with no
				// response; the caller maps it to a node error.
				select {
				case frames <- llm.Frame{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if choice.Delta.Content != "" {
				text += choice.Delta.Content
				select {
				case frames <- llm.Frame{Delta: choice.Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, delta := range choice.Delta.ToolCalls {
				idx := 0
				if delta.Index != nil {
					idx = *delta.Index
				}
				call, ok := calls[idx]
				if !ok {
					call = &goopenai.ToolCall{Type: goopenai.ToolTypeFunction}
					calls[idx] = call
				}
				if delta.ID != "" {
					call.ID = delta.ID
				}
				if delta.Function.Name != "" {
					call.Function.Name = delta.Function.Name
				}
				call.Function.Arguments += delta.Function.Arguments
			}
		}

		response := &llm.Response{Text: text, FinishReason: finish}
		for i := 0; i < len(calls); i++ {
			parsed, err := parseToolCall(*calls[i])
			if err != nil {
				continue
			}
			response.ToolCalls = append(response.ToolCalls, parsed)
		}
		select {
		case frames <- llm.Frame{Done: true, Response: response}:
		case <-ctx.Done():
		}
	}()
	return frames, nil
}

func parseToolCall(call goopenai.ToolCall) (llm.ToolCall, error) {
	out := llm.ToolCall{ID: call.ID, Name: call.Function.Name}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &out.Arguments); err != nil {
			return out, fmt.Errorf("openai: malformed tool arguments for %s: %w", call.Function.Name, err)
		}
	}
	return out, nil
}

// classify maps API errors onto the retry taxonomy: 429 and 5xx are
// transient, everything else is fatal.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return llm.Transient(err)
		}
		return err
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 {
			return llm.Transient(err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Connection-level failures are worth a retry.
	return llm.Transient(err)
}
