package langchain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/aden-hive/hive-sub001/llm"
)

// fakeModel records what it was asked and replies with a canned response.
type fakeModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	response *llms.ContentResponse
	err      error
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.messages = messages
	for _, opt := range options {
		opt(&m.opts)
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.opts.StreamingFunc != nil {
		for _, chunk := range []string{"hel", "lo"} {
			if err := m.opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}
	return m.response, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := m.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}}}
}

func TestGenerateMapsMessagesAndOptions(t *testing.T) {
	model := &fakeModel{response: textResponse("hello")}
	p := New(model)

	resp, err := p.Generate(context.Background(), &llm.Request{
		System:    "be brief",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[1].Role)
	assert.Equal(t, 64, model.opts.MaxTokens)
}

func TestGenerateToolCalls(t *testing.T) {
	model := &fakeModel{response: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		StopReason: "tool_calls",
		ToolCalls: []llms.ToolCall{{
			ID:   "call_1",
			Type: "function",
			FunctionCall: &llms.FunctionCall{
				Name:      "web_search",
				Arguments: `{"query":"golang"}`,
			},
		}},
	}}}}
	p := New(model)

	resp, err := p.Generate(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "search"}},
		Tools:    []llm.ToolSpec{{Name: "web_search"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "web_search", resp.ToolCalls[0].Name)
	assert.Equal(t, "golang", resp.ToolCalls[0].Arguments["query"])

	require.Len(t, model.opts.Tools, 1)
	assert.Equal(t, "web_search", model.opts.Tools[0].Function.Name)
}

func TestGenerateToolConversationRoundTrip(t *testing.T) {
	model := &fakeModel{response: textResponse("done")}
	p := New(model)

	_, err := p.Generate(context.Background(), &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "search golang"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "web_search", Arguments: map[string]any{"query": "golang"}}}},
			{Role: llm.RoleTool, ToolCallID: "call_1", Content: "results..."},
		},
	})
	require.NoError(t, err)

	require.Len(t, model.messages, 3)
	assert.Equal(t, llms.ChatMessageTypeAI, model.messages[1].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, model.messages[2].Role)
}

func TestStreamForwardsDeltas(t *testing.T) {
	model := &fakeModel{response: textResponse("hello")}
	p := New(model)

	frames, err := p.Stream(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var deltas []string
	var final *llm.Response
	for f := range frames {
		if f.Done {
			final = f.Response
			continue
		}
		deltas = append(deltas, f.Delta)
	}
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	require.NotNil(t, final)
	assert.Equal(t, "hello", final.Text)
}
