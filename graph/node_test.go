package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aden-hive/hive-sub001/eventbus"
	"github.com/aden-hive/hive-sub001/llm"
	"github.com/aden-hive/hive-sub001/tool"
)

// scriptedProvider replays canned responses, recording each request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []scriptedTurn
	requests  []*llm.Request
}

type scriptedTurn struct {
	resp *llm.Response
	err  error
}

func (p *scriptedProvider) next(req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := *req
	copied.Messages = append([]llm.Message(nil), req.Messages...)
	p.requests = append(p.requests, &copied)
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted")
	}
	turn := p.responses[0]
	p.responses = p.responses[1:]
	return turn.resp, turn.err
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) Generate(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return p.next(req)
}

func (p *scriptedProvider) Stream(_ context.Context, req *llm.Request) (<-chan llm.Frame, error) {
	resp, err := p.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Frame, 2)
	if resp.Text != "" {
		ch <- llm.Frame{Delta: resp.Text}
	}
	ch <- llm.Frame{Done: true, Response: resp}
	close(ch)
	return ch, nil
}

func llmRig(t *testing.T, g *GraphSpec, provider llm.Provider, mutate func(*Options)) *testRig {
	t.Helper()
	pool, err := llm.NewPool([]llm.Provider{provider})
	require.NoError(t, err)
	return newTestRig(t, g, func(o *Options) {
		o.Providers = pool
		o.Retry = RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
		if mutate != nil {
			mutate(o)
		}
	})
}

func singleLLMGraph(t *testing.T, node NodeSpec) *GraphSpec {
	t.Helper()
	node.ID = "gen"
	node.Name = "Gen"
	g := &GraphSpec{
		ID:            "llm",
		EntryNode:     "gen",
		TerminalNodes: []string{"gen"},
		Nodes:         []NodeSpec{node},
	}
	require.NoError(t, g.Compile())
	return g
}

func TestLLMGenerateNode(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{Text: "the answer", Usage: llm.Usage{PromptTokens: 12, CompletionTokens: 7}}},
	}}
	g := singleLLMGraph(t, NodeSpec{
		Type:         NodeLLMGenerate,
		SystemPrompt: "You answer questions.",
		InputKeys:    []string{"question"},
		OutputKeys:   []string{"answer"},
		ClientFacing: true,
	})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-llm", "", "manual"), map[string]any{"question": "why"})

	require.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "the answer", run.FinalOutput["answer"])

	require.Equal(t, 1, provider.calls())
	req := provider.requests[0]
	assert.Equal(t, "You answer questions.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Contains(t, req.Messages[0].Content, `"question":"why"`)

	assert.Equal(t, 12, run.CostSummary.PromptTokens)
	assert.Equal(t, 7, run.CostSummary.CompletionTokens)
	assert.Equal(t, 1, run.CostSummary.LLMCalls)
	assert.Equal(t, 12, run.CostSummary.ByNode["gen"].PromptTokens)

	events := rig.drain()
	assert.Equal(t, 1, countByType(events, eventbus.TypeLLMTextDelta))
	// Client-facing nodes mirror deltas to the client stream.
	assert.Equal(t, 1, countByType(events, eventbus.TypeClientOutputDelta))
}

func TestLLMGenerateSchemaCorrectiveReprompt(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["label"], "properties": {"label": {"type": "string"}}}`)
	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{Text: "not json at all"}},
		{resp: &llm.Response{Text: `{"label": "ready"}`}},
	}}
	g := singleLLMGraph(t, NodeSpec{
		Type:         NodeLLMGenerate,
		OutputKeys:   []string{"label"},
		OutputSchema: schema,
	})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-schema", "", "manual"), nil)

	require.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "ready", run.FinalOutput["label"])
	require.Equal(t, 2, provider.calls())

	// The corrective re-prompt carries the failed output and the fix
	// instruction.
	second := provider.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, llm.RoleAssistant, second.Messages[1].Role)
	assert.Equal(t, "not json at all", second.Messages[1].Content)
	assert.Contains(t, second.Messages[2].Content, "schema")
	assert.True(t, second.JSONOnly)
}

func TestLLMGenerateSchemaFailsAfterOneReprompt(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "required": ["label"]}`)
	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{Text: "nope"}},
		{resp: &llm.Response{Text: "still nope"}},
	}}
	g := singleLLMGraph(t, NodeSpec{Type: NodeLLMGenerate, OutputSchema: schema})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-schema-fail", "", "manual"), nil)

	require.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, CategorySchema, run.Error.Category)
	assert.Equal(t, 2, provider.calls())
}

func TestLLMGenerateLengthReprompt(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{Text: "this answer is far too long for the limit"}},
		{resp: &llm.Response{Text: "short"}},
	}}
	g := singleLLMGraph(t, NodeSpec{
		Type:           NodeLLMGenerate,
		OutputKeys:     []string{"answer"},
		MaxOutputChars: 20,
	})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-len", "", "manual"), nil)

	require.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "short", run.FinalOutput["answer"])
	require.Equal(t, 2, provider.calls())

	// The re-prompt asks for the halved target, not a blind retry.
	second := provider.requests[1]
	assert.Contains(t, second.Messages[2].Content, "at most 10 characters")
}

func TestLLMGenerateLengthFailsAfterReprompt(t *testing.T) {
	long := "this answer is far too long for the limit"
	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{Text: long}},
		{resp: &llm.Response{Text: long + " again"}},
	}}
	g := singleLLMGraph(t, NodeSpec{Type: NodeLLMGenerate, MaxOutputChars: 20})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-len-fail", "", "manual"), nil)

	require.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, CategorySchema, run.Error.Category)
}

func TestLLMTransientErrorsAreRetried(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedTurn{
		{err: llm.Transient(fmt.Errorf("status code: 429"))},
		{resp: &llm.Response{Text: "recovered"}},
	}}
	g := singleLLMGraph(t, NodeSpec{Type: NodeLLMGenerate, OutputKeys: []string{"answer"}})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-retry", "", "manual"), nil)

	require.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "recovered", run.FinalOutput["answer"])
	assert.Equal(t, 2, provider.calls())
}

func TestLLMFatalErrorsAreNot(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedTurn{
		{err: fmt.Errorf("status code: 401, invalid api key")},
		{resp: &llm.Response{Text: "never reached"}},
	}}
	g := singleLLMGraph(t, NodeSpec{Type: NodeLLMGenerate})
	rig := llmRig(t, g, provider, nil)

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-fatal", "", "manual"), nil)

	require.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, provider.calls())
	assert.Contains(t, run.Error.Error, "401")
}

func toolUseGraph(t *testing.T, tools []string) *GraphSpec {
	t.Helper()
	g := &GraphSpec{
		ID:            "agent",
		EntryNode:     "act",
		TerminalNodes: []string{"act"},
		Nodes: []NodeSpec{{
			ID:           "act",
			Name:         "Act",
			Type:         NodeLLMToolUse,
			SystemPrompt: "Use tools.",
			Tools:        tools,
			InputKeys:    []string{"task"},
			OutputKeys:   []string{"answer"},
		}},
	}
	require.NoError(t, g.Compile())
	return g
}

func TestLLMToolUseNode(t *testing.T) {
	var gotArgs map[string]any
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(&tool.Func{
		Name:        "lookup",
		Description: "Looks things up.",
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			gotArgs = args
			return `{"found": true}`, nil
		},
	}))

	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      "lookup",
			Arguments: map[string]any{"q": "weather"},
		}}}},
		{resp: &llm.Response{Text: "it is sunny"}},
	}}
	g := toolUseGraph(t, []string{"lookup"})
	rig := llmRig(t, g, provider, func(o *Options) { o.Tools = registry })

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-tools", "", "manual"), map[string]any{"task": "check weather"})

	require.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "it is sunny", run.FinalOutput["answer"])
	assert.Equal(t, map[string]any{"q": "weather"}, gotArgs)

	// The catalog went out with the first request, the tool result came
	// back as a tool message on the second.
	first := provider.requests[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "lookup", first.Tools[0].Name)
	second := provider.requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, lastMsg.Role)
	assert.Equal(t, "call-1", lastMsg.ToolCallID)
	assert.Equal(t, `{"found": true}`, lastMsg.Content)

	events := rig.drain()
	assert.Equal(t, 1, countByType(events, eventbus.TypeToolCallStarted))
	assert.Equal(t, 1, countByType(events, eventbus.TypeToolCallCompleted))
}

func TestLLMToolUseFeedsToolErrorBack(t *testing.T) {
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(&tool.Func{
		Name: "flaky",
		Fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "", fmt.Errorf("backend unreachable")
		},
	}))

	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "flaky"}}}},
		{resp: &llm.Response{Text: "could not reach the backend"}},
	}}
	g := toolUseGraph(t, []string{"flaky"})
	rig := llmRig(t, g, provider, func(o *Options) {
		o.Tools = registry
		o.Retry = RetryConfig{MaxAttempts: 1}
	})

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-tool-err", "", "manual"), map[string]any{"task": "x"})

	require.Equal(t, StatusCompleted, run.Status)
	second := provider.requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, lastMsg.Role)
	assert.Contains(t, lastMsg.Content, "backend unreachable")
}

func TestToolLoopExceeded(t *testing.T) {
	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(&tool.Func{
		Name: "noop",
		Fn: func(_ context.Context, _ map[string]any) (string, error) {
			return "ok", nil
		},
	}))

	// The model never stops asking for tools.
	var turns []scriptedTurn
	for i := 0; i < 10; i++ {
		turns = append(turns, scriptedTurn{resp: &llm.Response{ToolCalls: []llm.ToolCall{{
			ID:   fmt.Sprintf("c%d", i),
			Name: "noop",
		}}}})
	}
	provider := &scriptedProvider{responses: turns}
	g := toolUseGraph(t, []string{"noop"})
	rig := llmRig(t, g, provider, func(o *Options) {
		o.Tools = registry
		o.ToolCallCap = 3
	})

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-tool-loop", "", "manual"), map[string]any{"task": "x"})

	require.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, CategoryLoop, run.Error.Category)
	assert.Contains(t, run.Error.Error, "tool loop exceeded")
}

func TestRouterViaLLM(t *testing.T) {
	provider := &scriptedProvider{responses: []scriptedTurn{
		{resp: &llm.Response{Text: "pos\n"}},
	}}
	g := &GraphSpec{
		ID:            "llm-router",
		EntryNode:     "r",
		TerminalNodes: []string{"p", "n"},
		Nodes: []NodeSpec{
			{ID: "r", Name: "Route", Type: NodeRouter, SystemPrompt: "Reply pos or neg.", InputKeys: []string{"x"}, OutputKeys: []string{"routed"}},
			{ID: "p", Name: "P", Type: NodeFunction, Function: "identity"},
			{ID: "n", Name: "N", Type: NodeFunction, Function: "identity"},
		},
		Edges: []EdgeSpec{
			{ID: "e1", Source: "r", Target: "p", Condition: `routed == "pos"`},
			{ID: "e2", Source: "r", Target: "n", Condition: `routed == "neg"`},
		},
	}
	require.NoError(t, g.Compile())
	rig := llmRig(t, g, provider, nil)
	ec := NewExecutionContext("exec-llm-router", "", "manual")

	run := rig.exec.Execute(context.Background(), ec, map[string]any{"x": 9})

	require.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, 1, ec.Visits("p"))
	assert.Equal(t, 0, ec.Visits("n"))
	require.Len(t, run.Decisions, 1)
	assert.Equal(t, "pos\n", run.Decisions[0].Reasoning)
}

func TestCancellationDuringLLMCall(t *testing.T) {
	// A provider that never produces a frame until cancelled.
	provider := &hangingProvider{}
	g := singleLLMGraph(t, NodeSpec{Type: NodeLLMGenerate})
	rig := llmRig(t, g, provider, nil)
	ec := NewExecutionContext("exec-llm-cancel", "", "manual")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	started := time.Now()
	run := rig.exec.Execute(ctx, ec, nil)
	elapsed := time.Since(started)

	require.Equal(t, StatusCancelled, run.Status)
	assert.Less(t, elapsed, 500*time.Millisecond)

	events := rig.drain()
	last := events[len(events)-1]
	assert.Equal(t, eventbus.TypeExecutionFailed, last.Type)
	assert.Equal(t, "cancelled", last.Reason)

	cp, err := rig.checks.LatestFor(context.Background(), "exec-llm-cancel")
	require.NoError(t, err)
	assert.Equal(t, "gen", cp.ResumeNode)
}

type hangingProvider struct{}

func (p *hangingProvider) Generate(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *hangingProvider) Stream(ctx context.Context, _ *llm.Request) (<-chan llm.Frame, error) {
	ch := make(chan llm.Frame)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestUndeclaredOutputsAreDiscarded(t *testing.T) {
	g := &GraphSpec{
		ID:            "strict",
		EntryNode:     "a",
		TerminalNodes: []string{"a"},
		Nodes: []NodeSpec{
			{ID: "a", Name: "A", Type: NodeFunction, Function: "chatty", OutputKeys: []string{"kept"}},
		},
	}
	require.NoError(t, g.Compile())

	rig := newTestRig(t, g, func(o *Options) {
		o.Functions["chatty"] = func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"kept": 1, "stray": 2}, nil
		}
	})

	run := rig.exec.Execute(context.Background(), NewExecutionContext("exec-strict", "", "manual"), nil)

	require.Equal(t, StatusCompleted, run.Status)
	assert.Contains(t, run.FinalOutput, "kept")
	assert.NotContains(t, run.FinalOutput, "stray")
}
