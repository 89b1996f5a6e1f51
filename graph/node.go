package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aden-hive/hive-sub001/eventbus"
	"github.com/aden-hive/hive-sub001/llm"
	"github.com/aden-hive/hive-sub001/state"
	"github.com/aden-hive/hive-sub001/store"
)

// Function is a named callable a function node can invoke. It receives
// the inputs resolved from the node's input_keys and returns the node's
// outputs. A returned error fails the node; returning an output map with
// an "error" key is the structured-envelope escape hatch that marks the
// node failed without aborting the execution.
type Function func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// DefaultToolCallCap bounds tool-call rounds in one llm_tool_use node
// execution.
const DefaultToolCallCap = 16

// nodeResult is the outcome of one node execution.
type nodeResult struct {
	outputs   map[string]any
	status    string // statusSuccess or statusFailure
	reasoning string // router reasoning, recorded in the Decision
	pause     *store.ClientRequest
}

// resolveInputs gathers a node's input_keys from the execution
// namespace.
func (e *Executor) resolveInputs(ec *ExecutionContext, spec *NodeSpec) (map[string]any, error) {
	inputs := make(map[string]any, len(spec.InputKeys))
	for _, key := range spec.InputKeys {
		v, ok := e.opts.State.Get(state.ScopeExecution, ec.ExecutionID, key)
		if !ok {
			return nil, fmt.Errorf("%w: node %s requires %q", ErrMissingInput, spec.ID, key)
		}
		inputs[key] = v
	}
	return inputs, nil
}

// filterOutputs drops keys not declared in output_keys, warning once
// per discarded key. Empty output_keys passes everything through.
func (e *Executor) filterOutputs(spec *NodeSpec, outputs map[string]any) map[string]any {
	if len(spec.OutputKeys) == 0 || outputs == nil {
		return outputs
	}
	declared := make(map[string]bool, len(spec.OutputKeys))
	for _, k := range spec.OutputKeys {
		declared[k] = true
	}
	filtered := make(map[string]any, len(outputs))
	for k, v := range outputs {
		if !declared[k] {
			e.logger.Warn("node %s discarded undeclared output %q", spec.ID, k)
			continue
		}
		filtered[k] = v
	}
	return filtered
}

// runNode dispatches on the node variant.
func (e *Executor) runNode(ctx context.Context, ec *ExecutionContext, run *RunLog, spec *NodeSpec) (*nodeResult, error) {
	inputs, err := e.resolveInputs(ec, spec)
	if err != nil {
		return nil, err
	}
	switch spec.Type {
	case NodeLLMGenerate:
		return e.runLLMGenerate(ctx, ec, run, spec, inputs)
	case NodeLLMToolUse:
		return e.runLLMToolUse(ctx, ec, run, spec, inputs)
	case NodeFunction:
		return e.runFunction(ctx, spec, inputs)
	case NodeRouter:
		return e.runRouter(ctx, ec, run, spec, inputs)
	case NodeClientInput:
		return e.runClientInput(ec, spec, inputs)
	case NodeSubGraph:
		return e.runSubGraph(ctx, ec, spec, inputs)
	}
	return nil, fmt.Errorf("%w: node %s has type %q", ErrInvalidGraph, spec.ID, spec.Type)
}

// generate performs one LLM call with streaming deltas forwarded to the
// bus, transient retry, and cost accounting.
func (e *Executor) generate(ctx context.Context, ec *ExecutionContext, run *RunLog, spec *NodeSpec, req *llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	err := withRetry(ctx, e.opts.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.LLMTimeout)
		defer cancel()
		return e.opts.Providers.With(callCtx, func(p llm.Provider) error {
			frames, err := p.Stream(callCtx, req)
			if err != nil {
				return err
			}
			for {
				var frame llm.Frame
				var open bool
				select {
				case <-callCtx.Done():
					return callCtx.Err()
				case frame, open = <-frames:
				}
				if !open {
					if err := callCtx.Err(); err != nil {
						return err
					}
					return fmt.Errorf("stream ended without a response")
				}
				if frame.Done {
					if frame.Response == nil {
						return fmt.Errorf("stream ended without a response")
					}
					resp = frame.Response
					return nil
				}
				if frame.Delta != "" {
					e.publish(ec, eventbus.Event{
						Type:   eventbus.TypeLLMTextDelta,
						NodeID: spec.ID,
						Text:   frame.Delta,
					})
					if spec.ClientFacing {
						e.publish(ec, eventbus.Event{
							Type:   eventbus.TypeClientOutputDelta,
							NodeID: spec.ID,
							Text:   frame.Delta,
						})
					}
				}
			}
		})
	})
	if err != nil {
		return nil, err
	}
	run.addCost(spec.ID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

func buildPrompt(spec *NodeSpec, inputs map[string]any) (string, string, error) {
	payload, err := json.Marshal(inputs)
	if err != nil {
		return "", "", fmt.Errorf("serialize inputs for node %s: %w", spec.ID, err)
	}
	return spec.SystemPrompt, string(payload), nil
}

func (e *Executor) runLLMGenerate(ctx context.Context, ec *ExecutionContext, run *RunLog, spec *NodeSpec, inputs map[string]any) (*nodeResult, error) {
	system, user, err := buildPrompt(spec, inputs)
	if err != nil {
		return nil, err
	}
	req := &llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
		JSONOnly: len(spec.OutputSchema) > 0,
	}
	resp, err := e.generate(ctx, ec, run, spec, req)
	if err != nil {
		return nil, err
	}

	text := resp.Text
	if spec.MaxOutputChars > 0 && len(text) > spec.MaxOutputChars {
		// Length violations get one corrective re-prompt with a halved
		// target, never a blind retry.
		target := spec.MaxOutputChars / 2
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: text},
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
				"Your answer was %d characters. Shorten it to at most %d characters, keeping the substance.", len(text), target)},
		)
		resp, err = e.generate(ctx, ec, run, spec, req)
		if err != nil {
			return nil, err
		}
		text = resp.Text
		if len(text) > spec.MaxOutputChars {
			return nil, fmt.Errorf("%w: node %s output is %d chars, limit %d", ErrSchemaViolation, spec.ID, len(text), spec.MaxOutputChars)
		}
	}

	outputs, err := e.shapeLLMOutput(ctx, ec, run, spec, req, text)
	if err != nil {
		return nil, err
	}
	return &nodeResult{outputs: e.filterOutputs(spec, outputs), status: statusSuccess}, nil
}

// shapeLLMOutput maps model text onto the node's output keys, enforcing
// the output schema with one corrective re-prompt.
func (e *Executor) shapeLLMOutput(ctx context.Context, ec *ExecutionContext, run *RunLog, spec *NodeSpec, req *llm.Request, text string) (map[string]any, error) {
	if len(spec.OutputSchema) == 0 {
		return textOutputs(spec, text), nil
	}
	outputs, verr := validateStructured(spec, text)
	if verr == nil {
		return outputs, nil
	}
	// One re-prompt that tells the model how to fix it.
	req.Messages = append(req.Messages,
		llm.Message{Role: llm.RoleAssistant, Content: text},
		llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
			"The previous output did not match the required JSON schema: %v. Reply with a corrected JSON object only.", verr)},
	)
	resp, err := e.generate(ctx, ec, run, spec, req)
	if err != nil {
		return nil, err
	}
	outputs, verr = validateStructured(spec, resp.Text)
	if verr != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrSchemaViolation, spec.ID, verr)
	}
	return outputs, nil
}

func textOutputs(spec *NodeSpec, text string) map[string]any {
	key := "text"
	if len(spec.OutputKeys) > 0 {
		key = spec.OutputKeys[0]
	}
	return map[string]any{key: text}
}

func validateStructured(spec *NodeSpec, text string) (map[string]any, error) {
	var doc any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err != nil {
		return nil, fmt.Errorf("not valid JSON: %v", err)
	}
	schema, err := jsonschema.CompileString(spec.ID+".schema.json", string(spec.OutputSchema))
	if err != nil {
		return nil, fmt.Errorf("bad output schema: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return textOutputs(spec, text), nil
	}
	return obj, nil
}

func (e *Executor) runLLMToolUse(ctx context.Context, ec *ExecutionContext, run *RunLog, spec *NodeSpec, inputs map[string]any) (*nodeResult, error) {
	system, user, err := buildPrompt(spec, inputs)
	if err != nil {
		return nil, err
	}
	descriptors, err := e.opts.Tools.Select(ctx, spec.Tools)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", spec.ID, err)
	}
	specs := make([]llm.ToolSpec, len(descriptors))
	for i, d := range descriptors {
		specs[i] = llm.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema}
	}
	req := &llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
		Tools:    specs,
	}

	callCap := e.opts.ToolCallCap
	if callCap <= 0 {
		callCap = DefaultToolCallCap
	}
	calls := 0
	for {
		resp, err := e.generate(ctx, ec, run, spec, req)
		if err != nil {
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			outputs, err := e.shapeLLMOutput(ctx, ec, run, spec, req, resp.Text)
			if err != nil {
				return nil, err
			}
			return &nodeResult{outputs: e.filterOutputs(spec, outputs), status: statusSuccess}, nil
		}
		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			calls++
			if calls > callCap {
				return nil, fmt.Errorf("%w: node %s issued more than %d tool calls", ErrToolLoopExceeded, spec.ID, callCap)
			}
			result, err := e.dispatchToolCall(ctx, ec, spec, call)
			if err != nil {
				return nil, err
			}
			req.Messages = append(req.Messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
}

func (e *Executor) dispatchToolCall(ctx context.Context, ec *ExecutionContext, spec *NodeSpec, call llm.ToolCall) (string, error) {
	e.publish(ec, eventbus.Event{
		Type:    eventbus.TypeToolCallStarted,
		NodeID:  spec.ID,
		Payload: map[string]any{"tool": call.Name, "call_id": call.ID},
	})
	start := time.Now()
	var result string
	err := withRetry(ctx, e.opts.Retry, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
		var err error
		result, err = e.opts.Tools.Call(callCtx, call.Name, call.Arguments)
		return err
	})
	completed := eventbus.Event{
		Type:   eventbus.TypeToolCallCompleted,
		NodeID: spec.ID,
		Payload: map[string]any{
			"tool":        call.Name,
			"call_id":     call.ID,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	}
	if err != nil {
		completed.Reason = err.Error()
		e.publish(ec, completed)
		// The model can often recover from a failed tool; feed the
		// error back as the tool result instead of failing the node.
		return fmt.Sprintf(`{"error": %q}`, err.Error()), nil
	}
	e.publish(ec, completed)
	return result, nil
}

// runFunction invokes the registered callable on the worker pool so a
// synchronous function never blocks the scheduler, with panic recovery.
func (e *Executor) runFunction(ctx context.Context, spec *NodeSpec, inputs map[string]any) (*nodeResult, error) {
	fn, ok := e.opts.Functions[spec.Function]
	if !ok {
		return nil, fmt.Errorf("%w: node %s references %q", ErrNodeNotRegistered, spec.ID, spec.Function)
	}
	outputs, err := e.offload(ctx, spec, fn, inputs)
	if err != nil {
		return nil, err
	}
	if msg, failed := outputs["error"]; failed {
		return &nodeResult{
			outputs:   e.filterOutputs(spec, outputs),
			status:    statusFailure,
			reasoning: fmt.Sprintf("%v", msg),
		}, nil
	}
	return &nodeResult{outputs: e.filterOutputs(spec, outputs), status: statusSuccess}, nil
}

type funcOutcome struct {
	outputs map[string]any
	err     error
}

// offload runs fn on the worker pool and awaits it under ctx.
func (e *Executor) offload(ctx context.Context, spec *NodeSpec, fn Function, inputs map[string]any) (map[string]any, error) {
	select {
	case e.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	done := make(chan funcOutcome, 1)
	go func() {
		defer func() { <-e.workers }()
		defer func() {
			if r := recover(); r != nil {
				done <- funcOutcome{err: fmt.Errorf("function %q panicked: %v", spec.Function, r)}
			}
		}()
		outputs, err := fn(ctx, inputs)
		done <- funcOutcome{outputs: outputs, err: err}
	}()
	select {
	case out := <-done:
		return out.outputs, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// runRouter computes a routing label, deterministically via a registered
// function or by asking the model.
func (e *Executor) runRouter(ctx context.Context, ec *ExecutionContext, run *RunLog, spec *NodeSpec, inputs map[string]any) (*nodeResult, error) {
	key := "routed"
	if len(spec.OutputKeys) > 0 {
		key = spec.OutputKeys[0]
	}

	if spec.Function != "" {
		fn, ok := e.opts.Functions[spec.Function]
		if !ok {
			return nil, fmt.Errorf("%w: router %s references %q", ErrNodeNotRegistered, spec.ID, spec.Function)
		}
		outputs, err := e.offload(ctx, spec, fn, inputs)
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", spec.ID, err)
		}
		label, ok := outputs[key]
		if !ok {
			return nil, fmt.Errorf("router %s function %q produced no %q output", spec.ID, spec.Function, key)
		}
		return &nodeResult{
			outputs:   e.filterOutputs(spec, outputs),
			status:    statusSuccess,
			reasoning: fmt.Sprintf("function %s routed to %v", spec.Function, label),
		}, nil
	}

	system, user, err := buildPrompt(spec, inputs)
	if err != nil {
		return nil, err
	}
	req := &llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: user}},
	}
	resp, err := e.generate(ctx, ec, run, spec, req)
	if err != nil {
		return nil, err
	}
	label := strings.TrimSpace(resp.Text)
	return &nodeResult{
		outputs:   map[string]any{key: label},
		status:    statusSuccess,
		reasoning: resp.Text,
	}, nil
}

// runClientInput pauses the execution for a human reply. On resume the
// carried reply becomes the node's outputs and the walk continues.
func (e *Executor) runClientInput(ec *ExecutionContext, spec *NodeSpec, _ map[string]any) (*nodeResult, error) {
	if ec.ResumeValue != nil {
		outputs := e.filterOutputs(spec, ec.ResumeValue)
		ec.ResumeValue = nil
		return &nodeResult{outputs: outputs, status: statusSuccess}, nil
	}
	e.publish(ec, eventbus.Event{
		Type:   eventbus.TypeClientInputRequested,
		NodeID: spec.ID,
		Text:   spec.Prompt,
	})
	return &nodeResult{
		status: statusSuccess,
		pause:  &store.ClientRequest{NodeID: spec.ID, Prompt: spec.Prompt},
	}, nil
}

// runSubGraph executes the embedded graph in a child execution with its
// own execution-scoped state and fresh visit counts. Stream-scoped state
// is shared through the common state store.
func (e *Executor) runSubGraph(ctx context.Context, ec *ExecutionContext, spec *NodeSpec, inputs map[string]any) (*nodeResult, error) {
	childID := ec.ExecutionID + ".sub." + spec.ID + fmt.Sprintf(".%d", ec.Visits(spec.ID))
	child := NewExecutionContext(childID, ec.StreamID, ec.Trigger)
	childExec, err := New(spec.SubGraph, e.opts)
	if err != nil {
		return nil, fmt.Errorf("sub_graph node %s: %w", spec.ID, err)
	}
	childRun := childExec.Execute(ctx, child, inputs)
	defer e.opts.State.DropExecution(childID)
	switch childRun.Status {
	case StatusCompleted:
		return &nodeResult{outputs: e.filterOutputs(spec, childRun.FinalOutput), status: statusSuccess}, nil
	case StatusCancelled:
		return nil, fmt.Errorf("%w: sub_graph node %s", ErrCancelled, spec.ID)
	default:
		msg := "sub-graph failed"
		if childRun.Error != nil {
			msg = childRun.Error.Error
		}
		return nil, fmt.Errorf("sub_graph node %s: %s", spec.ID, msg)
	}
}
