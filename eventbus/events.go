package eventbus

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of an Event.
type Type string

// Event types published by the runtime.
const (
	// Execution lifecycle
	TypeExecutionStarted   Type = "execution_started"
	TypeExecutionCompleted Type = "execution_completed"
	TypeExecutionFailed    Type = "execution_failed"

	// Node lifecycle
	TypeNodeStarted       Type = "node_started"
	TypeNodeCompleted     Type = "node_completed"
	TypeNodeLoopStarted   Type = "node_loop_started"
	TypeNodeLoopIteration Type = "node_loop_iteration"

	// Streaming deltas
	TypeLLMTextDelta      Type = "llm_text_delta"
	TypeClientOutputDelta Type = "client_output_delta"

	// Human in the loop
	TypeClientInputRequested Type = "client_input_requested"

	// Tool calls
	TypeToolCallStarted   Type = "tool_call_started"
	TypeToolCallCompleted Type = "tool_call_completed"

	// Persistence
	TypeCheckpointCreated Type = "checkpoint_created"

	// Synthetic event inserted when a slow subscriber loses events.
	// Never itself dropped: it is the ground truth of loss.
	TypeSubscriberLag Type = "subscriber_lag"
)

// Event is the unit published on the Bus. Sequence numbers are per
// execution, assigned by the Bus at publish time, gapless from 1.
type Event struct {
	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	StreamID    string    `json:"stream_id,omitempty"`
	Seq         uint64    `json:"seq"`
	TS          time.Time `json:"ts"`

	// NodeID is set for node-scoped events and delta events.
	NodeID string `json:"node_id,omitempty"`

	// Text carries the delta payload for LLMTextDelta and ClientOutputDelta.
	Text string `json:"text,omitempty"`

	// RunID references the final RunLog on terminal events.
	RunID string `json:"run_id,omitempty"`

	// Reason qualifies failure events (e.g. "cancelled", "budget_exceeded").
	Reason string `json:"reason,omitempty"`

	// Dropped is the number of events lost, set on SubscriberLag.
	Dropped int `json:"dropped,omitempty"`

	// CheckpointID references the checkpoint on CheckpointCreated.
	CheckpointID string `json:"checkpoint_id,omitempty"`

	// Payload carries any additional type-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}

// MarshalJSON renders the event with an ISO-8601 timestamp.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal(struct {
		alias
		TS string `json:"ts"`
	}{alias(e), e.TS.UTC().Format(time.RFC3339Nano)})
}

// Terminal reports whether the event ends an execution's event stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeExecutionCompleted, TypeExecutionFailed:
		return true
	default:
		return false
	}
}
