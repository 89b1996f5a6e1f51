package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for the executor's failure modes. Terminal RunLogs wrap
// one of these so callers can branch with errors.Is.
var (
	// ErrInvalidGraph is returned when graph validation fails at load time.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrNodeNotRegistered is returned when a function node references a
	// callable with no implementation.
	ErrNodeNotRegistered = errors.New("node function not registered")

	// ErrMissingInput is returned when a node's input key is absent from
	// the execution namespace.
	ErrMissingInput = errors.New("missing input")

	// ErrLoopBudgetExceeded is returned when a node is entered more than
	// its max_node_visits allows.
	ErrLoopBudgetExceeded = errors.New("loop budget exceeded")

	// ErrNoMatchingEdge is returned when a non-terminal node has no edge
	// whose condition evaluates true.
	ErrNoMatchingEdge = errors.New("no matching edge")

	// ErrToolLoopExceeded is returned when an llm_tool_use node issues
	// more tool calls than its cap allows.
	ErrToolLoopExceeded = errors.New("tool loop exceeded")

	// ErrBudgetExceeded is returned when a cost or step budget guard
	// trips before or during an execution.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrSchemaViolation is returned when an LLM output still fails its
	// schema after the corrective re-prompt.
	ErrSchemaViolation = errors.New("output schema violation")

	// ErrCancelled is returned when the execution's cancel signal fires.
	ErrCancelled = errors.New("execution cancelled")
)

// Error categories used in user-visible envelopes.
const (
	CategoryConfiguration = "configuration"
	CategoryInput         = "input"
	CategoryTransient     = "transient_io"
	CategoryFatalIO       = "fatal_io"
	CategoryBudget        = "budget"
	CategoryLoop          = "loop"
	CategorySchema        = "schema"
	CategoryCancelled     = "cancelled"
	CategoryCorruption    = "corruption"
)

// Envelope is the structured form errors take when surfaced to users:
// a message, optional remediation advice, and a category tag. Never a
// stack trace.
type Envelope struct {
	Error    string `json:"error"`
	Help     string `json:"help,omitempty"`
	Category string `json:"category,omitempty"`
}

// Envelop renders err as a user-visible envelope, classifying it against
// the executor's sentinels.
func Envelop(err error) Envelope {
	if err == nil {
		return Envelope{}
	}
	env := Envelope{Error: err.Error()}
	switch {
	case errors.Is(err, ErrInvalidGraph), errors.Is(err, ErrNodeNotRegistered):
		env.Category = CategoryConfiguration
		env.Help = "check the graph spec: every edge endpoint, entry node and function reference must resolve"
	case errors.Is(err, ErrMissingInput):
		env.Category = CategoryInput
		env.Help = "ensure upstream nodes produce every key listed in the node's input_keys"
	case errors.Is(err, ErrLoopBudgetExceeded):
		env.Category = CategoryLoop
		env.Help = "raise max_node_visits on the looping node or tighten its loop condition"
	case errors.Is(err, ErrNoMatchingEdge):
		env.Category = CategoryConfiguration
		env.Help = "add an 'always' fallback edge or mark the node terminal"
	case errors.Is(err, ErrToolLoopExceeded):
		env.Category = CategoryLoop
		env.Help = "the model kept calling tools without answering; raise the tool-call cap or adjust the prompt"
	case errors.Is(err, ErrBudgetExceeded):
		env.Category = CategoryBudget
	case errors.Is(err, ErrSchemaViolation):
		env.Category = CategorySchema
		env.Help = "the model could not produce output matching the node's schema after one corrective re-prompt"
	case errors.Is(err, ErrCancelled):
		env.Category = CategoryCancelled
	}
	return env
}

// NodeError wraps a failure with the node it occurred at.
type NodeError struct {
	NodeID string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
