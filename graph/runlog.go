package graph

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Per-node outcome values used by on_success/on_failure conditions.
const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// DecisionOption is one candidate considered at a conditional choice.
type DecisionOption struct {
	ID        string `json:"id"`
	Condition string `json:"condition,omitempty"`
	Target    string `json:"target,omitempty"`
}

// Decision records one conditional choice the executor made: an edge
// selection or a router output. Append-only within a RunLog.
type Decision struct {
	ID        string           `json:"id"`
	NodeID    string           `json:"node_id"`
	Intent    string           `json:"intent"`
	Options   []DecisionOption `json:"options,omitempty"`
	ChosenID  string           `json:"chosen_id"`
	Reasoning string           `json:"reasoning,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
}

// NodeVisit records one execution of a node.
type NodeVisit struct {
	NodeID   string        `json:"node_id"`
	Visit    int           `json:"visit"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// NodeCost is the token usage attributed to one node across all its
// visits.
type NodeCost struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	LLMCalls         int `json:"llm_calls"`
}

// CostSummary accumulates token usage over an execution.
type CostSummary struct {
	PromptTokens     int                 `json:"prompt_tokens"`
	CompletionTokens int                 `json:"completion_tokens"`
	LLMCalls         int                 `json:"llm_calls"`
	ByNode           map[string]NodeCost `json:"by_node,omitempty"`
}

func (c *CostSummary) add(nodeID string, prompt, completion int) {
	c.PromptTokens += prompt
	c.CompletionTokens += completion
	c.LLMCalls++
	if c.ByNode == nil {
		c.ByNode = make(map[string]NodeCost)
	}
	nc := c.ByNode[nodeID]
	nc.PromptTokens += prompt
	nc.CompletionTokens += completion
	nc.LLMCalls++
	c.ByNode[nodeID] = nc
}

// RunLog is the durable record of one execution. Appends are guarded so
// parallel branches can record visits and decisions concurrently.
type RunLog struct {
	mu sync.Mutex

	RunID   string     `json:"run_id"`
	GoalID  string     `json:"goal_id,omitempty"`
	GraphID string     `json:"graph_id"`
	Start   time.Time  `json:"start"`
	End     *time.Time `json:"end,omitempty"`
	Status  Status     `json:"status"`

	Decisions   []Decision     `json:"decisions,omitempty"`
	NodeVisits  []NodeVisit    `json:"node_visits,omitempty"`
	FinalOutput map[string]any `json:"final_output,omitempty"`
	Error       *Envelope      `json:"error,omitempty"`
	CostSummary CostSummary    `json:"cost_summary"`
}

func newRunLog(graphID, goalID string) *RunLog {
	return &RunLog{
		RunID:   "run_" + uuid.New().String(),
		GraphID: graphID,
		GoalID:  goalID,
		Start:   time.Now().UTC(),
		Status:  StatusRunning,
	}
}

func (r *RunLog) finish(status Status) {
	now := time.Now().UTC()
	r.End = &now
	r.Status = status
}

func (r *RunLog) recordDecision(d Decision) {
	if d.ID == "" {
		d.ID = "dec_" + uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Decisions = append(r.Decisions, d)
}

func (r *RunLog) recordVisit(v NodeVisit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NodeVisits = append(r.NodeVisits, v)
}

func (r *RunLog) addCost(nodeID string, prompt, completion int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CostSummary.add(nodeID, prompt, completion)
}

// Duration of the run; zero until finished.
func (r *RunLog) Duration() time.Duration {
	if r.End == nil {
		return 0
	}
	return r.End.Sub(r.Start)
}
