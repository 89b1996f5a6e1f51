package graph

import (
	"sync"
	"time"
)

// ExecutionContext is the runtime identity of one graph run. Created by
// an ExecutionStream (or directly for ad-hoc runs), mutated only by the
// executor goroutine that owns it; parallel branches serialize their
// visit-count updates through the embedded mutex.
type ExecutionContext struct {
	ExecutionID string
	StreamID    string
	Trigger     string
	StartTime   time.Time

	Status      Status
	CurrentNode string

	// ResumeValue carries the client's reply into a resumed execution;
	// the paused node's outputs are built from it.
	ResumeValue map[string]any

	mu          sync.Mutex
	visitCounts map[string]int
}

// NewExecutionContext builds a fresh context for an execution id.
func NewExecutionContext(executionID, streamID, trigger string) *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: executionID,
		StreamID:    streamID,
		Trigger:     trigger,
		StartTime:   time.Now().UTC(),
		Status:      StatusRunning,
		visitCounts: make(map[string]int),
	}
}

// visit increments and returns the visit count of a node.
func (ec *ExecutionContext) visit(nodeID string) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.visitCounts == nil {
		ec.visitCounts = make(map[string]int)
	}
	ec.visitCounts[nodeID]++
	return ec.visitCounts[nodeID]
}

// unvisit rolls back one visit, used when a pause visit must not
// consume loop budget.
func (ec *ExecutionContext) unvisit(nodeID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.visitCounts[nodeID] > 0 {
		ec.visitCounts[nodeID]--
	}
}

// Visits returns the current visit count of a node.
func (ec *ExecutionContext) Visits(nodeID string) int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.visitCounts[nodeID]
}

// VisitCounts returns a copy of the visit bookkeeping, used when
// snapshotting a checkpoint.
func (ec *ExecutionContext) VisitCounts() map[string]int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[string]int, len(ec.visitCounts))
	for k, v := range ec.visitCounts {
		out[k] = v
	}
	return out
}

// RestoreVisitCounts replaces the visit bookkeeping, used on resume.
func (ec *ExecutionContext) RestoreVisitCounts(counts map[string]int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.visitCounts = make(map[string]int, len(counts))
	for k, v := range counts {
		ec.visitCounts[k] = v
	}
}
