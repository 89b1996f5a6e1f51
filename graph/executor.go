package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aden-hive/hive-sub001/eventbus"
	"github.com/aden-hive/hive-sub001/llm"
	"github.com/aden-hive/hive-sub001/log"
	"github.com/aden-hive/hive-sub001/state"
	"github.com/aden-hive/hive-sub001/store"
	"github.com/aden-hive/hive-sub001/store/memory"
	"github.com/aden-hive/hive-sub001/tool"
)

// Default call deadlines, overridable per Options.
const (
	DefaultLLMTimeout  = 120 * time.Second
	DefaultToolTimeout = 30 * time.Second
	DefaultWorkerPool  = 8
)

// Options wires an Executor to its collaborators. State is the only
// hard requirement for graphs without LLM or tool nodes.
type Options struct {
	State       *state.Store
	Bus         *eventbus.Bus
	Checkpoints store.CheckpointStore
	Tools       *tool.Registry
	Providers   *llm.Pool
	Functions   map[string]Function
	Logger      log.Logger

	Retry       RetryConfig
	LLMTimeout  time.Duration
	ToolTimeout time.Duration
	ToolCallCap int

	// Workers bounds concurrently offloaded synchronous functions.
	Workers int

	// MaxSteps caps total node executions per run; 0 means unlimited.
	MaxSteps int

	// MaxCheckpoints keeps only the N most recent checkpoints per
	// execution when the store supports pruning; 0 keeps everything.
	MaxCheckpoints int

	// Guard, when set, is consulted before the walk starts; a non-nil
	// error aborts the run with a budget failure.
	Guard func(ctx context.Context) error
}

// Executor drives one GraphSpec to a terminal state.
type Executor struct {
	graph   *GraphSpec
	opts    Options
	logger  log.Logger
	workers chan struct{}
}

// New builds an executor over a compiled graph, applying option
// defaults and checking that every node variant in the graph has the
// collaborator it needs.
func New(g *GraphSpec, opts Options) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("%w: nil graph", ErrInvalidGraph)
	}
	if g.nodesByID == nil {
		if err := g.compile(); err != nil {
			return nil, err
		}
	}
	if opts.State == nil {
		opts.State = state.New()
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Checkpoints == nil {
		opts.Checkpoints = memory.NewMemoryCheckpointStore()
	}
	if opts.Logger == nil {
		opts.Logger = log.GetDefaultLogger()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = DefaultLLMTimeout
	}
	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkerPool
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Type {
		case NodeLLMGenerate, NodeLLMToolUse, NodeRouter:
			if opts.Providers == nil && !(n.Type == NodeRouter && n.Function != "") {
				return nil, fmt.Errorf("%w: node %q needs an LLM provider pool", ErrInvalidGraph, n.ID)
			}
			if n.Type == NodeLLMToolUse && opts.Tools == nil {
				return nil, fmt.Errorf("%w: node %q needs a tool registry", ErrInvalidGraph, n.ID)
			}
		case NodeFunction:
			if _, ok := opts.Functions[n.Function]; !ok {
				return nil, fmt.Errorf("%w: node %q references %q", ErrNodeNotRegistered, n.ID, n.Function)
			}
		}
	}

	return &Executor{
		graph:   g,
		opts:    opts,
		logger:  opts.Logger,
		workers: make(chan struct{}, opts.Workers),
	}, nil
}

// Graph returns the spec this executor runs.
func (e *Executor) Graph() *GraphSpec { return e.graph }

func (e *Executor) publish(ec *ExecutionContext, ev eventbus.Event) {
	ev.ExecutionID = ec.ExecutionID
	ev.StreamID = ec.StreamID
	e.opts.Bus.Publish(ev)
}

// walkResult is what a walk (main or branch) ends with.
type walkResult struct {
	finalOutputs map[string]any
	lastNode     string
	pause        *store.ClientRequest
	pauseNode    string
}

// Execute drives the graph from the context's current node (or the
// entry node) to a terminal state and returns the RunLog. Never panics;
// failures are reported through the RunLog's status and error envelope.
func (e *Executor) Execute(ctx context.Context, ec *ExecutionContext, input map[string]any) *RunLog {
	run := newRunLog(e.graph.ID, e.graph.GoalID)

	for k, v := range input {
		// Seeding is execution-private by definition.
		if err := e.opts.State.Put(state.ScopeExecution, ec.ExecutionID, k, v, state.IsolationIsolated); err != nil {
			e.logger.Error("seed input %q: %v", k, err)
		}
	}

	start := ec.CurrentNode
	if start == "" {
		start = e.graph.EntryNode
	}

	e.publish(ec, eventbus.Event{Type: eventbus.TypeExecutionStarted, NodeID: start})

	if e.opts.Guard != nil {
		if err := e.opts.Guard(ctx); err != nil {
			return e.fail(ec, run, start, fmt.Errorf("%w: %v", ErrBudgetExceeded, err))
		}
	}

	result, err := e.walk(ctx, ec, run, start, "", false)
	switch {
	case err != nil && (errors.Is(err, ErrCancelled) || ctx.Err() != nil):
		return e.cancelled(ec, run, err)
	case err != nil:
		return e.fail(ec, run, ec.CurrentNode, err)
	case result.pause != nil:
		return e.paused(ec, run, result)
	default:
		run.FinalOutput = result.finalOutputs
		run.finish(StatusCompleted)
		ec.Status = StatusCompleted
		e.publish(ec, eventbus.Event{Type: eventbus.TypeExecutionCompleted, RunID: run.RunID})
		return run
	}
}

// walk runs nodes from current until a terminal node, a pause, stopAt
// (branch convergence), or a failure. The returned lastNode identifies
// whose outputs finalOutputs are. Branch walks run concurrently over
// the shared context, so only the owning walk (branch == false) moves
// ec.CurrentNode; a fan-out's position stays at the fan-out source
// until its branches converge.
func (e *Executor) walk(ctx context.Context, ec *ExecutionContext, run *RunLog, current, stopAt string, branch bool) (*walkResult, error) {
	lastStatus := statusSuccess
	var lastOutputs map[string]any
	lastNode := current
	steps := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if current == "" {
			return &walkResult{finalOutputs: lastOutputs, lastNode: lastNode}, nil
		}
		if stopAt != "" && current == stopAt {
			// Branch reached the convergence node; the fan-out parent
			// executes it once all branches are in.
			return &walkResult{finalOutputs: lastOutputs, lastNode: lastNode}, nil
		}

		spec := e.graph.Node(current)
		if spec == nil {
			return nil, fmt.Errorf("%w: node %q not found", ErrInvalidGraph, current)
		}
		if !branch {
			ec.CurrentNode = current
		}
		terminal := e.graph.IsTerminal(current)

		visits := ec.visit(current)
		if !terminal && visits > spec.MaxVisits() {
			return nil, fmt.Errorf("%w: node %s visited %d times, cap %d", ErrLoopBudgetExceeded, current, visits, spec.MaxVisits())
		}
		if e.opts.MaxSteps > 0 {
			steps++
			if steps > e.opts.MaxSteps {
				return nil, fmt.Errorf("%w: more than %d node executions", ErrBudgetExceeded, e.opts.MaxSteps)
			}
		}
		switch visits {
		case 1:
		case 2:
			e.publish(ec, eventbus.Event{Type: eventbus.TypeNodeLoopStarted, NodeID: current, Payload: map[string]any{"visit": visits}})
		default:
			e.publish(ec, eventbus.Event{Type: eventbus.TypeNodeLoopIteration, NodeID: current, Payload: map[string]any{"visit": visits}})
		}

		e.publish(ec, eventbus.Event{Type: eventbus.TypeNodeStarted, NodeID: current, Payload: map[string]any{"visit": visits}})
		started := time.Now()
		result, err := e.runNode(ctx, ec, run, spec)
		visit := NodeVisit{NodeID: current, Visit: visits, Duration: time.Since(started)}

		if err != nil {
			visit.Status = statusFailure
			visit.Error = err.Error()
			run.recordVisit(visit)
			run.recordDecision(Decision{
				NodeID:  current,
				Intent:  "node_execution",
				Outcome: statusFailure,
			})
			e.publish(ec, eventbus.Event{Type: eventbus.TypeNodeCompleted, NodeID: current, Reason: err.Error(), Payload: map[string]any{"status": statusFailure, "visit": visits}})
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				return nil, err
			}
			return nil, &NodeError{NodeID: current, Err: err}
		}

		visit.Status = result.status
		run.recordVisit(visit)
		e.publish(ec, eventbus.Event{Type: eventbus.TypeNodeCompleted, NodeID: current, Payload: map[string]any{"status": result.status, "visit": visits}})

		if result.pause != nil {
			// The pause visit does not consume loop budget; the node
			// re-runs on resume.
			ec.unvisit(current)
			return &walkResult{pause: result.pause, pauseNode: current}, nil
		}

		for k, v := range result.outputs {
			if err := e.opts.State.Put(state.ScopeExecution, ec.ExecutionID, k, v, state.IsolationIsolated); err != nil {
				e.logger.Error("write output %q of node %s: %v", k, current, err)
			}
		}
		lastOutputs = result.outputs
		lastNode = current
		lastStatus = result.status

		if terminal {
			return &walkResult{finalOutputs: result.outputs, lastNode: current}, nil
		}

		if targets := e.graph.ParallelTargets(current); targets != nil {
			conv, _ := e.graph.Convergence(current)
			if err := e.runBranches(ctx, ec, run, targets, conv); err != nil {
				return nil, err
			}
			current = conv
			lastStatus = statusSuccess
			continue
		}

		next, err := e.selectEdge(ec, run, spec, result, lastStatus)
		if err != nil {
			return nil, err
		}
		current = next
	}
}

// selectEdge applies the edge selection policy: candidates in ascending
// priority order with stable id tie-break, first true condition wins.
func (e *Executor) selectEdge(ec *ExecutionContext, run *RunLog, spec *NodeSpec, result *nodeResult, lastStatus string) (string, error) {
	edges := e.graph.Outgoing(spec.ID)
	if len(edges) == 0 {
		return "", fmt.Errorf("%w: node %s has no outgoing edges and is not terminal", ErrNoMatchingEdge, spec.ID)
	}

	ns := e.opts.State.Snapshot(ec.ExecutionID)
	var chosen *EdgeSpec
	for _, edge := range edges {
		if edge.cond.eval(ns, lastStatus) {
			chosen = edge
			break
		}
	}

	if e.isConditional(edges) {
		d := Decision{
			NodeID:    spec.ID,
			Intent:    "edge_selection",
			Reasoning: result.reasoning,
			Outcome:   statusSuccess,
		}
		for _, edge := range edges {
			d.Options = append(d.Options, DecisionOption{ID: edge.ID, Condition: edge.Condition, Target: edge.Target})
		}
		if chosen != nil {
			d.ChosenID = chosen.ID
		} else {
			d.Outcome = statusFailure
		}
		run.recordDecision(d)
	}

	if chosen == nil {
		return "", fmt.Errorf("%w: node %s, %d candidate edges", ErrNoMatchingEdge, spec.ID, len(edges))
	}
	return chosen.Target, nil
}

// isConditional reports whether an edge set represents a real choice
// worth a Decision record.
func (e *Executor) isConditional(edges []*EdgeSpec) bool {
	if len(edges) > 1 {
		return true
	}
	return edges[0].Condition != "always"
}

// runBranches executes the fan-out targets concurrently, each walking
// until the convergence node. The union of branch outputs is written to
// the execution namespace keyed by the branch's last node id.
func (e *Executor) runBranches(ctx context.Context, ec *ExecutionContext, run *RunLog, targets []string, convergence string) error {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			result, err := e.walk(branchCtx, ec, run, target, convergence, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			if result.pause != nil && firstErr == nil {
				firstErr = fmt.Errorf("node %s: client_input inside a parallel branch is not supported", result.pauseNode)
				cancel()
				return
			}
			if err := e.opts.State.Put(state.ScopeExecution, ec.ExecutionID, result.lastNode, result.finalOutputs, state.IsolationIsolated); err != nil {
				e.logger.Error("write branch output of %s: %v", result.lastNode, err)
			}
		}(target)
	}
	wg.Wait()
	if firstErr != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	return firstErr
}

// checkpoint snapshots the execution for resume at resumeNode.
func (e *Executor) checkpoint(ec *ExecutionContext, resumeNode string, pending *store.ClientRequest) (string, error) {
	cp := &store.Checkpoint{
		ExecutionID:          ec.ExecutionID,
		StreamID:             ec.StreamID,
		CreatedAt:            time.Now().UTC(),
		ResumeNode:           resumeNode,
		State:                e.opts.State.Snapshot(ec.ExecutionID),
		VisitCounts:          ec.VisitCounts(),
		PendingClientRequest: pending,
	}
	if latest, err := e.opts.Checkpoints.LatestFor(context.Background(), ec.ExecutionID); err == nil {
		cp.ParentID = latest.ID
	}
	id, err := e.opts.Checkpoints.Save(context.Background(), cp)
	if err != nil {
		return "", err
	}
	if e.opts.MaxCheckpoints > 0 {
		if pruner, ok := e.opts.Checkpoints.(store.Pruner); ok {
			if err := pruner.Prune(context.Background(), ec.ExecutionID, e.opts.MaxCheckpoints); err != nil {
				e.logger.Warn("prune checkpoints of %s: %v", ec.ExecutionID, err)
			}
		}
	}
	e.publish(ec, eventbus.Event{Type: eventbus.TypeCheckpointCreated, NodeID: resumeNode, CheckpointID: id})
	return id, nil
}

func (e *Executor) paused(ec *ExecutionContext, run *RunLog, result *walkResult) *RunLog {
	if _, err := e.checkpoint(ec, result.pauseNode, result.pause); err != nil {
		return e.fail(ec, run, result.pauseNode, fmt.Errorf("persist pause checkpoint: %w", err))
	}
	ec.CurrentNode = result.pauseNode
	ec.Status = StatusPaused
	run.finish(StatusPaused)
	return run
}

func (e *Executor) fail(ec *ExecutionContext, run *RunLog, nodeID string, err error) *RunLog {
	env := Envelop(err)
	run.Error = &env
	run.finish(StatusFailed)
	ec.Status = StatusFailed

	reason := env.Category
	if errors.Is(err, ErrBudgetExceeded) {
		reason = "budget_exceeded"
	}
	if _, cpErr := e.checkpoint(ec, nodeID, nil); cpErr != nil {
		e.logger.Error("persist failure checkpoint for %s: %v", ec.ExecutionID, cpErr)
	}
	e.publish(ec, eventbus.Event{Type: eventbus.TypeExecutionFailed, RunID: run.RunID, Reason: reason, NodeID: nodeID})
	e.logger.Warn("execution %s failed at %s: %v", ec.ExecutionID, nodeID, err)
	return run
}

func (e *Executor) cancelled(ec *ExecutionContext, run *RunLog, err error) *RunLog {
	if !errors.Is(err, ErrCancelled) {
		err = fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	env := Envelop(err)
	run.Error = &env
	run.finish(StatusCancelled)
	ec.Status = StatusCancelled

	if _, cpErr := e.checkpoint(ec, ec.CurrentNode, nil); cpErr != nil {
		e.logger.Error("persist cancel checkpoint for %s: %v", ec.ExecutionID, cpErr)
	}
	e.publish(ec, eventbus.Event{Type: eventbus.TypeExecutionFailed, RunID: run.RunID, Reason: "cancelled", NodeID: ec.CurrentNode})
	return run
}
