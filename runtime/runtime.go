// Package runtime composes a graph executor, shared state, checkpoint
// store and event bus into an agent runtime, and layers execution
// streams with per-kind concurrency budgets on top of it.
package runtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aden-hive/hive-sub001/eventbus"
	"github.com/aden-hive/hive-sub001/graph"
	"github.com/aden-hive/hive-sub001/log"
	"github.com/aden-hive/hive-sub001/state"
	"github.com/aden-hive/hive-sub001/store"
	"github.com/aden-hive/hive-sub001/store/memory"
)

const (
	// DefaultMaxStreamConcurrency is the hard per-stream ceiling.
	DefaultMaxStreamConcurrency = 16

	// DefaultShutdownTimeout bounds how long Stop waits for in-flight
	// executions.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultMaxRecentRuns is the retained-RunLog ring size.
	DefaultMaxRecentRuns = 64
)

// Options configures a Runtime. Executor carries the collaborators the
// graph executor needs; nil collaborators get in-memory defaults.
type Options struct {
	Executor graph.Options

	// MaxStreamConcurrency is the upper bound any stream's concurrency
	// may be configured to.
	MaxStreamConcurrency int

	// ShutdownTimeout bounds Stop.
	ShutdownTimeout time.Duration

	// MaxRecentRuns bounds the ring of finished RunLogs kept for
	// inspection after their executions leave the running maps.
	MaxRecentRuns int

	Logger log.Logger
}

// Runtime is the composition root: it owns the graph spec, the shared
// state, the checkpoint store, the event bus and the executor, and
// tracks the execution streams layered on top.
type Runtime struct {
	exec   *graph.Executor
	opts   Options
	logger log.Logger

	st     *state.Store
	bus    *eventbus.Bus
	checks store.CheckpointStore

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu      sync.Mutex
	streams map[string]*Stream
	recent  *runRing
	stopped bool
}

// New builds a runtime over a compiled graph.
func New(g *graph.GraphSpec, opts Options) (*Runtime, error) {
	if opts.Executor.State == nil {
		opts.Executor.State = state.New()
	}
	if opts.Executor.Bus == nil {
		opts.Executor.Bus = eventbus.New()
	}
	if opts.Executor.Checkpoints == nil {
		opts.Executor.Checkpoints = memory.NewMemoryCheckpointStore()
	}
	if opts.Logger == nil {
		if opts.Executor.Logger != nil {
			opts.Logger = opts.Executor.Logger
		} else {
			opts.Logger = log.GetDefaultLogger()
		}
	}
	if opts.Executor.Logger == nil {
		opts.Executor.Logger = opts.Logger
	}
	if opts.MaxStreamConcurrency <= 0 {
		opts.MaxStreamConcurrency = DefaultMaxStreamConcurrency
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.MaxRecentRuns <= 0 {
		opts.MaxRecentRuns = DefaultMaxRecentRuns
	}

	exec, err := graph.New(g, opts.Executor)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		exec:    exec,
		opts:    opts,
		logger:  opts.Logger,
		st:      opts.Executor.State,
		bus:     opts.Executor.Bus,
		checks:  opts.Executor.Checkpoints,
		entropy: ulid.Monotonic(rand.Reader, 0),
		streams: make(map[string]*Stream),
		recent:  newRunRing(opts.MaxRecentRuns),
	}, nil
}

// Executor returns the underlying graph executor.
func (r *Runtime) Executor() *graph.Executor { return r.exec }

// Bus returns the runtime's event bus.
func (r *Runtime) Bus() *eventbus.Bus { return r.bus }

// State returns the runtime's shared state store.
func (r *Runtime) State() *state.Store { return r.st }

// Checkpoints returns the runtime's checkpoint store.
func (r *Runtime) Checkpoints() store.CheckpointStore { return r.checks }

// Subscribe registers an event consumer on the runtime bus.
func (r *Runtime) Subscribe(filter eventbus.Filter) *eventbus.Subscription {
	return r.bus.Subscribe(filter)
}

// newExecutionID mints a sortable execution id; monotonic ULIDs make
// trigger order observable in the ids themselves.
func (r *Runtime) newExecutionID() string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return "exec_" + ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
}

// AddStream registers a new execution stream under a unique name. The
// stream must be started before it accepts triggers.
func (r *Runtime) AddStream(name string, cfg StreamConfig) (*Stream, error) {
	if name == "" {
		return nil, fmt.Errorf("stream needs a name")
	}
	switch cfg.Kind {
	case TriggerManual, TriggerEventLoop, TriggerCron, TriggerWebhook, TriggerChat:
	case "":
		cfg.Kind = TriggerManual
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", cfg.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, fmt.Errorf("runtime stopped")
	}
	if _, exists := r.streams[name]; exists {
		return nil, fmt.Errorf("stream %q already registered", name)
	}
	s := newStream(r, name, cfg)
	r.streams[name] = s
	return s, nil
}

// Stream looks up a registered stream by name.
func (r *Runtime) Stream(name string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[name]
	return s, ok
}

// Run executes the graph once, outside any stream, and returns the
// execution id and its RunLog.
func (r *Runtime) Run(ctx context.Context, input map[string]any) (string, *graph.RunLog) {
	id := r.newExecutionID()
	ec := graph.NewExecutionContext(id, "", string(TriggerManual))
	run := r.exec.Execute(ctx, ec, input)
	r.finish(id, run)
	return id, run
}

// Resume restarts a paused execution from its latest checkpoint,
// delivering reply as the pending client_input node's outputs.
func (r *Runtime) Resume(ctx context.Context, executionID string, reply map[string]any) (*graph.RunLog, error) {
	cp, err := r.checks.LatestFor(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", executionID, err)
	}
	r.st.Restore(executionID, cp.State)

	// Resumed events keep the stream of the original trigger.
	ec := graph.NewExecutionContext(executionID, cp.StreamID, string(TriggerManual))
	ec.CurrentNode = cp.ResumeNode
	ec.RestoreVisitCounts(cp.VisitCounts)
	ec.ResumeValue = reply

	run := r.exec.Execute(ctx, ec, nil)
	r.finish(executionID, run)
	return run, nil
}

// finish retains the RunLog and releases per-execution resources once
// the execution is terminal. Paused executions keep their state and
// their event sequence counter for the resumed run.
func (r *Runtime) finish(executionID string, run *graph.RunLog) {
	r.mu.Lock()
	r.recent.push(executionID, run)
	r.mu.Unlock()

	if run.Status == graph.StatusPaused {
		return
	}
	r.st.DropExecution(executionID)
	r.bus.Forget(executionID)
}

// Recent returns the retained RunLogs, most recent last.
func (r *Runtime) Recent() []*graph.RunLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recent.list()
}

// RunLogOf returns the retained RunLog of a finished execution.
func (r *Runtime) RunLogOf(executionID string) (*graph.RunLog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recent.byExecution(executionID)
}

// Stop stops every stream, waiting out the shutdown budget, and closes
// the event bus. Idempotent.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, s := range streams {
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			if err := s.Stop(ctx); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	r.bus.Close()
	return firstErr
}

// runRing is a bounded ring of the most recent finished RunLogs.
type runRing struct {
	entries []ringEntry
	next    int
	size    int
}

type ringEntry struct {
	executionID string
	run         *graph.RunLog
}

func newRunRing(n int) *runRing {
	return &runRing{entries: make([]ringEntry, n)}
}

func (r *runRing) push(executionID string, run *graph.RunLog) {
	r.entries[r.next] = ringEntry{executionID: executionID, run: run}
	r.next = (r.next + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

func (r *runRing) list() []*graph.RunLog {
	out := make([]*graph.RunLog, 0, r.size)
	start := r.next - r.size
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)].run)
	}
	return out
}

// byExecution returns the most recent run retained for an execution id.
func (r *runRing) byExecution(executionID string) (*graph.RunLog, bool) {
	start := r.next - r.size
	if start < 0 {
		start += len(r.entries)
	}
	// Scan newest first so a resumed execution shadows its paused run.
	for i := r.size - 1; i >= 0; i-- {
		e := r.entries[(start+i)%len(r.entries)]
		if e.executionID == executionID {
			return e.run, true
		}
	}
	return nil, false
}
