package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aden-hive/hive-sub001/graph"
)

// TriggerKind identifies what activates a stream's executions.
type TriggerKind string

const (
	TriggerManual    TriggerKind = "manual"
	TriggerEventLoop TriggerKind = "event_loop"
	TriggerCron      TriggerKind = "cron"
	TriggerWebhook   TriggerKind = "webhook"
	TriggerChat      TriggerKind = "chat"
)

var (
	// ErrStreamNotStarted is returned by Trigger before Start.
	ErrStreamNotStarted = errors.New("stream not started")

	// ErrStreamStopped is returned by Trigger after Stop.
	ErrStreamStopped = errors.New("stream stopped")

	// ErrUnknownExecution is returned when an execution id is neither
	// running nor retained in the recent-run buffer.
	ErrUnknownExecution = errors.New("unknown execution")
)

// defaultConcurrency is the per-kind concurrency default: cron streams
// run one execution at a time, everything else four.
func defaultConcurrency(kind TriggerKind) int {
	if kind == TriggerCron {
		return 1
	}
	return 4
}

// StreamConfig configures one ExecutionStream.
type StreamConfig struct {
	Kind TriggerKind

	// MaxConcurrency bounds simultaneously running executions. Zero
	// selects the kind default; the runtime's MaxStreamConcurrency is a
	// hard ceiling either way.
	MaxConcurrency int

	// Interval drives cron streams: Start launches a ticker that
	// triggers a synthetic tick every Interval. Ignored for other kinds.
	Interval time.Duration

	// TickInput builds the input of each cron tick. Nil produces
	// {"tick": <RFC3339 timestamp>}.
	TickInput func() map[string]any
}

// execution tracks one in-flight run of a stream.
type execution struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	run    *graph.RunLog // set before done is closed
}

// Stream owns a trigger source and a set of concurrently running
// executions. At most MaxConcurrency executions run at once; admitted
// executions start in trigger order.
type Stream struct {
	name string
	kind TriggerKind
	rt   *Runtime
	sem  chan struct{}

	// admit serializes admission so that execution starts follow
	// trigger order even under concurrent Trigger callers.
	admit sync.Mutex

	mu       sync.Mutex
	started  bool
	stopped  bool
	running  map[string]*execution
	wg       sync.WaitGroup
	ticker   *time.Ticker
	tickStop chan struct{}

	cfg StreamConfig
}

func newStream(rt *Runtime, name string, cfg StreamConfig) *Stream {
	limit := cfg.MaxConcurrency
	if limit <= 0 {
		limit = defaultConcurrency(cfg.Kind)
	}
	if limit > rt.opts.MaxStreamConcurrency {
		limit = rt.opts.MaxStreamConcurrency
	}
	return &Stream{
		name:    name,
		kind:    cfg.Kind,
		rt:      rt,
		sem:     make(chan struct{}, limit),
		running: make(map[string]*execution),
		cfg:     cfg,
	}
}

// Name returns the stream id.
func (s *Stream) Name() string { return s.name }

// Kind returns the trigger kind.
func (s *Stream) Kind() TriggerKind { return s.kind }

// MaxConcurrency returns the effective concurrency bound.
func (s *Stream) MaxConcurrency() int { return cap(s.sem) }

// Running returns the number of in-flight executions.
func (s *Stream) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Start makes the stream accept triggers. Idempotent; a stopped stream
// can be started again. Cron streams begin ticking here.
func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started && !s.stopped {
		return
	}
	s.started = true
	s.stopped = false
	if s.kind == TriggerCron && s.cfg.Interval > 0 && s.ticker == nil {
		s.ticker = time.NewTicker(s.cfg.Interval)
		s.tickStop = make(chan struct{})
		go s.tickLoop(s.ticker, s.tickStop)
	}
}

func (s *Stream) tickLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ts := <-ticker.C:
			input := map[string]any{"tick": ts.UTC().Format(time.RFC3339)}
			if s.cfg.TickInput != nil {
				input = s.cfg.TickInput()
			}
			if _, err := s.Trigger(context.Background(), input); err != nil {
				s.rt.logger.Warn("stream %s: cron tick not admitted: %v", s.name, err)
			}
		}
	}
}

// Trigger admits a new execution, blocking while the stream is at its
// concurrency limit, and returns its id once the execution has started.
func (s *Stream) Trigger(ctx context.Context, input map[string]any) (string, error) {
	s.mu.Lock()
	switch {
	case !s.started:
		s.mu.Unlock()
		return "", fmt.Errorf("stream %s: %w", s.name, ErrStreamNotStarted)
	case s.stopped:
		s.mu.Unlock()
		return "", fmt.Errorf("stream %s: %w", s.name, ErrStreamStopped)
	}
	s.mu.Unlock()

	s.admit.Lock()
	defer s.admit.Unlock()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	id := s.rt.newExecutionID()
	runCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{id: id, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		<-s.sem
		return "", fmt.Errorf("stream %s: %w", s.name, ErrStreamStopped)
	}
	s.running[id] = exec
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runExecution(runCtx, exec, input)
	return id, nil
}

func (s *Stream) runExecution(ctx context.Context, exec *execution, input map[string]any) {
	defer s.wg.Done()
	defer func() { <-s.sem }()
	defer exec.cancel()

	ec := graph.NewExecutionContext(exec.id, s.name, string(s.kind))
	run := s.rt.exec.Execute(ctx, ec, input)
	exec.run = run

	// Record the run before dropping it from the running map so WaitFor
	// never observes a gap between the two.
	s.rt.finish(exec.id, run)
	s.mu.Lock()
	delete(s.running, exec.id)
	s.mu.Unlock()
	close(exec.done)
}

// Cancel requests cooperative cancellation of one running execution.
func (s *Stream) Cancel(executionID string) error {
	s.mu.Lock()
	exec, ok := s.running[executionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	exec.cancel()
	return nil
}

// WaitFor blocks until the execution finishes and returns its RunLog.
// Finished executions are served from the recent-run buffer.
func (s *Stream) WaitFor(ctx context.Context, executionID string) (*graph.RunLog, error) {
	s.mu.Lock()
	exec, ok := s.running[executionID]
	s.mu.Unlock()
	if !ok {
		if run, found := s.rt.RunLogOf(executionID); found {
			return run, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}
	select {
	case <-exec.done:
		return exec.run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels all running executions and waits for them within the
// runtime's shutdown budget. Idempotent. Stragglers keep their cancel
// signal but are no longer waited on.
func (s *Stream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.tickStop)
		s.ticker = nil
		s.tickStop = nil
	}
	for _, exec := range s.running {
		exec.cancel()
	}
	remaining := len(s.running)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	budget := s.rt.opts.ShutdownTimeout
	select {
	case <-done:
		return nil
	case <-time.After(budget):
		return fmt.Errorf("stream %s: executions still running after %s (had %d in flight)", s.name, budget, remaining)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP makes a webhook stream an http.Handler: a POST body becomes
// the triggered execution's input, and the response carries its id.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.kind != TriggerWebhook {
		http.Error(w, "stream does not accept webhooks", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var input map[string]any
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, fmt.Sprintf(`{"error": %q}`, "invalid JSON body"), http.StatusBadRequest)
			return
		}
	}
	id, err := s.Trigger(r.Context(), input)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrStreamNotStarted) || errors.Is(err, ErrStreamStopped) {
			status = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf(`{"error": %q}`, err.Error()), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"execution_id": id})
}
