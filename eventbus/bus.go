// Package eventbus provides process-wide typed publish/subscribe for
// execution, node, delta, tool-call and checkpoint events.
//
// Subscribers receive events in publish order for any given execution.
// Slow subscribers never block publishers: each subscription has a bounded
// buffer and the oldest event is dropped when it fills, with a synthetic
// SubscriberLag event recording the loss.
package eventbus

import (
	"sync"
	"time"

	"github.com/aden-hive/hive-sub001/log"
)

// DefaultBufferSize is the per-subscriber buffer capacity.
const DefaultBufferSize = 1024

// Filter selects which events a subscription receives. Zero-value fields
// match everything.
type Filter struct {
	// Types restricts delivery to the listed event types.
	Types []Type

	// ExecutionID restricts delivery to one execution.
	ExecutionID string

	// StreamID restricts delivery to one stream.
	StreamID string
}

func (f Filter) matches(e Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.StreamID != "" && e.StreamID != f.StreamID {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

// Subscription is a registered event consumer. Events arrive on C in
// publish order per execution. Closed by Unsubscribe or Bus.Close.
type Subscription struct {
	C <-chan Event

	bus    *Bus
	ch     chan Event
	filter Filter

	mu      sync.Mutex
	dropped int
	closed  bool
}

// Dropped returns the total number of events lost on this subscription.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver enqueues an event, evicting the oldest buffered event when full.
// An eviction leaves a SubscriberLag marker behind the new event. Lag markers
// are never silently lost: when one is evicted its Dropped count is folded
// into the marker written for this delivery.
func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// lost counts data events evicted here; carried folds in the Dropped
	// totals of any evicted lag markers, which were already accounted for
	// in s.dropped when they were created.
	lost, carried := 0, 0
	evictOne := func() {
		select {
		case old := <-s.ch:
			if old.Type == TypeSubscriberLag {
				carried += old.Dropped
			} else {
				lost++
			}
		default:
			// Consumer drained concurrently; there is room now.
		}
	}

	for {
		select {
		case s.ch <- e:
		default:
			evictOne()
			continue
		}
		break
	}

	if lost+carried == 0 {
		return
	}
	lag := Event{
		Type:        TypeSubscriberLag,
		ExecutionID: e.ExecutionID,
		StreamID:    e.StreamID,
		TS:          time.Now(),
	}
	for {
		lag.Dropped = lost + carried
		select {
		case s.ch <- lag:
			s.dropped += lost
			return
		default:
			evictOne()
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Bus is a process-wide event bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	seqs   map[string]uint64 // execution_id → last assigned seq
	closed bool
	logger log.Logger
}

// New creates an event bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		seqs:   make(map[string]uint64),
		logger: log.GetDefaultLogger(),
	}
}

// SetLogger overrides the bus logger.
func (b *Bus) SetLogger(logger log.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Publish assigns the event's per-execution sequence number and fans it out
// to all matching subscribers. It never blocks on a slow subscriber.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return e
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	if e.ExecutionID != "" {
		b.seqs[e.ExecutionID]++
		e.Seq = b.seqs[e.ExecutionID]
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.filter.matches(e) {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(e)
	}
	return e
}

// Subscribe registers a consumer with the default buffer size.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	return b.SubscribeBuffered(filter, DefaultBufferSize)
}

// SubscribeBuffered registers a consumer with an explicit buffer capacity.
func (b *Bus) SubscribeBuffered(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{
		C:      ch,
		bus:    b,
		ch:     ch,
		filter: filter,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel, releasing
// its buffer.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Forget discards sequence tracking for a finished execution. Called by
// the runtime after the execution's terminal event has been published.
func (b *Bus) Forget(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seqs, executionID)
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
