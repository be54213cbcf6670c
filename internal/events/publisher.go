// Package events implements best-effort, fire-and-forget publication of
// order lifecycle events. Publication never fails the primary operation and
// never blocks it: the publisher is at-most-once telemetry, not a source of
// truth, and downstream consumers reconcile from durable order state.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"orderflow/internal/domain"
)

// Publisher accepts lifecycle events. Implementations must be non-blocking
// and must never surface failures to the caller.
type Publisher interface {
	Publish(e domain.Event)
}

// Sink receives events off the publisher's queue. Sink errors are logged and
// counted, never propagated.
type Sink interface {
	Name() string
	Emit(e domain.Event) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(domain.Event) {}

// Compile-time interface checks.
var (
	_ Publisher = (*AsyncPublisher)(nil)
	_ Publisher = NopPublisher{}
)

// AsyncPublisher decouples event emission from the request path with a
// bounded queue drained by a single worker. When the queue is full the new
// event is dropped and counted; backpressure must never stall order
// processing.
type AsyncPublisher struct {
	queue   chan domain.Event
	sinks   []Sink
	log     *slog.Logger
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAsyncPublisher creates an AsyncPublisher with the given queue size and
// sinks and starts its worker.
func NewAsyncPublisher(queueSize int, log *slog.Logger, sinks ...Sink) *AsyncPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &AsyncPublisher{
		queue: make(chan domain.Event, queueSize),
		sinks: sinks,
		log:   log,
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish implements Publisher. It never blocks: if the queue is full the
// event is dropped and the drop counter incremented.
func (p *AsyncPublisher) Publish(e domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped.Add(1)
		return
	}
	select {
	case p.queue <- e:
	default:
		n := p.dropped.Add(1)
		p.log.Warn("event queue full, dropping event",
			"order_id", e.OrderID, "total_dropped", n)
	}
}

// Dropped returns the number of events dropped so far.
func (p *AsyncPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close stops the worker after draining queued events.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		for _, sink := range p.sinks {
			if err := sink.Emit(e); err != nil {
				p.log.Warn("event sink failed",
					"sink", sink.Name(), "order_id", e.OrderID, "error", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// LogSink writes every event to the structured log.
type LogSink struct {
	Log *slog.Logger
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Emit implements Sink.
func (s LogSink) Emit(e domain.Event) error {
	s.Log.Info("order event",
		"batch_id", e.BatchID,
		"order_id", e.OrderID,
		"old_status", e.OldStatus,
		"new_status", e.NewStatus,
		"broker", e.Broker,
	)
	return nil
}
