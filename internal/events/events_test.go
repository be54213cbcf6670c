package events

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"orderflow/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// collectSink records emitted events and can be made to fail or block.
type collectSink struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
	gate   chan struct{} // when set, Emit blocks until the gate closes
}

func (s *collectSink) Name() string { return "collect" }

func (s *collectSink) Emit(e domain.Event) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, e)
	return nil
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestAsyncPublisherDelivers(t *testing.T) {
	sink := &collectSink{}
	p := NewAsyncPublisher(16, testLogger(), sink)

	for i := 0; i < 5; i++ {
		p.Publish(domain.Event{OrderID: "o1", NewStatus: domain.OrderAcked, Timestamp: time.Now()})
	}
	p.Close()

	if got := sink.count(); got != 5 {
		t.Errorf("sink received %d events, want 5", got)
	}
	if p.Dropped() != 0 {
		t.Errorf("dropped = %d, want 0", p.Dropped())
	}
}

func TestAsyncPublisherNeverBlocks(t *testing.T) {
	gate := make(chan struct{})
	sink := &collectSink{gate: gate}
	p := NewAsyncPublisher(2, testLogger(), sink)

	// With the sink blocked, the queue (plus the in-flight event) fills and
	// further publishes must return immediately, dropping the excess.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			p.Publish(domain.Event{OrderID: "o1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if p.Dropped() == 0 {
		t.Error("expected drops with a blocked sink and a tiny queue")
	}

	close(gate)
	p.Close()
}

func TestAsyncPublisherSinkFailureSwallowed(t *testing.T) {
	failing := &collectSink{err: errors.New("bus unavailable")}
	ok := &collectSink{}
	p := NewAsyncPublisher(16, testLogger(), failing, ok)

	p.Publish(domain.Event{OrderID: "o1"})
	p.Close()

	// The failing sink must not prevent delivery to the healthy one.
	if got := ok.count(); got != 1 {
		t.Errorf("healthy sink received %d events, want 1", got)
	}
}

func TestPublishAfterClose(t *testing.T) {
	p := NewAsyncPublisher(4, testLogger())
	p.Close()
	// Must neither panic nor block.
	p.Publish(domain.Event{OrderID: "o1"})
	if p.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", p.Dropped())
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Broadcast(domain.Event{OrderID: "o1", NewStatus: domain.OrderFilled})

	for _, sub := range []*Subscription{a, b} {
		select {
		case e := <-sub.C:
			if e.OrderID != "o1" {
				t.Errorf("received event for %s, want o1", e.OrderID)
			}
		default:
			t.Error("subscriber missed broadcast")
		}
	}

	// A full subscriber is skipped, not waited on.
	full := h.Subscribe(0)
	h.Broadcast(domain.Event{OrderID: "o2"})
	h.Unsubscribe(full)

	// Unsubscribed channels are closed.
	if _, open := <-full.C; open {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestJournalSinkRoundTrip(t *testing.T) {
	s := NewJournalSink(t.TempDir())
	day := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	for i, status := range []domain.OrderStatus{domain.OrderAcked, domain.OrderFilled} {
		err := s.Emit(domain.Event{
			BatchID:   "b1",
			OrderID:   "o1",
			Broker:    "zerodha-mock",
			Symbol:    "AAPL",
			NewStatus: status,
			Timestamp: day.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	records, err := s.ReadDay(day)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("journalled %d records, want 2", len(records))
	}
	if records[0].NewStatus != "acked" || records[1].NewStatus != "filled" {
		t.Errorf("statuses = %s, %s", records[0].NewStatus, records[1].NewStatus)
	}

	// A day with no events reads back empty, not as an error.
	empty, err := s.ReadDay(day.AddDate(0, 0, 5))
	if err != nil {
		t.Fatalf("ReadDay(empty): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("empty day returned %d records", len(empty))
	}
}
