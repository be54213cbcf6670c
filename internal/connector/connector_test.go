package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"orderflow/internal/domain"
)

func TestRegistryResolveCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register(NewMockConnector("Zerodha-Mock"))

	for _, name := range []string{"zerodha-mock", "ZERODHA-MOCK", "Zerodha-Mock"} {
		c, err := r.Resolve(name)
		if err != nil {
			t.Errorf("Resolve(%q): %v", name, err)
			continue
		}
		if c.Name() != "Zerodha-Mock" {
			t.Errorf("Resolve(%q).Name() = %q", name, c.Name())
		}
	}
}

func TestRegistryUnknownBroker(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nope"); err == nil {
		t.Error("Resolve of unknown broker should fail")
	}
}

func TestRegistrySubmitTimeout(t *testing.T) {
	r := NewRegistry()
	r.RegisterWithTimeout(NewMockConnector("slow"), 2*time.Second)
	r.Register(NewMockConnector("fast"))

	if d := r.SubmitTimeout("slow"); d != 2*time.Second {
		t.Errorf("SubmitTimeout(slow) = %v, want 2s", d)
	}
	if d := r.SubmitTimeout("fast"); d != DefaultSubmitTimeout {
		t.Errorf("SubmitTimeout(fast) = %v, want default", d)
	}
	if d := r.SubmitTimeout("unknown"); d != DefaultSubmitTimeout {
		t.Errorf("SubmitTimeout(unknown) = %v, want default", d)
	}
}

func TestMockSubmitDeterministicIDs(t *testing.T) {
	ctx := context.Background()
	order := &domain.Order{Symbol: "AAPL", Qty: 100, Side: domain.SideBuy}

	// Two connectors with the same name issue identical id sequences.
	a := NewMockConnector("zerodha-mock")
	b := NewMockConnector("zerodha-mock")
	for i := 0; i < 3; i++ {
		ra, err := a.Submit(ctx, order)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		rb, err := b.Submit(ctx, order)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if ra.ExtOrderID != rb.ExtOrderID {
			t.Errorf("submission %d: ids diverge: %s vs %s", i, ra.ExtOrderID, rb.ExtOrderID)
		}
		if ra.Status != domain.OrderAcked {
			t.Errorf("submission %d: status = %s, want acked", i, ra.Status)
		}
	}

	// The prefix drops the -mock suffix.
	res, _ := a.Submit(ctx, order)
	if got := res.ExtOrderID[:8]; got != "ZERODHA-" {
		t.Errorf("ext id prefix = %q, want ZERODHA-", got)
	}
}

func TestMockScriptedFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMockConnector("alpaca-mock")
	m.FailSymbol("TSLA", "instrument halted")

	if _, err := m.Submit(ctx, &domain.Order{Symbol: "AAPL", Qty: 1, Side: domain.SideBuy}); err != nil {
		t.Fatalf("unscripted symbol failed: %v", err)
	}

	_, err := m.Submit(ctx, &domain.Order{Symbol: "TSLA", Qty: 1, Side: domain.SideBuy})
	var berr *domain.BrokerError
	if !errors.As(err, &berr) {
		t.Fatalf("error type = %T, want *domain.BrokerError", err)
	}
	if berr.Broker != "alpaca-mock" || berr.Reason != "instrument halted" {
		t.Errorf("broker error = %+v", berr)
	}
}

func TestMockCancelAndPoll(t *testing.T) {
	ctx := context.Background()
	m := NewMockConnector("zerodha-mock")

	res, err := m.Submit(ctx, &domain.Order{Symbol: "AAPL", Qty: 1, Side: domain.SideBuy})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	status, err := m.Poll(ctx, res.ExtOrderID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if status != domain.OrderAcked {
		t.Errorf("Poll after submit = %s, want acked", status)
	}

	if err := m.Cancel(ctx, res.ExtOrderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	status, _ = m.Poll(ctx, res.ExtOrderID)
	if status != domain.OrderCancelled {
		t.Errorf("Poll after cancel = %s, want cancelled", status)
	}

	if err := m.Cancel(ctx, "NO-SUCH-ID"); err == nil {
		t.Error("Cancel of unknown ext id should fail")
	}
}

func TestMockLatencyHonoursContext(t *testing.T) {
	m := NewMockConnector("zerodha-mock")
	m.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := m.Submit(ctx, &domain.Order{Symbol: "AAPL", Qty: 1, Side: domain.SideBuy})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit under latency = %v, want DeadlineExceeded", err)
	}
}

func TestMapAlpacaStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"new":              domain.OrderAcked,
		"accepted":         domain.OrderAcked,
		"partially_filled": domain.OrderAcked,
		"filled":           domain.OrderFilled,
		"canceled":         domain.OrderCancelled,
		"rejected":         domain.OrderRejected,
	}
	for venue, want := range cases {
		got, err := mapAlpacaStatus(venue)
		if err != nil {
			t.Errorf("mapAlpacaStatus(%q): %v", venue, err)
			continue
		}
		if got != want {
			t.Errorf("mapAlpacaStatus(%q) = %s, want %s", venue, got, want)
		}
	}
	if _, err := mapAlpacaStatus("weird"); err == nil {
		t.Error("unmapped venue status should error")
	}
}
