package domain

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderPlaced, OrderAcked, true},
		{OrderPlaced, OrderRejected, true},
		{OrderPlaced, OrderCancelled, true},
		{OrderPlaced, OrderFilled, false}, // no skipping states
		{OrderPlaced, OrderSettled, false},
		{OrderAcked, OrderFilled, true},
		{OrderAcked, OrderRejected, true},
		{OrderAcked, OrderCancelled, true},
		{OrderAcked, OrderSettled, false},
		{OrderFilled, OrderSettled, true},
		{OrderFilled, OrderCancelled, false},
		{OrderSettled, OrderFilled, false},
		{OrderCancelled, OrderPlaced, false},
		{OrderRejected, OrderAcked, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	terminal := []OrderStatus{OrderSettled, OrderCancelled, OrderRejected}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		// Nothing may leave a terminal state.
		for _, next := range []OrderStatus{OrderPlaced, OrderAcked, OrderFilled, OrderSettled, OrderCancelled, OrderRejected} {
			if s.CanTransitionTo(next) {
				t.Errorf("terminal state %s must not transition to %s", s, next)
			}
		}
	}
	for _, s := range []OrderStatus{OrderPlaced, OrderAcked, OrderFilled} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestSideSign(t *testing.T) {
	if SideBuy.Sign() != -1 {
		t.Errorf("BUY sign = %v, want -1 (cash out)", SideBuy.Sign())
	}
	if SideSell.Sign() != 1 {
		t.Errorf("SELL sign = %v, want 1 (cash in)", SideSell.Sign())
	}
	if !SideBuy.Valid() || !SideSell.Valid() {
		t.Error("BUY and SELL must be valid sides")
	}
	if Side("HOLD").Valid() {
		t.Error("HOLD must not be a valid side")
	}
}

func TestDeriveBatchStatus(t *testing.T) {
	mk := func(statuses ...OrderStatus) []Order {
		orders := make([]Order, len(statuses))
		for i, s := range statuses {
			orders[i] = Order{Status: s}
		}
		return orders
	}

	cases := []struct {
		name   string
		orders []Order
		want   BatchStatus
	}{
		{"empty", nil, BatchPending},
		{"all placed", mk(OrderPlaced, OrderPlaced), BatchProcessing},
		{"mixed live", mk(OrderAcked, OrderRejected), BatchProcessing},
		{"all settled", mk(OrderSettled, OrderSettled), BatchCompleted},
		{"settled and cancelled", mk(OrderSettled, OrderCancelled), BatchCompleted},
		{"all rejected", mk(OrderRejected, OrderRejected), BatchFailed},
	}
	for _, c := range cases {
		if got := DeriveBatchStatus(c.orders); got != c.want {
			t.Errorf("%s: DeriveBatchStatus = %s, want %s", c.name, got, c.want)
		}
	}
}
