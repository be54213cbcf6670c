// Package domain defines the core types shared across the order
// orchestration engine: orders, batches, lifecycle statuses, events, and the
// error taxonomy surfaced to callers.
package domain

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns the cash-flow sign convention used throughout reconciliation:
// a BUY is a negative cash flow (money out), a SELL is positive (money in).
func (s Side) Sign() float64 {
	if s == SideSell {
		return 1
	}
	return -1
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	// OrderPlaced is the initial status, assigned at persistence time before
	// any broker call.
	OrderPlaced OrderStatus = "placed"

	// OrderAcked means the broker accepted the order and assigned an
	// external order id.
	OrderAcked OrderStatus = "acked"

	// OrderFilled means the accumulated fill quantity reached the requested
	// quantity.
	OrderFilled OrderStatus = "filled"

	// OrderSettled is the terminal happy-path status.
	OrderSettled OrderStatus = "settled"

	// OrderCancelled is terminal; set by explicit cancellation.
	OrderCancelled OrderStatus = "cancelled"

	// OrderRejected is terminal; set on validation-at-broker or submission
	// failure.
	OrderRejected OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderSettled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition. The happy path is placed → acked → filled → settled; placed and
// acked orders may also move to rejected or cancelled. No transition skips
// states and nothing leaves a terminal state.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderPlaced:
		return next == OrderAcked || next == OrderRejected || next == OrderCancelled
	case OrderAcked:
		return next == OrderFilled || next == OrderRejected || next == OrderCancelled
	case OrderFilled:
		return next == OrderSettled
	}
	return false
}

// BatchStatus is the aggregate status of a batch, always derived from its
// orders and never stored independently.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// DeriveBatchStatus computes the aggregate status of a batch from its orders.
// A batch with no orders is pending; a batch whose orders are all terminal is
// completed (or failed if every order was rejected); anything else is still
// processing.
func DeriveBatchStatus(orders []Order) BatchStatus {
	if len(orders) == 0 {
		return BatchPending
	}
	rejected := 0
	for i := range orders {
		if !orders[i].Status.Terminal() {
			return BatchProcessing
		}
		if orders[i].Status == OrderRejected {
			rejected++
		}
	}
	if rejected == len(orders) {
		return BatchFailed
	}
	return BatchCompleted
}

// ---------------------------------------------------------------------------
// Core records
// ---------------------------------------------------------------------------

// OrderRequest is a single trade instruction as submitted by a client.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	Side       Side    `json:"side"`
	PriceLimit float64 `json:"price_limit,omitempty"` // 0 means market order
	Broker     string  `json:"broker,omitempty"`      // preferred broker, optional
}

// Order is one tradable instruction within a batch, as persisted.
type Order struct {
	ID          string      `json:"id"`
	BatchID     string      `json:"batch_id"`
	PortfolioID int64       `json:"portfolio_id"`
	Broker      string      `json:"broker"`
	Symbol      string      `json:"symbol"`
	Qty         float64     `json:"qty"`
	PriceLimit  float64     `json:"price_limit,omitempty"`
	Side        Side        `json:"side"`
	Status      OrderStatus `json:"status"`
	ExtOrderID  string      `json:"ext_order_id,omitempty"`
	FillPrice   float64     `json:"fill_price,omitempty"` // qty-weighted average over partial fills
	FillQty     float64     `json:"fill_qty,omitempty"`
	Reason      string      `json:"reason,omitempty"` // rejection or cancellation reason
	CreatedAt   time.Time   `json:"created_at"`
	ExecutedAt  *time.Time  `json:"executed_at,omitempty"`
}

// OrderBatch groups the orders submitted together under one idempotency key.
type OrderBatch struct {
	ID             string          `json:"id"`
	UserID         int64           `json:"user_id"`
	PortfolioID    int64           `json:"portfolio_id"`
	Requests       json.RawMessage `json:"requests"` // original order requests, as received
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BrokerConnectorConfig identifies an active broker implementation. It is
// owned by an external administration surface; the engine only reads it.
type BrokerConnectorConfig struct {
	BrokerName string          `json:"broker_name"`
	Config     json.RawMessage `json:"config"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Fill is one (simulated or broker-reported) execution applied to an order.
type Fill struct {
	OrderID   string  `json:"order_id"`
	FillPrice float64 `json:"fill_price"`
	FillQty   float64 `json:"fill_qty"`
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Event describes one order status transition. Events are best-effort
// telemetry: consumers must tolerate gaps and reconcile from durable order
// state instead.
type Event struct {
	BatchID   string      `json:"batch_id"`
	OrderID   string      `json:"order_id"`
	Broker    string      `json:"broker,omitempty"`
	Symbol    string      `json:"symbol,omitempty"`
	OldStatus OrderStatus `json:"old_status"`
	NewStatus OrderStatus `json:"new_status"`
	FillPrice float64     `json:"fill_price,omitempty"`
	FillQty   float64     `json:"fill_qty,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// ReconciliationReport is a derived view over a batch's orders. It is
// computed on demand and never stored as primary state.
//
// P&L sign convention: order values are signed cash flows, BUY negative and
// SELL positive. ExpectedPnL prices every filled order at its price limit;
// ActualPnL prices it at the recorded weighted-average fill price. Both sums
// range over filled (and settled) orders only so the two are comparable.
type ReconciliationReport struct {
	BatchID         string      `json:"batch_id"`
	BatchStatus     BatchStatus `json:"batch_status"`
	TotalOrders     int         `json:"total_orders"`
	FilledOrders    int         `json:"filled_orders"`
	PendingOrders   int         `json:"pending_orders"`
	CancelledOrders int         `json:"cancelled_orders"`
	RejectedOrders  int         `json:"rejected_orders"`
	TotalQty        float64     `json:"total_qty"`
	FilledQty       float64     `json:"filled_qty"`
	TotalValue      float64     `json:"total_value"`
	FilledValue     float64     `json:"filled_value"`
	ExpectedPnL     float64     `json:"expected_pnl"`
	ActualPnL       float64     `json:"actual_pnl"`
	Orders          []Order     `json:"orders"`
}
