// Package connector defines the broker connector capability set and the
// registry that resolves a broker name to an implementation. Connectors are
// adapters over external execution venues; everything past Submit/Cancel/Poll
// is the venue's business.
package connector

import (
	"context"

	"orderflow/internal/domain"
)

// SubmitResult is a broker's answer to an order submission.
type SubmitResult struct {
	// ExtOrderID is the broker-assigned order id.
	ExtOrderID string

	// Status is the lifecycle status the broker reports for the order,
	// normally acked.
	Status domain.OrderStatus
}

// Connector is implemented once per broker. Implementations must isolate
// failures per order: an outage affects only the orders routed to that
// broker, and all methods must honour context deadlines so a venue hang
// never leaves an order in limbo.
type Connector interface {
	// Name returns the broker identifier (e.g. "alpaca", "zerodha-mock").
	Name() string

	// Submit sends the order to the venue and returns the external id the
	// venue assigned.
	Submit(ctx context.Context, order *domain.Order) (SubmitResult, error)

	// Cancel requests cancellation of an open order by its external id.
	Cancel(ctx context.Context, extOrderID string) error

	// Poll returns the venue's current view of the order's status.
	Poll(ctx context.Context, extOrderID string) (domain.OrderStatus, error)
}
