// Package store defines the durable storage interfaces for orders, batches,
// and broker connector configuration, plus the SQLite implementation.
package store

import (
	"context"

	"orderflow/internal/domain"
)

// OrderStore persists and mutates order records. All mutating methods
// enforce the lifecycle state machine at the storage layer with guarded
// updates, so two concurrent writers cannot race an order out of a legal
// state sequence.
type OrderStore interface {
	// GetOrder retrieves a single order by id.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrdersByBatch returns a batch's orders in creation order.
	ListOrdersByBatch(ctx context.Context, batchID string) ([]domain.Order, error)

	// RecordSubmitResult moves a placed order to acked (recording the
	// broker-assigned external id) or to rejected (recording the reason).
	RecordSubmitResult(ctx context.Context, orderID string, status domain.OrderStatus, extOrderID, reason string) (*domain.Order, error)

	// ApplyFill accumulates one fill against the order atomically.
	// Concurrent fills for the same order serialize; the stored fill price
	// is always the quantity-weighted average of the partials applied so
	// far. When accumulated quantity reaches the requested quantity the
	// order moves to filled and the execution timestamp is set.
	ApplyFill(ctx context.Context, orderID string, fillPrice, fillQty float64) (*domain.Order, error)

	// TransitionOrder moves an order to next only if its current status is
	// one of from; otherwise it fails with ErrInvalidState.
	TransitionOrder(ctx context.Context, orderID string, from []domain.OrderStatus, next domain.OrderStatus, reason string) (*domain.Order, error)
}

// BatchStore persists order batches.
type BatchStore interface {
	// CreateBatch inserts the batch and all of its orders in one
	// transaction; either everything is persisted or nothing is.
	CreateBatch(ctx context.Context, batch *domain.OrderBatch, orders []domain.Order) error

	// GetBatch retrieves a batch by id.
	GetBatch(ctx context.Context, id string) (*domain.OrderBatch, error)
}

// ConnectorConfigStore reads and writes broker connector configuration. The
// engine only reads it at startup; writes belong to the administration
// surface.
type ConnectorConfigStore interface {
	SaveConnectorConfig(ctx context.Context, cfg *domain.BrokerConnectorConfig) error
	ListConnectorConfigs(ctx context.Context, activeOnly bool) ([]domain.BrokerConnectorConfig, error)
}
