package engine

import (
	"context"
	"fmt"

	"orderflow/internal/domain"
)

// ApplyFill applies one execution to an order. The store serializes
// concurrent fills and keeps the stored fill price as the quantity-weighted
// average; reaching the requested quantity moves the order to filled. Each
// applied fill emits one event carrying the partial's price and quantity.
func (e *Engine) ApplyFill(ctx context.Context, orderID string, fillPrice, fillQty float64) (*domain.Order, error) {
	before, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	updated, err := e.store.ApplyFill(ctx, orderID, fillPrice, fillQty)
	if err != nil {
		return nil, err
	}
	e.publish(updated, before.Status, updated.Status, fillPrice, fillQty)
	if updated.Status == domain.OrderFilled {
		e.log.Info("order filled",
			"order_id", orderID, "fill_qty", updated.FillQty, "avg_price", updated.FillPrice)
	}
	return updated, nil
}

// FillResult is the per-fill outcome of ApplyFills. Exactly one of Order and
// Error is set.
type FillResult struct {
	OrderID string        `json:"order_id"`
	Order   *domain.Order `json:"order,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// ApplyFills applies a list of fills against one batch's orders. Fills are
// applied independently; one rejected fill never stops the rest. A fill
// naming an order outside the batch is rejected without touching the order.
func (e *Engine) ApplyFills(ctx context.Context, batchID string, fills []domain.Fill) ([]FillResult, error) {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	orders, err := e.store.ListOrdersByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	member := make(map[string]bool, len(orders))
	for i := range orders {
		member[orders[i].ID] = true
	}

	results := make([]FillResult, 0, len(fills))
	for _, f := range fills {
		res := FillResult{OrderID: f.OrderID}
		switch {
		case !member[f.OrderID]:
			res.Error = fmt.Sprintf("order %s does not belong to batch %s", f.OrderID, batchID)
		default:
			updated, ferr := e.ApplyFill(ctx, f.OrderID, f.FillPrice, f.FillQty)
			if ferr != nil {
				res.Error = ferr.Error()
			} else {
				res.Order = updated
			}
		}
		results = append(results, res)
	}
	return results, nil
}
