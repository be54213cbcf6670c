package engine

import (
	"context"

	"orderflow/internal/domain"
)

// Reconcile builds the reconciliation report for a batch. It is a pure
// projection over the batch's orders: running it twice in a row returns the
// same report and mutates nothing.
//
// Value fields are unsigned notionals; the P&L fields are signed cash flows
// with BUY negative and SELL positive. Expected P&L prices each filled order
// at its limit, actual P&L at its recorded weighted-average fill price, and
// both range over filled and settled orders only so they are comparable.
// Market orders carry no limit and contribute zero to the expected side.
func (e *Engine) Reconcile(ctx context.Context, batchID string) (*domain.ReconciliationReport, error) {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	orders, err := e.store.ListOrdersByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &domain.ReconciliationReport{
		BatchID:     batchID,
		BatchStatus: domain.DeriveBatchStatus(orders),
		TotalOrders: len(orders),
		Orders:      orders,
	}
	for i := range orders {
		o := &orders[i]
		report.TotalQty += o.Qty
		report.TotalValue += o.PriceLimit * o.Qty

		switch o.Status {
		case domain.OrderFilled, domain.OrderSettled:
			report.FilledOrders++
			report.FilledQty += o.FillQty
			report.FilledValue += o.FillPrice * o.FillQty
			report.ExpectedPnL += o.Side.Sign() * o.PriceLimit * o.Qty
			report.ActualPnL += o.Side.Sign() * o.FillPrice * o.FillQty
		case domain.OrderPlaced, domain.OrderAcked:
			report.PendingOrders++
			// Partial progress on an acked order still counts as filled
			// quantity; only the order-level tallies wait for completion.
			report.FilledQty += o.FillQty
		case domain.OrderCancelled:
			report.CancelledOrders++
		case domain.OrderRejected:
			report.RejectedOrders++
		}
	}
	return report, nil
}
