package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"orderflow/internal/domain"
	"orderflow/internal/util"
)

// Compile-time interface check.
var _ Connector = (*AlpacaConnector)(nil)

// AlpacaConnector implements Connector against the Alpaca trading API.
type AlpacaConnector struct {
	name    string
	client  *alpaca.Client
	limiter *util.RateLimiter
}

// NewAlpacaConnector creates an AlpacaConnector named name using the given
// credentials. Alpaca's paper endpoint allows ~200 requests per minute; the
// limiter keeps submit/poll traffic under that.
func NewAlpacaConnector(name, apiKey, apiSecret, baseURL string) *AlpacaConnector {
	return &AlpacaConnector{
		name: name,
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		limiter: util.NewRateLimiter(180),
	}
}

// Name implements Connector.
func (c *AlpacaConnector) Name() string { return c.name }

// Submit implements Connector. The order id doubles as the client order id
// so a retried submission cannot create a second venue-side order.
func (c *AlpacaConnector) Submit(ctx context.Context, order *domain.Order) (SubmitResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return SubmitResult{}, err
	}

	qty := decimal.NewFromFloat(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.Side == domain.SideSell {
		req.Side = alpaca.Sell
	}
	if order.PriceLimit > 0 {
		limit := decimal.NewFromFloat(order.PriceLimit)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	placed, err := call(ctx, func() (*alpaca.Order, error) {
		return c.client.PlaceOrder(req)
	})
	if err != nil {
		return SubmitResult{}, &domain.BrokerError{Broker: c.name, Reason: "submit failed", Err: err}
	}

	return SubmitResult{ExtOrderID: placed.ID, Status: domain.OrderAcked}, nil
}

// Cancel implements Connector.
func (c *AlpacaConnector) Cancel(ctx context.Context, extOrderID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.client.CancelOrder(extOrderID)
	})
	if err != nil {
		return &domain.BrokerError{Broker: c.name, Reason: "cancel failed", Err: err}
	}
	return nil
}

// Poll implements Connector. Transient API errors are retried with backoff
// before the poll is reported as failed.
func (c *AlpacaConnector) Poll(ctx context.Context, extOrderID string) (domain.OrderStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var venueOrder *alpaca.Order
	err := util.Retry(ctx, 3, 200*time.Millisecond, func() error {
		var err error
		venueOrder, err = call(ctx, func() (*alpaca.Order, error) {
			return c.client.GetOrder(extOrderID)
		})
		return err
	})
	if err != nil {
		return "", &domain.BrokerError{Broker: c.name, Reason: "poll failed", Err: err}
	}

	status, err := mapAlpacaStatus(venueOrder.Status)
	if err != nil {
		return "", &domain.BrokerError{Broker: c.name, Reason: err.Error()}
	}
	return status, nil
}

// mapAlpacaStatus translates Alpaca order statuses onto the lifecycle
// statuses the engine understands.
func mapAlpacaStatus(s string) (domain.OrderStatus, error) {
	switch s {
	case "new", "accepted", "pending_new", "partially_filled":
		return domain.OrderAcked, nil
	case "filled":
		return domain.OrderFilled, nil
	case "canceled", "pending_cancel", "done_for_day", "expired":
		return domain.OrderCancelled, nil
	case "rejected", "stopped", "suspended":
		return domain.OrderRejected, nil
	}
	return "", fmt.Errorf("unmapped venue status %q", s)
}

// call runs fn on its own goroutine and returns early when ctx expires. The
// Alpaca SDK does not take a context, so this is how submit/poll deadlines
// stay bounded; the abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
