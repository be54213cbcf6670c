// Package orderflow provides a Go client for the orderflow-server API. The
// types here mirror the server's JSON shapes without importing its internals,
// so the package is importable from outside the module.
package orderflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to an orderflow-server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// OrderRequest is one trade instruction in a batch.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	Side       string  `json:"side"`
	PriceLimit float64 `json:"price_limit,omitempty"`
	Broker     string  `json:"broker,omitempty"`
}

// BatchRequest is the batch creation payload.
type BatchRequest struct {
	UserID      int64          `json:"user_id"`
	PortfolioID int64          `json:"portfolio_id"`
	Orders      []OrderRequest `json:"orders"`
}

// Order is the server's view of one order.
type Order struct {
	ID         string  `json:"id"`
	BatchID    string  `json:"batch_id"`
	Broker     string  `json:"broker"`
	Symbol     string  `json:"symbol"`
	Qty        float64 `json:"qty"`
	PriceLimit float64 `json:"price_limit,omitempty"`
	Side       string  `json:"side"`
	Status     string  `json:"status"`
	ExtOrderID string  `json:"ext_order_id,omitempty"`
	FillPrice  float64 `json:"fill_price,omitempty"`
	FillQty    float64 `json:"fill_qty,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Batch is the response to batch creation.
type Batch struct {
	BatchID     string  `json:"batch_id"`
	BatchStatus string  `json:"batch_status"`
	Orders      []Order `json:"orders"`
}

// Fill is one execution to apply to an order.
type Fill struct {
	OrderID   string  `json:"order_id"`
	FillPrice float64 `json:"fill_price"`
	FillQty   float64 `json:"fill_qty"`
}

// Report is the reconciliation report for a batch.
type Report struct {
	BatchID         string  `json:"batch_id"`
	BatchStatus     string  `json:"batch_status"`
	TotalOrders     int     `json:"total_orders"`
	FilledOrders    int     `json:"filled_orders"`
	PendingOrders   int     `json:"pending_orders"`
	CancelledOrders int     `json:"cancelled_orders"`
	RejectedOrders  int     `json:"rejected_orders"`
	TotalQty        float64 `json:"total_qty"`
	FilledQty       float64 `json:"filled_qty"`
	ExpectedPnL     float64 `json:"expected_pnl"`
	ActualPnL       float64 `json:"actual_pnl"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// CreateBatch submits a batch of orders. A non-empty idempotencyKey is sent
// in the Idempotency-Key header; retrying with the same key and payload
// returns the original batch instead of creating a new one.
func (c *Client) CreateBatch(ctx context.Context, req BatchRequest, idempotencyKey string) (*Batch, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/orders", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		hreq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	var batch Batch
	if err := c.do(hreq, &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetOrder retrieves one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.get(ctx, "/api/orders/"+orderID, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// CancelOrder cancels a placed or acked order.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) (*Order, error) {
	var order Order
	if err := c.post(ctx, "/api/orders/"+orderID+"/cancel", map[string]string{"reason": reason}, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// SettleOrder settles a filled order.
func (c *Client) SettleOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.post(ctx, "/api/orders/"+orderID+"/settle", nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// ApplyFills applies simulated fills to a batch's orders.
func (c *Client) ApplyFills(ctx context.Context, batchID string, fills []Fill) error {
	return c.post(ctx, "/api/batches/"+batchID+"/fills", map[string]any{"fills": fills}, nil)
}

// Reconcile fetches the reconciliation report for a batch.
func (c *Client) Reconcile(ctx context.Context, batchID string) (*Report, error) {
	var report Report
	if err := c.get(ctx, "/api/reconcile/"+batchID, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		if e.Error == "" {
			e.Error = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
