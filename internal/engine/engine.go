// Package engine coordinates batch intake, broker submission, fill
// application, and reconciliation. It is the only package that composes the
// ledger, validator, registry, store, and publisher; everything below it is
// independent of everything else.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"orderflow/internal/connector"
	"orderflow/internal/domain"
	"orderflow/internal/events"
	"orderflow/internal/id"
	"orderflow/internal/idempotency"
	"orderflow/internal/store"
	"orderflow/internal/validate"
)

// Store is the persistence surface the engine needs: orders plus batches.
// SQLiteStore satisfies it.
type Store interface {
	store.OrderStore
	store.BatchStore
}

// Deps collects the engine's collaborators.
type Deps struct {
	Store     Store
	Ledger    idempotency.Ledger // nil disables replay protection
	Registry  *connector.Registry
	Publisher events.Publisher
	Validator *validate.Validator
	Log       *slog.Logger

	// DefaultBroker routes order requests that name no broker. Empty means
	// every request must name its broker explicitly.
	DefaultBroker string
}

// Engine orchestrates the order lifecycle end to end.
type Engine struct {
	store         Store
	ledger        idempotency.Ledger
	registry      *connector.Registry
	publisher     events.Publisher
	validator     *validate.Validator
	log           *slog.Logger
	defaultBroker string
	now           func() time.Time
}

// New creates an Engine from its dependencies.
func New(d Deps) *Engine {
	if d.Publisher == nil {
		d.Publisher = events.NopPublisher{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Engine{
		store:         d.Store,
		ledger:        d.Ledger,
		registry:      d.Registry,
		publisher:     d.Publisher,
		validator:     d.Validator,
		log:           d.Log,
		defaultBroker: d.DefaultBroker,
		now:           time.Now,
	}
}

// ---------------------------------------------------------------------------
// Batch creation
// ---------------------------------------------------------------------------

// BatchRequest is the inbound batch creation payload. IdempotencyKey is the
// resolved key after header-over-body precedence has been applied by the
// transport layer; it does not participate in the request fingerprint, so the
// same payload retried with the key moved between header and body still
// replays.
type BatchRequest struct {
	UserID         int64                 `json:"user_id"`
	PortfolioID    int64                 `json:"portfolio_id"`
	Orders         []domain.OrderRequest `json:"orders"`
	IdempotencyKey string                `json:"idempotency_key,omitempty"`
}

// BatchResponse is the JSON body produced for a created batch. Retries of the
// same request receive the first response's bytes verbatim, so this shape is
// part of the idempotency contract.
type BatchResponse struct {
	BatchID     string             `json:"batch_id"`
	BatchStatus domain.BatchStatus `json:"batch_status"`
	Orders      []domain.Order     `json:"orders"`
	CreatedAt   time.Time          `json:"created_at"`
}

// BatchResult is the outcome of CreateBatch. Response holds the JSON bytes to
// send; Replayed marks a response served from the idempotency ledger.
type BatchResult struct {
	Response []byte
	Replayed bool
}

// fingerprintPayload is what the idempotency fingerprint covers: the trade
// instructions and their owner, nothing transport-level.
type fingerprintPayload struct {
	UserID      int64                 `json:"user_id"`
	PortfolioID int64                 `json:"portfolio_id"`
	Orders      []domain.OrderRequest `json:"orders"`
}

// CreateBatch runs the full intake pipeline: idempotency check, exhaustive
// validation, ACID persistence in placed, concurrent per-order broker
// submission, and response caching. Per-order broker failures are recorded as
// rejections and never abort the rest of the batch.
func (e *Engine) CreateBatch(ctx context.Context, req *BatchRequest) (*BatchResult, error) {
	if len(req.Orders) == 0 {
		return nil, &domain.ValidationError{Failures: []domain.OrderFailure{
			{Index: 0, Reason: "batch contains no orders"},
		}}
	}

	key := req.IdempotencyKey
	if key != "" && e.ledger == nil {
		key = ""
	}
	if key != "" {
		fp := idempotency.Fingerprint(fingerprintPayload{
			UserID:      req.UserID,
			PortfolioID: req.PortfolioID,
			Orders:      req.Orders,
		})
		res, err := e.ledger.CheckOrReserve(ctx, key, fp)
		switch {
		case errors.Is(err, domain.ErrIdempotencyConflict):
			return nil, err
		case err != nil:
			// A ledger outage must not take order intake down with it. Log
			// loudly and proceed without replay protection.
			e.log.Error("idempotency ledger unavailable, proceeding unprotected",
				"key", key, "error", err)
			key = ""
		case res.Outcome == idempotency.OutcomeHit:
			e.log.Info("replaying cached batch response", "key", key)
			return &BatchResult{Response: res.Response, Replayed: true}, nil
		case res.Outcome == idempotency.OutcomePending:
			return nil, fmt.Errorf("request with idempotency key %q is already in flight: %w",
				key, domain.ErrIdempotencyConflict)
		}
		// OutcomeReserved: we own the key until Store or Release.
	}

	if err := e.validateBatch(req); err != nil {
		e.release(ctx, key)
		return nil, err
	}

	batch, orders, err := e.persistBatch(ctx, req, key)
	if err != nil {
		e.release(ctx, key)
		return nil, fmt.Errorf("persisting batch: %w", err)
	}
	for i := range orders {
		e.publish(&orders[i], "", domain.OrderPlaced, 0, 0)
	}

	submitted := e.submitAll(ctx, orders)

	resp := BatchResponse{
		BatchID:     batch.ID,
		BatchStatus: domain.DeriveBatchStatus(submitted),
		Orders:      submitted,
		CreatedAt:   batch.CreatedAt,
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		e.release(ctx, key)
		return nil, fmt.Errorf("encoding batch response: %w", err)
	}
	if key != "" {
		if err := e.ledger.Store(ctx, key, raw); err != nil {
			// The batch is committed; a retry with this key will now recreate
			// it. Surface the degradation in the log but not to the caller.
			e.log.Error("failed to cache batch response, retries will not replay",
				"key", key, "batch_id", batch.ID, "error", err)
		}
	}
	e.log.Info("batch created",
		"batch_id", batch.ID, "orders", len(submitted), "status", resp.BatchStatus)
	return &BatchResult{Response: raw}, nil
}

// validateBatch combines the pure per-order checks with broker resolution,
// keeping the exhaustive contract: every failing order is reported with every
// one of its reasons.
func (e *Engine) validateBatch(req *BatchRequest) error {
	var failures []domain.OrderFailure
	if err := e.validator.ValidateBatch(req.Orders, req.PortfolioID); err != nil {
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		failures = verr.Failures
	}
	for i, r := range req.Orders {
		name := r.Broker
		if name == "" {
			name = e.defaultBroker
		}
		if name == "" {
			failures = append(failures, domain.OrderFailure{
				Index: i, Symbol: r.Symbol, Reason: "broker is required",
			})
			continue
		}
		if _, err := e.registry.Resolve(name); err != nil {
			failures = append(failures, domain.OrderFailure{
				Index: i, Symbol: r.Symbol, Reason: err.Error(),
			})
		}
	}
	if len(failures) > 0 {
		return &domain.ValidationError{Failures: failures}
	}
	return nil
}

func (e *Engine) persistBatch(ctx context.Context, req *BatchRequest, key string) (*domain.OrderBatch, []domain.Order, error) {
	rawReqs, err := json.Marshal(req.Orders)
	if err != nil {
		return nil, nil, err
	}
	now := e.now().UTC()
	batch := &domain.OrderBatch{
		ID:             id.New(),
		UserID:         req.UserID,
		PortfolioID:    req.PortfolioID,
		Requests:       rawReqs,
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	orders := make([]domain.Order, len(req.Orders))
	for i, r := range req.Orders {
		broker := r.Broker
		if broker == "" {
			broker = e.defaultBroker
		}
		orders[i] = domain.Order{
			ID:          id.New(),
			BatchID:     batch.ID,
			PortfolioID: req.PortfolioID,
			Broker:      broker,
			Symbol:      r.Symbol,
			Qty:         r.Qty,
			PriceLimit:  r.PriceLimit,
			Side:        r.Side,
			Status:      domain.OrderPlaced,
			CreatedAt:   now,
		}
	}
	if err := e.store.CreateBatch(ctx, batch, orders); err != nil {
		return nil, nil, err
	}
	return batch, orders, nil
}

// submitAll forwards every placed order to its broker concurrently. One
// broker hanging or failing never delays or dooms orders bound elsewhere.
func (e *Engine) submitAll(ctx context.Context, orders []domain.Order) []domain.Order {
	results := make([]domain.Order, len(orders))
	g, gctx := errgroup.WithContext(ctx)
	for i := range orders {
		g.Go(func() error {
			results[i] = e.submitOrder(gctx, orders[i])
			return nil
		})
	}
	// Goroutines report failures through order status, never as errors.
	_ = g.Wait()
	return results
}

func (e *Engine) submitOrder(ctx context.Context, o domain.Order) domain.Order {
	conn, err := e.registry.Resolve(o.Broker)
	if err != nil {
		return e.recordSubmit(ctx, o, domain.OrderRejected, "", err.Error())
	}

	sctx, cancel := context.WithTimeout(ctx, e.registry.SubmitTimeout(o.Broker))
	defer cancel()
	res, err := conn.Submit(sctx, &o)
	if err != nil {
		reason := submitFailureReason(err)
		e.log.Warn("broker submit failed",
			"order_id", o.ID, "broker", o.Broker, "reason", reason)
		return e.recordSubmit(ctx, o, domain.OrderRejected, "", reason)
	}

	status := res.Status
	if status == "" {
		status = domain.OrderAcked
	}
	return e.recordSubmit(ctx, o, status, res.ExtOrderID, "")
}

// recordSubmit persists the submit outcome and emits the transition event.
// If the guarded update fails the placed order is left as is; the poll path
// can reconcile it later.
func (e *Engine) recordSubmit(ctx context.Context, o domain.Order, status domain.OrderStatus, extID, reason string) domain.Order {
	updated, err := e.store.RecordSubmitResult(ctx, o.ID, status, extID, reason)
	if err != nil {
		e.log.Error("failed to record submit result",
			"order_id", o.ID, "status", status, "error", err)
		return o
	}
	e.publish(updated, domain.OrderPlaced, updated.Status, 0, 0)
	return *updated
}

// submitFailureReason normalizes a broker submit error into the reason stored
// on the rejected order. Deadline expiry is recorded as "timeout" so the poll
// path can identify orders the broker may in fact hold.
func submitFailureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var berr *domain.BrokerError
	if errors.As(err, &berr) {
		return berr.Reason
	}
	return err.Error()
}

func (e *Engine) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := e.ledger.Release(ctx, key); err != nil {
		e.log.Warn("failed to release idempotency reservation", "key", key, "error", err)
	}
}

func (e *Engine) publish(o *domain.Order, old, next domain.OrderStatus, fillPrice, fillQty float64) {
	e.publisher.Publish(domain.Event{
		BatchID:   o.BatchID,
		OrderID:   o.ID,
		Broker:    o.Broker,
		Symbol:    o.Symbol,
		OldStatus: old,
		NewStatus: next,
		FillPrice: fillPrice,
		FillQty:   fillQty,
		Timestamp: e.now().UTC(),
	})
}

// ---------------------------------------------------------------------------
// Single-order operations
// ---------------------------------------------------------------------------

// GetOrder retrieves one order.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// BatchView is a batch with its orders and derived aggregate status.
type BatchView struct {
	Batch  domain.OrderBatch  `json:"batch"`
	Status domain.BatchStatus `json:"status"`
	Orders []domain.Order     `json:"orders"`
}

// GetBatch retrieves a batch together with its orders and derived status.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*BatchView, error) {
	batch, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	orders, err := e.store.ListOrdersByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &BatchView{
		Batch:  *batch,
		Status: domain.DeriveBatchStatus(orders),
		Orders: orders,
	}, nil
}

// CancelOrder cancels a placed or acked order. Orders in any other state
// fail with ErrInvalidState. When the broker already holds the order the
// cancellation is forwarded best-effort; the local record is authoritative
// either way.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	before, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by client"
	}
	updated, err := e.store.TransitionOrder(ctx, orderID,
		[]domain.OrderStatus{domain.OrderPlaced, domain.OrderAcked},
		domain.OrderCancelled, reason)
	if err != nil {
		return nil, err
	}
	e.publish(updated, before.Status, domain.OrderCancelled, 0, 0)

	if before.Status == domain.OrderAcked && before.ExtOrderID != "" {
		if conn, rerr := e.registry.Resolve(before.Broker); rerr == nil {
			if cerr := conn.Cancel(ctx, before.ExtOrderID); cerr != nil {
				e.log.Warn("broker cancel failed",
					"order_id", orderID, "broker", before.Broker, "error", cerr)
			}
		}
	}
	return updated, nil
}

// SettleOrder moves a filled order to settled, completing the happy path.
func (e *Engine) SettleOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	updated, err := e.store.TransitionOrder(ctx, orderID,
		[]domain.OrderStatus{domain.OrderFilled}, domain.OrderSettled, "")
	if err != nil {
		return nil, err
	}
	e.publish(updated, domain.OrderFilled, domain.OrderSettled, 0, 0)
	return updated, nil
}

// PollOrder asks the broker for the current state of an acked order and
// reconciles the local record when the broker reports a terminal outcome.
// Orders without an external id cannot be polled and are returned unchanged.
func (e *Engine) PollOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.ExtOrderID == "" || o.Status != domain.OrderAcked {
		return o, nil
	}
	conn, err := e.registry.Resolve(o.Broker)
	if err != nil {
		return nil, err
	}
	remote, err := conn.Poll(ctx, o.ExtOrderID)
	if err != nil {
		return nil, fmt.Errorf("polling broker %s: %w", o.Broker, domain.ErrDependencyUnavailable)
	}

	switch remote {
	case domain.OrderCancelled, domain.OrderRejected:
		updated, terr := e.store.TransitionOrder(ctx, orderID,
			[]domain.OrderStatus{domain.OrderAcked}, remote, "reconciled from broker")
		if terr != nil {
			// Lost a race with another writer; the fresh read is the answer.
			return e.store.GetOrder(ctx, orderID)
		}
		e.publish(updated, domain.OrderAcked, remote, 0, 0)
		return updated, nil
	case domain.OrderFilled:
		// Fill quantities and prices arrive through the fill path; the poll
		// only observes that the broker is ahead of us.
		e.log.Info("broker reports fill ahead of local record",
			"order_id", orderID, "broker", o.Broker)
	}
	return o, nil
}
