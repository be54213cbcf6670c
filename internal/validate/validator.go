// Package validate holds the pure, side-effect-free pre-trade checks applied
// to every order request before anything is persisted.
package validate

import (
	"fmt"

	"go.uber.org/multierr"

	"orderflow/internal/domain"
)

// MarginChecker is the pluggable margin check. Implementations return nil to
// pass or an error carrying the failure reason. Production implementations
// may call an external risk system; the engine only sees pass/fail.
type MarginChecker interface {
	Check(req domain.OrderRequest, portfolioID int64) error
}

// PassMargin is the mock margin checker: it always passes.
type PassMargin struct{}

// Check implements MarginChecker.
func (PassMargin) Check(domain.OrderRequest, int64) error { return nil }

// LimitMargin rejects orders whose estimated notional value exceeds a fixed
// margin limit.
type LimitMargin struct {
	Limit float64
	// RefPrice estimates the notional of market orders that carry no price
	// limit.
	RefPrice float64
}

// Check implements MarginChecker.
func (m LimitMargin) Check(req domain.OrderRequest, _ int64) error {
	price := req.PriceLimit
	if price == 0 {
		price = m.RefPrice
	}
	notional := req.Qty * price
	if notional > m.Limit {
		return fmt.Errorf("insufficient margin: required %.2f, available %.2f", notional, m.Limit)
	}
	return nil
}

// Validator bundles the configured validation limits.
type Validator struct {
	MinLotSize    float64
	MaxOrderValue float64
	Margin        MarginChecker // nil disables the margin check
}

// ValidateOrder runs every check against a single order request and returns
// all violations combined into one error, or nil when the order is clean.
func (v *Validator) ValidateOrder(req domain.OrderRequest, portfolioID int64) error {
	var err error

	if req.Symbol == "" {
		err = multierr.Append(err, fmt.Errorf("symbol is required"))
	}
	if req.Qty <= 0 {
		err = multierr.Append(err, fmt.Errorf("quantity %v must be positive", req.Qty))
	} else if req.Qty < v.MinLotSize {
		err = multierr.Append(err, fmt.Errorf("quantity %v is below minimum lot size %v", req.Qty, v.MinLotSize))
	}
	if req.PriceLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("price limit must be positive"))
	}
	if req.PriceLimit > 0 && v.MaxOrderValue > 0 {
		if value := req.Qty * req.PriceLimit; value > v.MaxOrderValue {
			err = multierr.Append(err, fmt.Errorf("order value %.2f exceeds maximum %.2f", value, v.MaxOrderValue))
		}
	}
	if !req.Side.Valid() {
		err = multierr.Append(err, fmt.Errorf("invalid side %q: must be BUY or SELL", req.Side))
	}
	if v.Margin != nil {
		if merr := v.Margin.Check(req, portfolioID); merr != nil {
			err = multierr.Append(err, merr)
		}
	}

	return err
}

// ValidateBatch checks every order in the batch and is deliberately
// exhaustive rather than fail-fast: the returned ValidationError enumerates
// every failing order with all of its reasons so the caller can fix the
// whole batch in one round trip. Returns nil when every order passes.
func (v *Validator) ValidateBatch(reqs []domain.OrderRequest, portfolioID int64) error {
	var failures []domain.OrderFailure
	for i, req := range reqs {
		if err := v.ValidateOrder(req, portfolioID); err != nil {
			failures = append(failures, domain.OrderFailure{
				Index:  i,
				Symbol: req.Symbol,
				Reason: err.Error(),
			})
		}
	}
	if len(failures) > 0 {
		return &domain.ValidationError{Failures: failures}
	}
	return nil
}
