package httpapi

import (
	"orderflow/internal/domain"
	"orderflow/internal/engine"
)

// ErrorResponse is the body of every non-validation error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ValidationErrorResponse carries the complete list of failing orders.
type ValidationErrorResponse struct {
	Error    string                `json:"error"`
	Failures []domain.OrderFailure `json:"failures"`
}

// CancelRequest is the optional body of a cancel call.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// FillsRequest carries simulated fills for a batch.
type FillsRequest struct {
	Fills []domain.Fill `json:"fills"`
}

// FillsResponse reports the per-fill outcomes.
type FillsResponse struct {
	Results []engine.FillResult `json:"results"`
}
