// Package execution turns sized orders into fills, either against a
// simulated fill model or against the live exchange. Handlers report
// clean rejections distinctly from transport errors: a rejection means
// nothing happened and the caller's ledgers stay untouched.
package execution

import (
	"context"

	"github.com/marketkit/engine/market"
)

// OrderResult is the outcome of an order attempt. Filled false with a
// Reason is a clean rejection; errors from PlaceOrder mean the attempt
// itself failed.
type OrderResult struct {
	Filled     bool
	Quantity   float64 // base quantity actually filled
	FillPrice  float64 // average fill price
	QuoteValue float64 // total cash moved, commission included
	OrderID    string
	Reason     string // set when Filled is false
}

// AccountSnapshot is the account state a handler reports for
// reconciliation: free quote cash and base positions per asset.
type AccountSnapshot struct {
	Cash      float64
	Positions map[string]float64
}

// Handler executes orders and reports account state. Implementations
// must be safe for concurrent use by multiple strategy runners.
type Handler interface {
	// PlaceOrder attempts to fill qty of asset at approximately refPrice,
	// the close of the bar that produced the signal. It never retries a
	// rejected or failed order.
	PlaceOrder(ctx context.Context, asset string, qty float64, side market.Side, refPrice float64) (*OrderResult, error)

	// AccountState returns the handler's view of cash and positions.
	AccountState(ctx context.Context) (*AccountSnapshot, error)
}
