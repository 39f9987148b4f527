package portfolio

import (
	"time"

	"github.com/marketkit/engine/market"
)

// Trade is an immutable record of one filled order. It is appended to a
// ledger's trade log and never mutated or removed.
type Trade struct {
	ID         string      `json:"id"`
	Time       time.Time   `json:"time"`
	Asset      string      `json:"asset"`
	Side       market.Side `json:"side"`
	Quantity   float64     `json:"quantity"`
	FillPrice  float64     `json:"fill_price"`
	Commission float64     `json:"commission"`
}

// EquityPoint is one sample of a ledger's equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// quantity below which a position is considered closed; sells leave
// floating-point residue behind.
const positionEpsilon = 1e-9
