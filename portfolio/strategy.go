package portfolio

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/market"
	"github.com/marketkit/engine/pkg/id"
)

// StrategyPortfolio is the isolated ledger for one strategy's capital
// slice. It tracks the strategy's performance as if it traded in its own
// dedicated account, separate from the master ledger.
//
// A StrategyPortfolio is exclusively owned: only its strategy's runner
// reads it directly, and only the master Manager mutates it (through
// ApplyFill, under the manager's lock). It needs no lock of its own.
type StrategyPortfolio struct {
	name          string
	asset         string
	riskPerTrade  float64
	initialEquity float64

	cash        float64
	positions   map[string]float64
	marks       map[string]float64
	tradeLog    []Trade
	equityCurve []EquityPoint

	logger *zap.Logger

	// now stamps ledger entries; replaced in tests
	now func() time.Time
}

// NewStrategyPortfolio allocates a sub-ledger: starting cash equals the
// allocated equity and there are no positions.
func NewStrategyPortfolio(name, asset string, initialEquity, riskPerTradePct float64, logger *zap.Logger) *StrategyPortfolio {
	sp := &StrategyPortfolio{
		name:          name,
		asset:         asset,
		riskPerTrade:  riskPerTradePct,
		initialEquity: initialEquity,
		cash:          initialEquity,
		positions:     make(map[string]float64),
		marks:         make(map[string]float64),
		logger:        logger.With(zap.String("portfolio", name)),
		now:           func() time.Time { return time.Now().UTC() },
	}
	sp.equityCurve = []EquityPoint{{Time: sp.now(), Equity: initialEquity}}
	sp.logger.Info("sub-portfolio created",
		zap.String("asset", asset),
		zap.Float64("initial_equity", initialEquity))
	return sp
}

func (sp *StrategyPortfolio) Name() string  { return sp.name }
func (sp *StrategyPortfolio) Asset() string { return sp.asset }
func (sp *StrategyPortfolio) Cash() float64 { return sp.cash }

// Position returns the held quantity of the ledger's traded asset.
func (sp *StrategyPortfolio) Position() float64 { return sp.positions[sp.asset] }

// Equity is cash plus the marked value of every open position.
func (sp *StrategyPortfolio) Equity() float64 {
	equity := sp.cash
	for asset, qty := range sp.positions {
		equity += qty * sp.marks[asset]
	}
	return equity
}

// Mark records the last known market price for the traded asset.
func (sp *StrategyPortfolio) Mark(price float64) {
	sp.marks[sp.asset] = price
}

// SizePosition returns the quote-currency capital to deploy on the next
// entry: equity times the per-trade risk fraction, never more than the
// cash actually on hand. Sizing from cash on hand is what keeps this path
// from ever introducing leverage.
func (sp *StrategyPortfolio) SizePosition() float64 {
	amount := sp.Equity() * sp.riskPerTrade
	if amount > sp.cash {
		sp.logger.Warn("risk amount exceeds available cash, sizing down",
			zap.Float64("risk_amount", amount),
			zap.Float64("cash", sp.cash))
		return sp.cash
	}
	return amount
}

// ApplyFill folds one confirmed fill into the ledger: cash moves by the
// quoted trade value, the position moves by the filled quantity, and a
// trade plus an equity sample are appended. quoteValue already embeds the
// commission, so cash conservation holds exactly.
//
// The fill is booked at the current clock, not at the signal bar's open
// time. The equity curve is append-only and its timestamps never go
// backwards, which bar times cannot guarantee.
func (sp *StrategyPortfolio) ApplyFill(qty, fillPrice float64, side market.Side, quoteValue float64) {
	sp.applyFill(sp.now(), qty, fillPrice, side, quoteValue)
}

func (sp *StrategyPortfolio) applyFill(ts time.Time, qty, fillPrice float64, side market.Side, quoteValue float64) {
	commission := math.Abs(quoteValue - qty*fillPrice)
	sp.tradeLog = append(sp.tradeLog, Trade{
		ID:         id.New(),
		Time:       ts,
		Asset:      sp.asset,
		Side:       side,
		Quantity:   qty,
		FillPrice:  fillPrice,
		Commission: commission,
	})

	sp.Mark(fillPrice)

	switch side {
	case market.SideBuy:
		sp.cash -= quoteValue
		sp.positions[sp.asset] += qty
	case market.SideSell:
		sp.cash += quoteValue
		sp.positions[sp.asset] -= qty
	}
	if sp.positions[sp.asset] <= positionEpsilon {
		delete(sp.positions, sp.asset)
	}

	equity := sp.Equity()
	sp.equityCurve = append(sp.equityCurve, EquityPoint{Time: ts, Equity: equity})
	sp.logger.Info("sub-portfolio updated",
		zap.String("side", side.String()),
		zap.Float64("quantity", qty),
		zap.Float64("fill_price", fillPrice),
		zap.Float64("equity", equity),
		zap.Float64("cash", sp.cash))
}

// TradeLog returns a copy of the ledger's trades.
func (sp *StrategyPortfolio) TradeLog() []Trade {
	out := make([]Trade, len(sp.tradeLog))
	copy(out, sp.tradeLog)
	return out
}

// EquityCurve returns a copy of the ledger's equity history.
func (sp *StrategyPortfolio) EquityCurve() []EquityPoint {
	out := make([]EquityPoint, len(sp.equityCurve))
	copy(out, sp.equityCurve)
	return out
}

// PnLPct is the ledger's return since allocation, in percent.
func (sp *StrategyPortfolio) PnLPct() float64 {
	if sp.initialEquity <= 0 {
		return 0
	}
	return (sp.Equity() - sp.initialEquity) / sp.initialEquity * 100
}
