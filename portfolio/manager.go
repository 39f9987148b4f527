package portfolio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/market"
	"github.com/marketkit/engine/pkg/id"
)

// cash drift below this is floating-point noise, not a discrepancy
const cashTolerance = 0.01

// Manager is the master ledger for the whole broker account. It is the
// single place final cash/position truth is recorded: every fill in the
// system enters through OnFill, and the reconciliation loop corrects it
// against the broker through Reconcile.
//
// The Manager is the one genuinely shared mutable resource in the engine;
// all mutation paths hold mu for their full duration so a fill's
// three-step update never interleaves with another fill or a
// reconciliation.
type Manager struct {
	mu sync.Mutex

	initialCash float64
	cash        float64
	positions   map[string]float64
	marks       map[string]float64
	relevant    map[string]bool

	tradeLog         []Trade
	equityCurve      []EquityPoint
	totalCommissions float64

	subs map[string]*StrategyPortfolio

	logger *zap.Logger

	// now stamps ledger entries; replaced in tests
	now func() time.Time
}

// NewManager builds the master ledger from the account's starting state.
// relevantAssets names the assets the running strategies manage; positions
// outside that set are carried but not traded.
func NewManager(initialCash float64, initialPositions map[string]float64, relevantAssets []string, logger *zap.Logger) *Manager {
	positions := make(map[string]float64, len(initialPositions))
	for asset, qty := range initialPositions {
		positions[asset] = qty
	}
	relevant := make(map[string]bool, len(relevantAssets))
	for _, asset := range relevantAssets {
		relevant[asset] = true
	}

	m := &Manager{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   positions,
		marks:       make(map[string]float64),
		relevant:    relevant,
		subs:        make(map[string]*StrategyPortfolio),
		logger:      logger.Named("master"),
		now:         func() time.Time { return time.Now().UTC() },
	}
	m.equityCurve = []EquityPoint{{Time: m.now(), Equity: initialCash}}
	m.logger.Info("master portfolio initialized",
		zap.Float64("initial_cash", initialCash),
		zap.Any("initial_positions", positions))
	return m
}

// RegisterStrategy creates and owns the isolated sub-ledger for one
// strategy, funded with initialEquity of the master's capital.
func (m *Manager) RegisterStrategy(name, asset string, initialEquity, riskPerTradePct float64) (*StrategyPortfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[name]; ok {
		return nil, fmt.Errorf("strategy %q is already registered", name)
	}
	sp := NewStrategyPortfolio(name, asset, initialEquity, riskPerTradePct, m.logger)
	m.subs[name] = sp
	return sp, nil
}

// Strategy returns the sub-ledger registered under name, if any.
func (m *Manager) Strategy(name string) (*StrategyPortfolio, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.subs[name]
	return sp, ok
}

// OnFill is the single entry point for every order fill in the system.
// The update order is fixed: master cash/position first, then the owning
// sub-ledger, then the aggregate equity curve. Reordering would let the
// master be observed inconsistent with a trade the sub-ledger already
// reflects.
//
// Fills are booked at the current clock, never at the signal bar's open
// time, so both equity curves stay in time order.
func (m *Manager) OnFill(strategyName, asset string, qty, fillPrice float64, side market.Side, quoteValue float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.now()

	// 1. Master cash and positions.
	commission := math.Abs(quoteValue - qty*fillPrice)
	m.totalCommissions += commission

	switch side {
	case market.SideBuy:
		m.cash -= quoteValue
		m.positions[asset] += qty
	case market.SideSell:
		m.cash += quoteValue
		m.positions[asset] -= qty
		if m.positions[asset] <= positionEpsilon {
			delete(m.positions, asset)
		}
	}
	m.tradeLog = append(m.tradeLog, Trade{
		ID:         id.New(),
		Time:       ts,
		Asset:      asset,
		Side:       side,
		Quantity:   qty,
		FillPrice:  fillPrice,
		Commission: commission,
	})

	m.logger.Info("fill applied to master",
		zap.String("strategy", strategyName),
		zap.String("side", side.String()),
		zap.String("asset", asset),
		zap.Float64("quantity", qty),
		zap.Float64("fill_price", fillPrice),
		zap.Float64("quote_value", quoteValue),
		zap.Float64("commission", commission),
		zap.Float64("cash", m.cash))

	// 2. Delegate the same fill to the owning sub-ledger.
	if sp, ok := m.subs[strategyName]; ok {
		sp.applyFill(ts, qty, fillPrice, side, quoteValue)
	} else {
		m.logger.Warn("fill for unregistered strategy", zap.String("strategy", strategyName))
	}

	// 3. Aggregate equity curve, marked at the fill price.
	m.marks[asset] = fillPrice
	equity := m.totalEquityLocked()
	m.equityCurve = append(m.equityCurve, EquityPoint{Time: ts, Equity: equity})
	m.logger.Info("master equity updated", zap.Float64("equity", equity))
}

// MarkPrice records the last observed market price for an asset on the
// master ledger and on every sub-ledger trading it.
func (m *Manager) MarkPrice(asset string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[asset] = price
	for _, sp := range m.subs {
		if sp.asset == asset {
			sp.Mark(price)
		}
	}
}

// TotalEquity is the master account's cash plus marked position value.
func (m *Manager) TotalEquity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalEquityLocked()
}

func (m *Manager) totalEquityLocked() float64 {
	equity := m.cash
	for asset, qty := range m.positions {
		equity += qty * m.marks[asset]
	}
	return equity
}

// Reconcile compares internal state to the broker's reported state and,
// on any mismatch beyond tolerance, overwrites the internal value with the
// external one. The broker is trusted outright; this is a correction, not
// a merge. It reports whether a discrepancy was found.
func (m *Manager) Reconcile(actualCash float64, actualPositions map[string]float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	drift := false

	if !positionsEqual(m.positions, actualPositions) {
		drift = true
		m.logger.Warn("position discrepancy, forcing update",
			zap.Any("internal", m.positions),
			zap.Any("actual", actualPositions))
		m.positions = make(map[string]float64, len(actualPositions))
		for asset, qty := range actualPositions {
			m.positions[asset] = qty
		}
	}

	if math.Abs(m.cash-actualCash) > cashTolerance {
		drift = true
		m.logger.Warn("cash discrepancy, forcing update",
			zap.Float64("internal", m.cash),
			zap.Float64("actual", actualCash))
		m.cash = actualCash
	}

	if drift {
		m.logger.Info("reconciliation forced a master portfolio update")
	}
	return drift
}

func positionsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for asset, qty := range a {
		other, ok := b[asset]
		if !ok || math.Abs(qty-other) > positionEpsilon {
			return false
		}
	}
	return true
}

// Summary is a point-in-time view of the master ledger for monitoring.
type Summary struct {
	Cash             float64            `json:"cash"`
	Positions        map[string]float64 `json:"positions"`
	TotalEquity      float64            `json:"total_equity"`
	PnL              float64            `json:"pnl"`
	PnLPct           float64            `json:"pnl_pct"`
	TotalCommissions float64            `json:"total_commissions"`
	TradeCount       int                `json:"trade_count"`
	EquityCurve      []EquityPoint      `json:"equity_curve"`
}

// Summarize snapshots the master ledger.
func (m *Manager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make(map[string]float64, len(m.positions))
	for asset, qty := range m.positions {
		positions[asset] = qty
	}
	curve := make([]EquityPoint, len(m.equityCurve))
	copy(curve, m.equityCurve)

	equity := m.totalEquityLocked()
	pnl := equity - m.initialCash
	pnlPct := 0.0
	if m.initialCash > 0 {
		pnlPct = pnl / m.initialCash * 100
	}
	return Summary{
		Cash:             m.cash,
		Positions:        positions,
		TotalEquity:      equity,
		PnL:              pnl,
		PnLPct:           pnlPct,
		TotalCommissions: m.totalCommissions,
		TradeCount:       len(m.tradeLog),
		EquityCurve:      curve,
	}
}
