package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marketkit/engine/market"
)

func newManager(t *testing.T, cash float64) *Manager {
	t.Helper()
	return NewManager(cash, nil, []string{"BTC-USDT"}, zaptest.NewLogger(t))
}

func TestRegisterStrategy(t *testing.T) {
	m := newManager(t, 100000)

	sp, err := m.RegisterStrategy("momo", "BTC-USDT", 50000, 0.02)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, sp.Equity())

	_, err = m.RegisterStrategy("momo", "BTC-USDT", 1, 0.02)
	assert.Error(t, err, "duplicate registration must fail")

	got, ok := m.Strategy("momo")
	require.True(t, ok)
	assert.Same(t, sp, got)
}

func TestOnFillUpdatesMasterThenSub(t *testing.T) {
	m := newManager(t, 100000)
	sp, err := m.RegisterStrategy("momo", "BTC-USDT", 50000, 0.02)
	require.NoError(t, err)

	quote := 0.5*20000 + 10 // 10 commission
	m.OnFill("momo", "BTC-USDT", 0.5, 20000, market.SideBuy, quote)

	sum := m.Summarize()
	assert.InDelta(t, 100000-quote, sum.Cash, 1e-9)
	assert.InDelta(t, 0.5, sum.Positions["BTC-USDT"], 1e-12)
	assert.InDelta(t, 10, sum.TotalCommissions, 1e-9)
	assert.Equal(t, 1, sum.TradeCount)
	// equity curve gained a post-fill sample marked at the fill price
	require.Len(t, sum.EquityCurve, 2)
	assert.InDelta(t, 100000-10, sum.EquityCurve[1].Equity, 1e-9)

	// the same fill reached the owning sub-ledger
	assert.InDelta(t, 0.5, sp.Position(), 1e-12)
	require.Len(t, sp.TradeLog(), 1)

	// selling everything restores cash minus both commissions
	proceeds := 0.5*20000 - 10
	m.OnFill("momo", "BTC-USDT", 0.5, 20000, market.SideSell, proceeds)
	sum = m.Summarize()
	assert.InDelta(t, 100000-20, sum.Cash, 1e-9)
	assert.NotContains(t, sum.Positions, "BTC-USDT")
}

func TestOnFillBooksAtClock(t *testing.T) {
	m := newManager(t, 100000)
	sp, err := m.RegisterStrategy("momo", "BTC-USDT", 50000, 0.02)
	require.NoError(t, err)

	clock := time.Now().UTC()
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	m.OnFill("momo", "BTC-USDT", 0.5, 100, market.SideBuy, 50)
	m.OnFill("momo", "BTC-USDT", 0.5, 110, market.SideSell, 55)

	// both curves start at their creation sample and only move forward
	for _, curve := range [][]EquityPoint{m.Summarize().EquityCurve, sp.EquityCurve()} {
		require.Len(t, curve, 3)
		for i := 1; i < len(curve); i++ {
			assert.False(t, curve[i].Time.Before(curve[i-1].Time))
		}
	}

	// master and sub book the same fill at the same instant
	assert.Equal(t, m.Summarize().EquityCurve[1].Time, sp.EquityCurve()[1].Time)
	assert.Equal(t, sp.TradeLog()[0].Time, sp.EquityCurve()[1].Time)
}

func TestOnFillUnknownStrategy(t *testing.T) {
	m := newManager(t, 1000)
	// must not panic; the master still books the fill
	m.OnFill("ghost", "BTC-USDT", 0.1, 100, market.SideBuy, 10)
	assert.InDelta(t, 990.0, m.Summarize().Cash, 1e-9)
}

func TestReconcileOverwritesOnDrift(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewManager(1000, nil, nil, zap.New(core))

	drift := m.Reconcile(950, map[string]float64{"BTC-USDT": 0.25})
	assert.True(t, drift)

	sum := m.Summarize()
	assert.Equal(t, 950.0, sum.Cash)
	assert.Equal(t, 0.25, sum.Positions["BTC-USDT"])
	assert.NotZero(t, logs.FilterMessageSnippet("discrepancy").Len())
}

func TestReconcileNoOpWithinTolerance(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	m := NewManager(1000, map[string]float64{"BTC-USDT": 0.5}, nil, zap.New(core))

	drift := m.Reconcile(1000.005, map[string]float64{"BTC-USDT": 0.5})
	assert.False(t, drift)
	assert.Equal(t, 1000.0, m.Summarize().Cash, "state unchanged within tolerance")
	assert.Zero(t, logs.Len(), "no discrepancy log within tolerance")
}

func TestMarkPriceFlowsToSubs(t *testing.T) {
	m := newManager(t, 100000)
	sp, err := m.RegisterStrategy("momo", "BTC-USDT", 50000, 0.02)
	require.NoError(t, err)

	m.OnFill("momo", "BTC-USDT", 1, 100, market.SideBuy, 100)
	m.MarkPrice("BTC-USDT", 150)

	assert.InDelta(t, 50050.0, sp.Equity(), 1e-9)
	assert.InDelta(t, 100050.0, m.TotalEquity(), 1e-9)
}
