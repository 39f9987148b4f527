package execution

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/market"
)

func newSimHandler(t *testing.T, cfg config.SystemConfig) *SimulatedHandler {
	t.Helper()
	h := NewSimulatedHandler(cfg, zaptest.NewLogger(t))
	h.rng = rand.New(rand.NewSource(1))
	return h
}

func TestSimulatedBuyThenSell(t *testing.T) {
	h := newSimHandler(t, config.SystemConfig{
		InitialCash:   10000,
		CommissionPct: 0.001,
	})
	ctx := context.Background()

	res, err := h.PlaceOrder(ctx, "BTC-USDT", 1, market.SideBuy, 100)
	require.NoError(t, err)
	require.True(t, res.Filled)
	assert.Equal(t, 1.0, res.Quantity)
	// adverse fill: at or above reference, within the jitter band
	assert.GreaterOrEqual(t, res.FillPrice, 100.0)
	assert.Less(t, res.FillPrice, 100.0*(1+slippageJitter)+1e-9)
	// quote value carries the commission on top of the gross
	assert.InDelta(t, res.Quantity*res.FillPrice*1.001, res.QuoteValue, 1e-9)
	assert.NotEmpty(t, res.OrderID)

	state, err := h.AccountState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000-res.QuoteValue, state.Cash, 1e-9)
	assert.Equal(t, 1.0, state.Positions["BTC-USDT"])

	sell, err := h.PlaceOrder(ctx, "BTC-USDT", 1, market.SideSell, 100)
	require.NoError(t, err)
	require.True(t, sell.Filled)
	assert.LessOrEqual(t, sell.FillPrice, 100.0)
	assert.InDelta(t, sell.Quantity*sell.FillPrice*0.999, sell.QuoteValue, 1e-9)

	state, err = h.AccountState(ctx)
	require.NoError(t, err)
	assert.NotContains(t, state.Positions, "BTC-USDT")
}

func TestSimulatedInsufficientCash(t *testing.T) {
	h := newSimHandler(t, config.SystemConfig{InitialCash: 50})
	res, err := h.PlaceOrder(context.Background(), "BTC-USDT", 1, market.SideBuy, 100)
	require.NoError(t, err)
	assert.False(t, res.Filled)
	assert.Equal(t, "insufficient cash", res.Reason)

	state, err := h.AccountState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50.0, state.Cash, "rejection leaves the account untouched")
}

func TestSimulatedSellWithoutPosition(t *testing.T) {
	h := newSimHandler(t, config.SystemConfig{InitialCash: 1000})
	res, err := h.PlaceOrder(context.Background(), "BTC-USDT", 1, market.SideSell, 100)
	require.NoError(t, err)
	assert.False(t, res.Filled)
	assert.Equal(t, "no position to sell", res.Reason)
}

func TestSimulatedPartialFillAboveNotional(t *testing.T) {
	h := newSimHandler(t, config.SystemConfig{
		InitialCash:         100000,
		PartialFillNotional: 50,
	})
	res, err := h.PlaceOrder(context.Background(), "BTC-USDT", 1, market.SideBuy, 100)
	require.NoError(t, err)
	require.True(t, res.Filled)
	assert.GreaterOrEqual(t, res.Quantity, 0.5)
	assert.Less(t, res.Quantity, 1.0)

	state, err := h.AccountState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Quantity, state.Positions["BTC-USDT"])
}

func TestSimulatedSellCapsAtHeldQuantity(t *testing.T) {
	h := newSimHandler(t, config.SystemConfig{InitialCash: 1000})
	ctx := context.Background()

	buy, err := h.PlaceOrder(ctx, "BTC-USDT", 2, market.SideBuy, 100)
	require.NoError(t, err)
	require.True(t, buy.Filled)

	sell, err := h.PlaceOrder(ctx, "BTC-USDT", 5, market.SideSell, 100)
	require.NoError(t, err)
	require.True(t, sell.Filled)
	assert.Equal(t, buy.Quantity, sell.Quantity)

	state, err := h.AccountState(ctx)
	require.NoError(t, err)
	assert.NotContains(t, state.Positions, "BTC-USDT")
}
