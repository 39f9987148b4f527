package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketkit/engine/portfolio"
)

func TestWriteStrategySnapshot(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "nested", "out"), zaptest.NewLogger(t))
	require.NoError(t, err, "writer creates its directory")

	snap := StrategySnapshot{
		Strategy:     "momo",
		Asset:        "BTC-USDT",
		State:        "IN_POSITION",
		LastSignal:   "BUY",
		CurrentPrice: 50000,
		Cash:         1000,
		Position:     0.02,
		Equity:       2000,
		PnLPct:       3.5,
		TradeCount:   4,
		UpdatedAt:    time.Now().UTC(),
	}
	require.NoError(t, w.WriteStrategy(snap))

	data, err := os.ReadFile(filepath.Join(dir, "nested", "out", "momo_status.json"))
	require.NoError(t, err)

	var got StrategySnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "IN_POSITION", got.State)
	assert.Equal(t, "BUY", got.LastSignal)
	assert.Equal(t, 0.02, got.Position)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Join(dir, "nested", "out"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, w.WriteSummary(portfolio.Summary{
		Cash:        90000,
		TotalEquity: 101000,
		PnLPct:      1.0,
		TradeCount:  7,
		Positions:   map[string]float64{"BTC-USDT": 0.2},
	}))

	data, err := os.ReadFile(filepath.Join(dir, "master_portfolio.json"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 101000.0, got["total_equity"])
	assert.NotEmpty(t, got["updated_at"])
}

func TestSnapshotOverwrite(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteStrategy(StrategySnapshot{Strategy: "momo", TradeCount: i}))
	}

	data, err := os.ReadFile(filepath.Join(dir, "momo_status.json"))
	require.NoError(t, err)
	var got StrategySnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 2, got.TradeCount, "last write wins")
}
