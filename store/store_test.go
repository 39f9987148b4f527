package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketkit/engine/market"
)

func openTestStore(t *testing.T) *CandleStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func candleAt(ts time.Time, close float64) market.Candle {
	return market.Candle{
		Asset:    "BTC-USDT",
		OpenTime: ts,
		Open:     close, High: close, Low: close, Close: close,
		Volume: 1,
	}
}

func TestAppendAndFetchRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, candleAt(start.Add(time.Duration(i)*time.Minute), 100+float64(i))))
	}

	// half-open range: the candle at +4m is excluded, +1m..+3m included
	got, err := s.FetchRange(ctx, "BTC-USDT", start.Add(time.Minute), start.Add(4*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, start.Add(time.Minute), got[0].OpenTime)
	assert.Equal(t, 101.0, got[0].Close)
	assert.Equal(t, 102.0, got[1].Close)
	assert.Equal(t, 103.0, got[2].Close)
	assert.Equal(t, start.Add(3*time.Minute), got[2].OpenTime)
}

func TestAppendIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, candleAt(ts, 100)))
	require.NoError(t, s.Append(ctx, candleAt(ts, 999)), "replay must not error")

	n, err := s.Count(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.FetchRange(ctx, "BTC-USDT", ts, ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].Close, "first write wins")
}

func TestAppendBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	batch := make([]market.Candle, 100)
	for i := range batch {
		batch[i] = candleAt(start.Add(time.Duration(i)*time.Minute), 100)
	}
	require.NoError(t, s.AppendBatch(ctx, batch))
	require.NoError(t, s.AppendBatch(ctx, batch), "re-ingesting the batch is a no-op")

	n, err := s.Count(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestLatestTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	latest, err := s.LatestTime(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.True(t, latest.IsZero(), "empty store has no latest time")

	ts := time.Date(2024, 3, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, s.Append(ctx, candleAt(ts.Add(-time.Minute), 100)))
	require.NoError(t, s.Append(ctx, candleAt(ts, 101)))

	latest, err = s.LatestTime(ctx, "BTC-USDT")
	require.NoError(t, err)
	assert.Equal(t, ts, latest)
}

func TestFetchRangeScopedToAsset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, candleAt(ts, 100)))
	other := candleAt(ts, 200)
	other.Asset = "ETH-USDT"
	require.NoError(t, s.Append(ctx, other))

	got, err := s.FetchRange(ctx, "ETH-USDT", ts, ts.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ETH-USDT", got[0].Asset)
}
