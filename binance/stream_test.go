package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/marketkit/engine/market"
)

func TestBackoffDelayBounds(t *testing.T) {
	cases := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		d := backoffDelay(tc.attempt)
		assert.GreaterOrEqual(t, d, tc.base, "attempt %d", tc.attempt)
		assert.Less(t, d, tc.base+time.Second, "attempt %d", tc.attempt)
	}
}

func TestParseEventFiltersOpenAndMalformed(t *testing.T) {
	out := make(chan market.Candle, 1)
	s := NewKlineStream("ws://unused", "BTC-USDT", out, zaptest.NewLogger(t))

	_, ok := s.parseEvent([]byte(`{not json`))
	assert.False(t, ok)

	// open candle, dropped
	_, ok = s.parseEvent([]byte(`{"e":"kline","k":{"t":1700000000000,"o":"100","h":"110","l":"95","c":"105","v":"2","x":false}}`))
	assert.False(t, ok)

	// high below low, dropped by validation
	_, ok = s.parseEvent([]byte(`{"e":"kline","k":{"t":1700000000000,"o":"100","h":"90","l":"95","c":"105","v":"2","x":true}}`))
	assert.False(t, ok)

	candle, ok := s.parseEvent([]byte(`{"e":"kline","k":{"t":1700000000000,"o":"100","h":"110","l":"95","c":"105","v":"2","x":true}}`))
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT", candle.Asset)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), candle.OpenTime)
	assert.Equal(t, 105.0, candle.Close)
}

func TestStreamDeliversClosedCandles(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/btcusdt@kline_1m", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		msgs := []string{
			`{"e":"kline","k":{"t":1700000000000,"o":"100","h":"110","l":"95","c":"105","v":"2","x":false}}`,
			`{"e":"kline","k":{"t":1700000000000,"o":"100","h":"110","l":"95","c":"105","v":"2","x":true}}`,
		}
		for _, m := range msgs {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(m)))
		}
		// hold the connection open until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	out := make(chan market.Candle, 4)
	s := NewKlineStream(wsURL, "BTC-USDT", out, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.runOnce(ctx) }()

	select {
	case candle := <-out:
		assert.Equal(t, 105.0, candle.Close)
	case <-time.After(5 * time.Second):
		t.Fatal("no candle delivered")
	}
	// only the closed candle came through
	assert.Empty(t, out)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("runOnce did not stop on cancel")
	}
}
