package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "ws://unused", "test-key", "test-secret", zaptest.NewLogger(t))
	return c, srv
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Symbol("BTC-USDT"))
	assert.Equal(t, "BTC", BaseCurrency("BTC-USDT"))
	assert.Equal(t, "USDT", QuoteCurrency("BTC-USDT"))
}

func klineRow(openMs int64, o, h, l, c, v float64) string {
	return fmt.Sprintf(`[%d,"%f","%f","%f","%f","%f",%d,"0",0,"0","0","0"]`,
		openMs, o, h, l, c, v, openMs+59999)
}

func TestGetKlinesSinglePage(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		base := int64(1700000000000)
		rows := []string{
			klineRow(base, 100, 110, 95, 105, 12),
			klineRow(base+60000, 105, 112, 104, 111, 8),
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))

	start := time.UnixMilli(1700000000000).UTC()
	candles, err := c.GetKlines(context.Background(), "BTC-USDT", "1m", start, start.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "/api/v3/klines", gotPath)
	require.Len(t, candles, 2)
	assert.Equal(t, "BTC-USDT", candles[0].Asset)
	assert.Equal(t, start, candles[0].OpenTime)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, start.Add(time.Minute), candles[1].OpenTime)
}

func TestGetKlinesPaginates(t *testing.T) {
	base := int64(1700000000000)
	var starts []int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startMs, err := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		require.NoError(t, err)
		starts = append(starts, startMs)

		n := klinesPageLimit
		if len(starts) > 1 {
			n = 3 // final short page ends the walk
		}
		rows := make([]string, n)
		for i := 0; i < n; i++ {
			openMs := startMs + int64(i)*60000
			rows[i] = klineRow(openMs, 100, 101, 99, 100, 1)
		}
		fmt.Fprintf(w, "[%s]", strings.Join(rows, ","))
	}))

	start := time.UnixMilli(base).UTC()
	end := start.Add(2000 * time.Minute)
	candles, err := c.GetKlines(context.Background(), "BTC-USDT", "1m", start, end)
	require.NoError(t, err)
	assert.Len(t, candles, klinesPageLimit+3)

	require.Len(t, starts, 2)
	lastOfFirstPage := base + int64(klinesPageLimit-1)*60000
	assert.Equal(t, lastOfFirstPage+1, starts[1], "second page starts just past the last candle")
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))

		q := r.URL.Query()
		gotSig := q.Get("signature")
		q.Del("signature")
		mac := hmac.New(sha256.New, []byte("test-secret"))
		mac.Write([]byte(q.Encode()))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
		assert.Equal(t, "1700000000000", q.Get("timestamp"))

		fmt.Fprint(w, `{"balances":[{"asset":"USDT","free":"1234.5","locked":"0"},{"asset":"BTC","free":"0.25","locked":"0"}]}`)
	}))
	c.now = func() time.Time { return fixed }

	state, err := c.GetAccountState(context.Background(), "USDT", []string{"BTC-USDT", "ETH-USDT"})
	require.NoError(t, err)
	assert.Equal(t, 1234.5, state.Cash)
	assert.Equal(t, 0.25, state.Positions["BTC-USDT"])
	assert.NotContains(t, state.Positions, "ETH-USDT", "zero balances omitted")
}

func TestSignedRequestRequiresCredentials(t *testing.T) {
	c := NewClient("http://localhost", "ws://localhost", "", "", zaptest.NewLogger(t))
	_, err := c.GetAccountState(context.Background(), "USDT", nil)
	assert.ErrorContains(t, err, "credentials")
}

func TestCreateOrder(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "IOC", q.Get("timeInForce"))
		assert.Equal(t, "0.010000", q.Get("quantity"))
		fmt.Fprint(w, `{"symbol":"BTCUSDT","orderId":42,"status":"FILLED","executedQty":"0.01","cummulativeQuoteQty":"501.20"}`)
	}))

	order, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT",
		TimeInForce: "IOC", Quantity: "0.010000", Price: "50120.00",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.OrderID)
	assert.Equal(t, StatusFilled, order.Status)

	qty, err := order.ExecutedQuantity()
	require.NoError(t, err)
	assert.Equal(t, 0.01, qty)
	quote, err := order.QuoteValue()
	require.NoError(t, err)
	assert.Equal(t, 501.20, quote)
}

func TestGetOrderBook(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"lastUpdateId":7,"bids":[["50000.0","1.5"],["49999.0","2.0"]],"asks":[["50001.0","0.5"],["50002.0","3.0"]]}`)
	}))

	book, err := c.GetOrderBook(context.Background(), "BTCUSDT", 20)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 2)
	assert.Equal(t, PriceLevel{Price: 50000.0, Quantity: 1.5}, book.Bids[0])
	assert.Equal(t, PriceLevel{Price: 50001.0, Quantity: 0.5}, book.Asks[0])
}

func TestGetSymbolFilters(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","stepSize":"0.00001","minQty":"0.00001"},
			{"filterType":"NOTIONAL","minNotional":"5.00"}]}]}`)
	}))

	filters, err := c.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.00001, filters.StepSize)
	assert.Equal(t, 0.01, filters.TickSize)
	assert.Equal(t, 5.0, filters.MinNotional)
}

func TestAPIErrorDecoding(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`)
	}))

	_, err := c.GetOrderBook(context.Background(), "BTCUSDT", 20)
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -1013, apiErr.Code)
	assert.Contains(t, apiErr.Msg, "LOT_SIZE")
}
