// Package binance is a minimal Binance spot API client covering the
// endpoints the engine needs: klines, account state, order placement and
// lookup, order book depth, and the kline websocket stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// SpotURL is the production spot REST endpoint.
	SpotURL = "https://api.binance.com"
	// TestnetURL is the spot testnet REST endpoint.
	TestnetURL = "https://testnet.binance.vision"

	// SpotWSURL is the production market data stream endpoint.
	SpotWSURL = "wss://stream.binance.com:9443"
	// TestnetWSURL is the testnet market data stream endpoint.
	TestnetWSURL = "wss://stream.testnet.binance.vision"
)

// Client is a Binance spot REST client. Signed endpoints require the API
// key and secret; public market data works without them.
type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	// now is swapped out in tests for deterministic signatures
	now func() time.Time
}

// NewClient creates a Binance client against the given REST and websocket
// base URLs. Requests are throttled well under the exchange's published
// request weight limit.
func NewClient(baseURL, wsURL, apiKey, apiSecret string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		wsURL:     strings.TrimRight(wsURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
		now:     time.Now,
	}
}

// Symbol converts an engine asset identifier like "BTC-USDT" to the
// exchange symbol "BTCUSDT".
func Symbol(asset string) string {
	return strings.ReplaceAll(asset, "-", "")
}

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Msg)
}

// get performs an unsigned GET request and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, false, out)
}

// signedCall performs a request against a signed endpoint. The timestamp
// and HMAC-SHA256 signature are appended to the query string per the
// exchange's SIGNED endpoint rules.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.apiKey == "" || c.apiSecret == "" {
		return fmt.Errorf("binance: %s %s requires API credentials", method, path)
	}
	return c.do(ctx, method, path, params, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("signature", c.sign(params.Encode()))
	}

	apiURL := c.baseURL + path
	if len(params) > 0 {
		apiURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
			apiErr.Msg = string(body)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// sign computes the hex HMAC-SHA256 of the encoded query string.
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseFloat parses the string-encoded decimals the exchange uses for
// prices and quantities.
func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
