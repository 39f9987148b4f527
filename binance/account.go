package binance

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Balance is a single currency balance on the spot account.
type Balance struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountResponse struct {
	Balances []Balance `json:"balances"`
}

// AccountState is the subset of account data the engine reconciles
// against: free quote-currency cash plus the free base balance of each
// asset it manages.
type AccountState struct {
	Cash      float64
	Positions map[string]float64
}

// GetAccountState fetches current balances and maps them onto the given
// assets. Cash is the free balance of quoteCurrency (typically "USDT");
// positions carry the free base balance keyed by the full asset
// identifier, zero balances omitted.
func (c *Client) GetAccountState(ctx context.Context, quoteCurrency string, assets []string) (*AccountState, error) {
	var resp accountResponse
	if err := c.signedCall(ctx, "GET", "/api/v3/account", url.Values{}, &resp); err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	free := make(map[string]float64, len(resp.Balances))
	for _, b := range resp.Balances {
		f, err := parseFloat(b.Free)
		if err != nil {
			return nil, fmt.Errorf("parse balance %s: %w", b.Asset, err)
		}
		free[b.Asset] = f
	}

	state := &AccountState{
		Cash:      free[quoteCurrency],
		Positions: make(map[string]float64),
	}
	for _, asset := range assets {
		base := BaseCurrency(asset)
		if qty := free[base]; qty > 0 {
			state.Positions[asset] = qty
		}
	}
	return state, nil
}

// BaseCurrency returns the base side of an asset identifier:
// "BTC-USDT" -> "BTC".
func BaseCurrency(asset string) string {
	if i := strings.IndexByte(asset, '-'); i > 0 {
		return asset[:i]
	}
	return asset
}

// QuoteCurrency returns the quote side of an asset identifier:
// "BTC-USDT" -> "USDT".
func QuoteCurrency(asset string) string {
	if i := strings.IndexByte(asset, '-'); i >= 0 && i+1 < len(asset) {
		return asset[i+1:]
	}
	return asset
}
