package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/marketkit/engine/market"
)

// klinesPageLimit is the maximum candle count per /api/v3/klines request.
const klinesPageLimit = 1000

// GetKlines fetches closed candles for an asset over [start, end),
// paginating transparently: each page advances the start time past the
// last candle received, so any range length is supported.
func (c *Client) GetKlines(ctx context.Context, asset, interval string, start, end time.Time) ([]market.Candle, error) {
	symbol := Symbol(asset)
	var candles []market.Candle

	cursor := start
	for cursor.Before(end) {
		page, err := c.klinesPage(ctx, symbol, asset, interval, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		candles = append(candles, page...)
		cursor = page[len(page)-1].OpenTime.Add(time.Millisecond)
		if len(page) < klinesPageLimit {
			break
		}
	}
	return candles, nil
}

func (c *Client) klinesPage(ctx context.Context, symbol, asset, interval string, start, end time.Time) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(klinesPageLimit))

	// each kline is a positional array mixing numbers and string decimals
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", params, &rows); err != nil {
		return nil, fmt.Errorf("get klines %s %s: %w", symbol, interval, err)
	}

	candles := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKlineRow(row, asset)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKlineRow(row []json.RawMessage, asset string) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}

	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return market.Candle{}, fmt.Errorf("open time: %w", err)
	}

	fields := make([]float64, 5)
	for i, raw := range row[1:6] {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return market.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		f, err := parseFloat(s)
		if err != nil {
			return market.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		fields[i] = f
	}

	candle := market.Candle{
		Asset:    asset,
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     fields[0],
		High:     fields[1],
		Low:      fields[2],
		Close:    fields[3],
		Volume:   fields[4],
	}
	if err := candle.Validate(); err != nil {
		return market.Candle{}, err
	}
	return candle, nil
}
