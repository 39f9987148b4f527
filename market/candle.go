package market

import (
	"fmt"
	"time"
)

// Candle is a base-resolution OHLCV record as delivered by the exchange feed.
// A candle is immutable once it has closed; the feed only forwards closed
// candles.
type Candle struct {
	Asset    string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Bar is an OHLCV aggregate over a fixed time bucket at a strategy's chosen
// timeframe. It is derived from base candles and never persisted on its own.
type Bar = Candle

// Validate checks the structural sanity of a candle. The feed drops any
// candle that fails validation so malformed exchange messages never reach
// the aggregator.
func (c Candle) Validate() error {
	if c.Asset == "" {
		return fmt.Errorf("candle: missing asset")
	}
	if c.OpenTime.IsZero() {
		return fmt.Errorf("candle: missing open time")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle %s @ %s: non-positive price", c.Asset, c.OpenTime.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s @ %s: negative volume", c.Asset, c.OpenTime.Format(time.RFC3339))
	}
	if c.Low > c.Open || c.Low > c.Close || c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("candle %s @ %s: inverted OHLC (O=%v H=%v L=%v C=%v)",
			c.Asset, c.OpenTime.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	return nil
}
