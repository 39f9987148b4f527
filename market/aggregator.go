package market

import "time"

// BarAggregator converts a stream of base-resolution candles into closed
// bars at one strategy's timeframe. A bar is emitted exactly once per
// bucket: either when the final base candle of the bucket arrives, or when
// the stream jumps past the bucket boundary (a feed gap), whichever comes
// first.
type BarAggregator struct {
	asset string
	tf    Timeframe
	base  Timeframe

	bucket   time.Time // start of the bucket being built; zero when empty
	current  Bar
	building bool
	lastOpen time.Time
}

// NewBarAggregator returns an aggregator that derives tf bars from
// BaseResolution candles for one asset.
func NewBarAggregator(asset string, tf Timeframe) *BarAggregator {
	return &BarAggregator{asset: asset, tf: tf, base: BaseResolution}
}

// Add folds one base candle into the aggregate and returns any bars that
// closed as a result. Candles that do not advance the stream (duplicates or
// replays after a reconnect) are ignored.
func (a *BarAggregator) Add(c Candle) []Bar {
	if !a.lastOpen.IsZero() && !c.OpenTime.After(a.lastOpen) {
		return nil
	}
	a.lastOpen = c.OpenTime

	var closed []Bar
	bucket := a.tf.Bucket(c.OpenTime)

	// A candle from a later bucket means the previous bucket can never
	// grow again: flush it even though its final candles never arrived.
	if a.building && bucket.After(a.bucket) {
		closed = append(closed, a.current)
		a.building = false
	}

	if !a.building {
		a.bucket = bucket
		a.current = Bar{
			Asset:    a.asset,
			OpenTime: bucket,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		}
		a.building = true
	} else {
		if c.High > a.current.High {
			a.current.High = c.High
		}
		if c.Low < a.current.Low {
			a.current.Low = c.Low
		}
		a.current.Close = c.Close
		a.current.Volume += c.Volume
	}

	// The bucket is complete once this candle's interval touches the
	// bucket's end.
	if !c.OpenTime.Add(a.base.Duration()).Before(a.bucket.Add(a.tf.Duration())) {
		closed = append(closed, a.current)
		a.building = false
	}

	return closed
}

// Aggregate re-derives closed tf bars from a slice of base candles, in
// order. It is used to warm strategies up from stored history before live
// candles arrive; the trailing partial bucket is discarded.
func Aggregate(candles []Candle, asset string, tf Timeframe) []Bar {
	agg := NewBarAggregator(asset, tf)
	var bars []Bar
	for _, c := range candles {
		bars = append(bars, agg.Add(c)...)
	}
	return bars
}
