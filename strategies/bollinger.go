package strategies

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/market"
)

func init() {
	Register("bollinger-reversion", func() Strategy { return &BollingerReversion{} })
}

// BollingerReversion is a long-only mean-reversion strategy: enter when
// price crosses back up through the lower Bollinger band (optionally
// confirmed by an oversold RSI), exit when price reverts above the middle
// band.
type BollingerReversion struct {
	name         string
	period       int
	stdDev       float64
	useRSIFilter bool
	rsiPeriod    int
	rsiOversold  float64
}

func (s *BollingerReversion) Name() string { return s.name }

func (s *BollingerReversion) Initialize(cfg config.StrategyConfig) error {
	s.name = cfg.Name
	s.period = cfg.Params.BBPeriod
	s.stdDev = cfg.Params.BBStdDev
	s.useRSIFilter = cfg.Params.UseRSIFilter
	s.rsiPeriod = cfg.Params.RSIPeriod
	s.rsiOversold = cfg.Params.RSIOversold

	if s.period == 0 {
		s.period = 20
	}
	if s.stdDev == 0 {
		s.stdDev = 2.0
	}
	if s.rsiPeriod == 0 {
		s.rsiPeriod = 14
	}
	if s.rsiOversold == 0 {
		s.rsiOversold = 30
	}
	if s.period < 2 {
		return fmt.Errorf("bb_period must be at least 2")
	}
	if s.stdDev <= 0 {
		return fmt.Errorf("bb_std_dev must be positive")
	}
	return nil
}

func (s *BollingerReversion) GenerateSignals(bars []market.Bar) []market.Signal {
	signals := make([]market.Signal, len(bars))
	warmup := s.period
	if s.useRSIFilter && s.rsiPeriod+1 > warmup {
		warmup = s.rsiPeriod + 1
	}
	if len(bars) <= warmup {
		return signals
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	_, middle, lower := talib.BBands(closes, s.period, s.stdDev, s.stdDev, talib.SMA)

	var rsi []float64
	if s.useRSIFilter {
		rsi = talib.Rsi(closes, s.rsiPeriod)
	}

	for i := warmup; i < len(bars); i++ {
		crossedLowerUp := closes[i-1] < lower[i-1] && closes[i] > lower[i]
		if crossedLowerUp && (!s.useRSIFilter || rsi[i] < s.rsiOversold) {
			signals[i] = market.Buy
			continue
		}
		if closes[i-1] <= middle[i-1] && closes[i] > middle[i] {
			signals[i] = market.Sell
		}
	}
	return signals
}
