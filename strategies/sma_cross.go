package strategies

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/market"
)

func init() {
	Register("sma-cross", func() Strategy { return &SMACross{} })
}

// SMACross is a momentum crossover strategy: buy when the short moving
// average crosses above the long one, sell on the opposite cross.
type SMACross struct {
	name  string
	short int
	long  int
}

func (s *SMACross) Name() string { return s.name }

func (s *SMACross) Initialize(cfg config.StrategyConfig) error {
	s.name = cfg.Name
	s.short = cfg.Params.ShortWindow
	s.long = cfg.Params.LongWindow
	if s.short == 0 {
		s.short = 20
	}
	if s.long == 0 {
		s.long = 50
	}
	if s.short >= s.long {
		return fmt.Errorf("short_window (%d) must be smaller than long_window (%d)", s.short, s.long)
	}
	return nil
}

func (s *SMACross) GenerateSignals(bars []market.Bar) []market.Signal {
	signals := make([]market.Signal, len(bars))
	if len(bars) <= s.long {
		return signals
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	fast := talib.Sma(closes, s.short)
	slow := talib.Sma(closes, s.long)

	// both averages are defined from index long-1; a cross needs the
	// previous index defined too
	for i := s.long; i < len(bars); i++ {
		switch {
		case fast[i] > slow[i] && fast[i-1] <= slow[i-1]:
			signals[i] = market.Buy
		case fast[i] < slow[i] && fast[i-1] >= slow[i-1]:
			signals[i] = market.Sell
		}
	}
	return signals
}
