package execution

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/market"
	"github.com/marketkit/engine/pkg/id"
)

// SimulatedHandler fills orders against a simple broker model for paper
// trading. Fills happen at the reference price pushed adversely by a
// configurable slippage plus a small random component, pay the
// configured commission, and may fill partially above a notional
// threshold. It keeps its own shadow cash and positions so that
// reconciliation exercises the same path as live trading.
type SimulatedHandler struct {
	mu        sync.Mutex
	cash      float64
	positions map[string]float64

	commissionPct       float64
	slippagePct         float64
	partialFillNotional float64

	rng    *rand.Rand
	logger *zap.Logger
}

// jitter added on top of the configured slippage, expressed as a
// fraction of price.
const slippageJitter = 0.0002

// NewSimulatedHandler builds a paper trading handler funded with the
// configured initial cash.
func NewSimulatedHandler(cfg config.SystemConfig, logger *zap.Logger) *SimulatedHandler {
	return &SimulatedHandler{
		cash:                cfg.InitialCash,
		positions:           make(map[string]float64),
		commissionPct:       cfg.CommissionPct,
		slippagePct:         cfg.PaperSlippagePct,
		partialFillNotional: cfg.PartialFillNotional,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:              logger.Named("sim"),
	}
}

func (h *SimulatedHandler) PlaceOrder(ctx context.Context, asset string, qty float64, side market.Side, refPrice float64) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	fillQty := qty
	if h.partialFillNotional > 0 && qty*refPrice > h.partialFillNotional {
		// large orders fill 50-100% to mimic thin liquidity
		fillQty = qty * (0.5 + 0.5*h.rng.Float64())
	}

	slip := h.slippagePct + h.rng.Float64()*slippageJitter
	fillPrice := refPrice * (1 + slip)
	if side == market.SideSell {
		fillPrice = refPrice * (1 - slip)
	}

	gross := fillQty * fillPrice
	commission := gross * h.commissionPct

	switch side {
	case market.SideBuy:
		cost := gross + commission
		if cost > h.cash {
			h.logger.Warn("order rejected, insufficient cash",
				zap.String("asset", asset),
				zap.Float64("cost", cost),
				zap.Float64("cash", h.cash))
			return &OrderResult{Reason: "insufficient cash"}, nil
		}
		h.cash -= cost
		h.positions[asset] += fillQty
		return h.fillResult(asset, fillQty, fillPrice, cost), nil

	case market.SideSell:
		held := h.positions[asset]
		if held <= 0 {
			return &OrderResult{Reason: "no position to sell"}, nil
		}
		if fillQty > held {
			fillQty = held
			gross = fillQty * fillPrice
			commission = gross * h.commissionPct
		}
		proceeds := gross - commission
		h.cash += proceeds
		h.positions[asset] -= fillQty
		if h.positions[asset] <= 1e-9 {
			delete(h.positions, asset)
		}
		return h.fillResult(asset, fillQty, fillPrice, proceeds), nil

	default:
		return &OrderResult{Reason: "unknown side " + string(side)}, nil
	}
}

func (h *SimulatedHandler) fillResult(asset string, qty, price, quote float64) *OrderResult {
	res := &OrderResult{
		Filled:     true,
		Quantity:   qty,
		FillPrice:  price,
		QuoteValue: quote,
		OrderID:    "sim-" + id.New(),
	}
	h.logger.Info("simulated fill",
		zap.String("asset", asset),
		zap.String("order_id", res.OrderID),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("quote_value", quote))
	return res
}

func (h *SimulatedHandler) AccountState(ctx context.Context) (*AccountSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	positions := make(map[string]float64, len(h.positions))
	for k, v := range h.positions {
		positions[k] = v
	}
	return &AccountSnapshot{Cash: h.cash, Positions: positions}, nil
}
