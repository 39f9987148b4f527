package execution

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/binance"
	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/market"
)

// depthLevels is how many order book levels the pre-trade check walks.
const depthLevels = 100

// BinanceHandler executes orders on the Binance spot exchange.
//
// Placement runs in three phases:
//
//  1. Pre-trade: walk the order book to the order's size and compute the
//     volume-weighted fill price. If the book is too thin or the walk
//     moves price beyond the configured slippage limit, the order is
//     rejected before anything reaches the exchange.
//  2. Placement: a LIMIT IOC order at the best price on the far side of
//     the book. Whatever cannot fill immediately is canceled by the
//     exchange, so the engine is never left with a resting order.
//  3. Verification: poll until the order reaches a terminal status. A
//     fill is only reported once the exchange confirms it.
type BinanceHandler struct {
	client *binance.Client

	quoteCurrency  string
	assets         []string
	maxSlippagePct float64
	verifyRetries  int
	verifyDelay    time.Duration

	mu      sync.Mutex
	filters map[string]*binance.SymbolFilters

	logger *zap.Logger

	// sleep is replaced in tests to skip real verification delays
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBinanceHandler builds a live handler over an authenticated client.
// assets lists every asset the engine manages; account snapshots are
// restricted to them.
func NewBinanceHandler(client *binance.Client, cfg config.SystemConfig, assets []string, logger *zap.Logger) *BinanceHandler {
	return &BinanceHandler{
		client:         client,
		quoteCurrency:  "USDT",
		assets:         assets,
		maxSlippagePct: cfg.MaxSlippagePct,
		verifyRetries:  cfg.OrderVerifyRetries,
		verifyDelay:    cfg.OrderVerifyDelay.Std(),
		filters:        make(map[string]*binance.SymbolFilters),
		logger:         logger.Named("binance"),
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (h *BinanceHandler) PlaceOrder(ctx context.Context, asset string, qty float64, side market.Side, refPrice float64) (*OrderResult, error) {
	symbol := binance.Symbol(asset)

	filters, err := h.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}

	quantity, ok := formatQuantity(qty, filters)
	if !ok {
		return &OrderResult{Reason: "quantity below minimum lot size"}, nil
	}
	if filters.MinNotional > 0 && qty*refPrice < filters.MinNotional {
		return &OrderResult{Reason: "order below minimum notional"}, nil
	}

	book, err := h.client.GetOrderBook(ctx, symbol, depthLevels)
	if err != nil {
		return nil, fmt.Errorf("pre-trade depth check: %w", err)
	}
	limitPrice, reason := h.checkDepth(book, qty, side)
	if reason != "" {
		h.logger.Warn("order rejected by pre-trade check",
			zap.String("asset", asset),
			zap.String("side", string(side)),
			zap.Float64("qty", qty),
			zap.String("reason", reason))
		return &OrderResult{Reason: reason}, nil
	}

	order, err := h.client.CreateOrder(ctx, binance.OrderRequest{
		Symbol:      symbol,
		Side:        string(side),
		Type:        "LIMIT",
		TimeInForce: "IOC",
		Quantity:    quantity,
		Price:       formatPrice(limitPrice, filters),
	})
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	h.logger.Info("order submitted",
		zap.String("asset", asset),
		zap.String("side", string(side)),
		zap.Int64("order_id", order.OrderID),
		zap.String("status", order.Status))

	return h.verifyFill(ctx, symbol, side, order)
}

// checkDepth walks the far side of the book to the order's size and
// returns the best-of-book limit price, or a rejection reason when the
// book cannot absorb the order within the slippage limit.
func (h *BinanceHandler) checkDepth(book *binance.OrderBook, qty float64, side market.Side) (float64, string) {
	levels := book.Asks
	if side == market.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return 0, "empty order book"
	}

	best := levels[0].Price
	remaining := qty
	cost := 0.0
	for _, lvl := range levels {
		take := math.Min(remaining, lvl.Quantity)
		cost += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if remaining > 0 {
		return 0, "insufficient depth for order size"
	}

	vwap := cost / qty
	slippagePct := math.Abs(vwap-best) / best * 100
	if slippagePct > h.maxSlippagePct {
		return 0, fmt.Sprintf("expected slippage %.4f%% exceeds limit %.4f%%", slippagePct, h.maxSlippagePct)
	}
	return best, ""
}

// verifyFill polls the order until it is FILLED or EXPIRED, or the retry
// budget runs out. An unconfirmed order is an error, not a rejection:
// the caller must not touch its ledgers because the true outcome is
// unknown.
func (h *BinanceHandler) verifyFill(ctx context.Context, symbol string, side market.Side, order *binance.Order) (*OrderResult, error) {
	current := order
	for attempt := 0; ; attempt++ {
		switch current.Status {
		case binance.StatusFilled:
			return h.fillResult(ctx, symbol, side, current)
		case binance.StatusExpired, binance.StatusCanceled, binance.StatusRejected:
			qty, err := current.ExecutedQuantity()
			if err != nil {
				return nil, fmt.Errorf("parse executed qty: %w", err)
			}
			if qty > 0 {
				// IOC partially filled before the remainder expired
				return h.fillResult(ctx, symbol, side, current)
			}
			return &OrderResult{
				OrderID: strconv.FormatInt(current.OrderID, 10),
				Reason:  "order " + current.Status + " unfilled",
			}, nil
		}

		if attempt >= h.verifyRetries {
			return nil, fmt.Errorf("order %d fill unconfirmed after %d checks, last status %s",
				current.OrderID, h.verifyRetries, current.Status)
		}
		if err := h.sleep(ctx, h.verifyDelay); err != nil {
			return nil, err
		}

		refreshed, err := h.client.GetOrder(ctx, symbol, order.OrderID)
		if err != nil {
			h.logger.Warn("order verification poll failed",
				zap.Int64("order_id", order.OrderID),
				zap.Error(err))
			continue
		}
		current = refreshed
	}
}

// fillResult converts a confirmed order into an OrderResult, folding the
// actual commission into the quote value.
func (h *BinanceHandler) fillResult(ctx context.Context, symbol string, side market.Side, order *binance.Order) (*OrderResult, error) {
	qty, err := order.ExecutedQuantity()
	if err != nil {
		return nil, fmt.Errorf("parse executed qty: %w", err)
	}
	quote, err := order.QuoteValue()
	if err != nil {
		return nil, fmt.Errorf("parse quote value: %w", err)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("order %d reported filled with zero quantity", order.OrderID)
	}
	fillPrice := quote / qty

	commission, err := h.commissionInQuote(ctx, symbol, order.OrderID, fillPrice)
	if err != nil {
		// the fill stands; missing commission data only skews accounting
		h.logger.Warn("could not fetch commission, booking fill without it",
			zap.Int64("order_id", order.OrderID),
			zap.Error(err))
	}

	quoteValue := quote + commission
	if side == market.SideSell {
		quoteValue = quote - commission
	}
	return &OrderResult{
		Filled:     true,
		Quantity:   qty,
		FillPrice:  fillPrice,
		QuoteValue: quoteValue,
		OrderID:    strconv.FormatInt(order.OrderID, 10),
	}, nil
}

// commissionInQuote sums the commissions across an order's executions,
// converting base-denominated commission at the fill price.
func (h *BinanceHandler) commissionInQuote(ctx context.Context, symbol string, orderID int64, fillPrice float64) (float64, error) {
	fills, err := h.client.GetOrderFills(ctx, symbol, orderID)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, f := range fills {
		c, err := strconv.ParseFloat(f.Commission, 64)
		if err != nil {
			return 0, fmt.Errorf("parse commission: %w", err)
		}
		if f.CommissionAsset == h.quoteCurrency {
			total += c
		} else {
			total += c * fillPrice
		}
	}
	return total, nil
}

func (h *BinanceHandler) AccountState(ctx context.Context) (*AccountSnapshot, error) {
	state, err := h.client.GetAccountState(ctx, h.quoteCurrency, h.assets)
	if err != nil {
		return nil, err
	}
	return &AccountSnapshot{Cash: state.Cash, Positions: state.Positions}, nil
}

func (h *BinanceHandler) symbolFilters(ctx context.Context, symbol string) (*binance.SymbolFilters, error) {
	h.mu.Lock()
	if f, ok := h.filters[symbol]; ok {
		h.mu.Unlock()
		return f, nil
	}
	h.mu.Unlock()

	f, err := h.client.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch symbol filters: %w", err)
	}

	h.mu.Lock()
	h.filters[symbol] = f
	h.mu.Unlock()
	return f, nil
}

// formatQuantity floors qty to the symbol's lot step and renders it with
// the step's precision. Returns false when the floored quantity falls
// below the minimum lot.
func formatQuantity(qty float64, filters *binance.SymbolFilters) (string, bool) {
	step := filters.StepSize
	// the epsilon keeps binary representation error from knocking an
	// exact multiple of step down a whole lot
	floored := math.Floor(qty/step+1e-9) * step
	if floored < filters.MinQty || floored <= 0 {
		return "", false
	}
	return strconv.FormatFloat(floored, 'f', decimalPlaces(step), 64), true
}

// formatPrice rounds price down to the symbol's tick size.
func formatPrice(price float64, filters *binance.SymbolFilters) string {
	tick := filters.TickSize
	if tick <= 0 {
		return strconv.FormatFloat(price, 'f', -1, 64)
	}
	floored := math.Floor(price/tick+1e-9) * tick
	return strconv.FormatFloat(floored, 'f', decimalPlaces(tick), 64)
}

// decimalPlaces derives display precision from a step like 0.00001.
func decimalPlaces(step float64) int {
	if step >= 1 {
		return 0
	}
	places := int(math.Round(-math.Log10(step)))
	if places < 0 {
		places = 0
	}
	return places
}
