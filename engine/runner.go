// Package engine wires feed, aggregator, strategy, execution, and
// accounting into running strategy loops under one supervisor.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/execution"
	"github.com/marketkit/engine/market"
	"github.com/marketkit/engine/monitor"
	"github.com/marketkit/engine/portfolio"
	"github.com/marketkit/engine/strategies"
)

// State is a strategy runner's position state. There is no terminal
// state; a runner loops until shutdown.
type State int

const (
	// StateSearching means flat, evaluating entries.
	StateSearching State = iota
	// StateInPosition means holding the asset, evaluating exits.
	StateInPosition
)

func (s State) String() string {
	if s == StateInPosition {
		return "IN_POSITION"
	}
	return "SEARCHING"
}

// maxBarHistory bounds the lookback window kept per runner. Far beyond
// what any registered strategy needs.
const maxBarHistory = 1000

// Runner is one strategy's control loop. It consumes base candles from
// its own feed channel, aggregates them to the strategy timeframe, and
// drives the SEARCHING/IN_POSITION state machine on each closed bar.
//
// State and ledger only ever advance on a confirmed fill. A rejected or
// unconfirmed order leaves both untouched and is never retried by the
// runner; the next bar's signal re-evaluates from scratch.
type Runner struct {
	name    string
	asset   string
	strat   strategies.Strategy
	sub     *portfolio.StrategyPortfolio
	master  *portfolio.Manager
	handler execution.Handler
	agg     *market.BarAggregator
	monitor *monitor.Writer

	candles <-chan market.Candle

	state       State
	bars        []market.Bar
	lastSignal  market.Signal
	lastPrice   float64
	lastBarTime time.Time

	logger *zap.Logger
}

// NewRunner builds a runner. candles is the runner's private feed
// channel; the caller owns the feed goroutine writing to it.
func NewRunner(
	strat strategies.Strategy,
	asset string,
	timeframe market.Timeframe,
	sub *portfolio.StrategyPortfolio,
	master *portfolio.Manager,
	handler execution.Handler,
	mon *monitor.Writer,
	candles <-chan market.Candle,
	logger *zap.Logger,
) *Runner {
	return &Runner{
		name:    strat.Name(),
		asset:   asset,
		strat:   strat,
		sub:     sub,
		master:  master,
		handler: handler,
		agg:     market.NewBarAggregator(asset, timeframe),
		monitor: mon,
		candles: candles,
		state:   StateSearching,
		logger:  logger.Named("runner").With(zap.String("strategy", strat.Name())),
	}
}

// Warmup seeds the runner's bar history from pre-aggregated historical
// bars so the first live decision has full lookback. partial holds the
// base candles of the bucket still open at startup; they prime the
// aggregator so the first live bar covers its whole bucket, not just
// the candles seen after the stream connected. No signals are acted on
// during warmup.
func (r *Runner) Warmup(bars []market.Bar, partial []market.Candle) {
	r.bars = append(r.bars, bars...)
	r.trimHistory()
	if len(bars) > 0 {
		r.lastBarTime = bars[len(bars)-1].OpenTime
		r.lastPrice = bars[len(bars)-1].Close
	}
	for _, c := range partial {
		for _, bar := range r.agg.Add(c) {
			if bar.OpenTime.After(r.lastBarTime) {
				r.bars = append(r.bars, bar)
				r.lastBarTime = bar.OpenTime
			}
		}
		r.lastPrice = c.Close
	}
	r.trimHistory()
	r.logger.Info("warmed up",
		zap.Int("bars", len(r.bars)),
		zap.Int("partial_candles", len(partial)))
}

// Run processes candles until the context is canceled or the feed
// channel closes.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started",
		zap.String("asset", r.asset),
		zap.String("state", r.state.String()))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner stopping", zap.Error(ctx.Err()))
			return
		case candle, ok := <-r.candles:
			if !ok {
				r.logger.Info("feed channel closed, runner stopping")
				return
			}
			r.onCandle(ctx, candle)
		}
	}
}

func (r *Runner) onCandle(ctx context.Context, candle market.Candle) {
	r.lastPrice = candle.Close
	r.master.MarkPrice(r.asset, candle.Close)

	for _, bar := range r.agg.Add(candle) {
		r.onBar(ctx, bar)
	}
}

// onBar is one full pass of the decision pipeline for a closed bar.
func (r *Runner) onBar(ctx context.Context, bar market.Bar) {
	// replays can slip through after a reconnect; bars never go backwards
	if !bar.OpenTime.After(r.lastBarTime) {
		return
	}
	r.lastBarTime = bar.OpenTime

	r.bars = append(r.bars, bar)
	r.trimHistory()

	signals := r.strat.GenerateSignals(r.bars)
	signal := market.Hold
	if len(signals) > 0 {
		signal = signals[len(signals)-1]
	}
	r.lastSignal = signal

	r.logger.Debug("bar closed",
		zap.Time("open_time", bar.OpenTime),
		zap.Float64("close", bar.Close),
		zap.String("signal", signal.String()),
		zap.String("state", r.state.String()))

	switch {
	case r.state == StateSearching && signal == market.Buy:
		r.tryEnter(ctx, bar)
	case r.state == StateInPosition && signal == market.Sell:
		r.tryExit(ctx, bar)
	}

	r.publishSnapshot()
}

// tryEnter sizes and submits a BUY. Only a confirmed fill moves the
// runner to IN_POSITION.
func (r *Runner) tryEnter(ctx context.Context, bar market.Bar) {
	amount := r.sub.SizePosition()
	if amount <= 0 || bar.Close <= 0 {
		r.logger.Warn("no capital to deploy, staying flat")
		return
	}
	qty := amount / bar.Close

	res, err := r.handler.PlaceOrder(ctx, r.asset, qty, market.SideBuy, bar.Close)
	if err != nil {
		r.logger.Error("buy order failed, state unchanged", zap.Error(err))
		return
	}
	if !res.Filled {
		r.logger.Warn("buy order rejected, state unchanged", zap.String("reason", res.Reason))
		return
	}

	r.master.OnFill(r.name, r.asset, res.Quantity, res.FillPrice, market.SideBuy, res.QuoteValue)
	r.state = StateInPosition
	r.logger.Info("entered position",
		zap.Float64("quantity", res.Quantity),
		zap.Float64("fill_price", res.FillPrice),
		zap.String("order_id", res.OrderID))
}

// tryExit submits a SELL for the entire held quantity. Only a confirmed
// fill moves the runner back to SEARCHING.
func (r *Runner) tryExit(ctx context.Context, bar market.Bar) {
	qty := r.sub.Position()
	if qty <= 0 {
		r.logger.Warn("sell signal with no held quantity, resetting to searching")
		r.state = StateSearching
		return
	}

	res, err := r.handler.PlaceOrder(ctx, r.asset, qty, market.SideSell, bar.Close)
	if err != nil {
		r.logger.Error("sell order failed, state unchanged", zap.Error(err))
		return
	}
	if !res.Filled {
		r.logger.Warn("sell order rejected, state unchanged", zap.String("reason", res.Reason))
		return
	}

	r.master.OnFill(r.name, r.asset, res.Quantity, res.FillPrice, market.SideSell, res.QuoteValue)
	if r.sub.Position() <= 0 {
		r.state = StateSearching
	}
	r.logger.Info("exited position",
		zap.Float64("quantity", res.Quantity),
		zap.Float64("fill_price", res.FillPrice),
		zap.String("order_id", res.OrderID))
}

func (r *Runner) trimHistory() {
	if len(r.bars) > maxBarHistory {
		r.bars = r.bars[len(r.bars)-maxBarHistory:]
	}
}

// publishSnapshot refreshes the strategy's monitor file. Snapshot
// failures are logged and otherwise ignored; monitoring must never
// stall trading.
func (r *Runner) publishSnapshot() {
	if r.monitor == nil {
		return
	}
	snap := monitor.StrategySnapshot{
		Strategy:     r.name,
		Asset:        r.asset,
		State:        r.state.String(),
		LastSignal:   r.lastSignal.String(),
		CurrentPrice: r.lastPrice,
		Cash:         r.sub.Cash(),
		Position:     r.sub.Position(),
		Equity:       r.sub.Equity(),
		PnLPct:       r.sub.PnLPct(),
		TradeCount:   len(r.sub.TradeLog()),
		UpdatedAt:    time.Now().UTC(),
		EquityCurve:  r.sub.EquityCurve(),
		TradeLog:     r.sub.TradeLog(),
	}
	if err := r.monitor.WriteStrategy(snap); err != nil {
		r.logger.Warn("snapshot write failed", zap.Error(err))
	}
}
