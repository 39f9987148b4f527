package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/binance"
	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/execution"
	"github.com/marketkit/engine/market"
	"github.com/marketkit/engine/monitor"
	"github.com/marketkit/engine/portfolio"
	"github.com/marketkit/engine/store"
	"github.com/marketkit/engine/strategies"
)

// candleBuffer is the per-strategy feed channel depth. Bars close at
// most once a minute, so this only absorbs reconnect replays.
const candleBuffer = 256

// Supervisor owns the whole engine: it validates configuration, builds
// the execution handler and master portfolio, constructs one runner per
// strategy, and runs feeds, runners, reconciliation, and monitoring
// until shutdown.
//
// Everything is wired explicitly here; components receive their
// collaborators as constructor arguments and share nothing ambient.
type Supervisor struct {
	cfg     *config.Config
	client  *binance.Client
	handler execution.Handler
	master  *portfolio.Manager
	store   *store.CandleStore
	monitor *monitor.Writer

	runners []*Runner
	feeds   []*binance.KlineStream

	logger *zap.Logger
}

// New builds a supervisor from a validated configuration. It opens the
// candle store and, in live mode, contacts the exchange for the real
// account state; it does not start any loops.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if idle := cfg.UnallocatedPct(); idle > 0 {
		logger.Warn("capital left unallocated", zap.Float64("unallocated_pct", idle))
	}

	assets := managedAssets(cfg)

	client := binance.NewClient(
		cfg.System.Binance.RESTURL,
		cfg.System.Binance.WSURL,
		os.Getenv("BINANCE_API_KEY"),
		os.Getenv("BINANCE_API_SECRET"),
		logger,
	)

	s := &Supervisor{
		cfg:    cfg,
		client: client,
		logger: logger.Named("supervisor"),
	}

	var err error
	if s.store, err = store.Open(cfg.System.DBPath); err != nil {
		return nil, err
	}
	if s.monitor, err = monitor.NewWriter(cfg.System.MonitorDir, logger); err != nil {
		s.store.Close()
		return nil, err
	}

	switch cfg.System.TradingMode {
	case config.ModeLive:
		s.handler = execution.NewBinanceHandler(client, cfg.System, assets, logger)
		if err := s.initLive(ctx, assets); err != nil {
			s.store.Close()
			return nil, err
		}
	default:
		s.handler = execution.NewSimulatedHandler(cfg.System, logger)
		s.master = portfolio.NewManager(cfg.System.InitialCash, nil, assets, logger)
	}

	if err := s.buildRunners(); err != nil {
		s.store.Close()
		return nil, err
	}
	return s, nil
}

// initLive fetches the real account, flattens any leftover managed
// positions so every strategy starts from a known flat state, and seeds
// the master ledger from what the exchange reports.
func (s *Supervisor) initLive(ctx context.Context, assets []string) error {
	state, err := s.handler.AccountState(ctx)
	if err != nil {
		return fmt.Errorf("fetch live account state: %w", err)
	}

	if len(state.Positions) > 0 {
		s.logger.Warn("managed positions held at startup, flattening",
			zap.Any("positions", state.Positions))
		if err := s.flatten(ctx, state.Positions); err != nil {
			return err
		}
		if state, err = s.handler.AccountState(ctx); err != nil {
			return fmt.Errorf("refresh account state after flatten: %w", err)
		}
	}

	s.logger.Info("live account loaded",
		zap.Float64("cash", state.Cash),
		zap.Any("positions", state.Positions))
	s.master = portfolio.NewManager(state.Cash, state.Positions, assets, s.logger)
	return nil
}

// flatten sells every held managed position at the current market. A
// rejected flatten is fatal: trading on top of an unknown inherited
// position is worse than refusing to start.
func (s *Supervisor) flatten(ctx context.Context, positions map[string]float64) error {
	for asset, qty := range positions {
		ref, err := s.latestClose(ctx, asset)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", asset, err)
		}
		res, err := s.handler.PlaceOrder(ctx, asset, qty, market.SideSell, ref)
		if err != nil {
			return fmt.Errorf("flatten %s: %w", asset, err)
		}
		if !res.Filled {
			return fmt.Errorf("flatten %s rejected: %s", asset, res.Reason)
		}
		s.logger.Info("flattened inherited position",
			zap.String("asset", asset),
			zap.Float64("quantity", res.Quantity),
			zap.Float64("fill_price", res.FillPrice))
	}
	return nil
}

func (s *Supervisor) latestClose(ctx context.Context, asset string) (float64, error) {
	end := time.Now().UTC()
	candles, err := s.client.GetKlines(ctx, asset, "1m", end.Add(-5*time.Minute), end)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no recent candles for %s", asset)
	}
	return candles[len(candles)-1].Close, nil
}

func (s *Supervisor) buildRunners() error {
	total := s.master.TotalEquity()

	for _, sc := range s.cfg.Strategies {
		strat, err := strategies.New(sc)
		if err != nil {
			return err
		}
		tf, err := market.ParseTimeframe(sc.Timeframe)
		if err != nil {
			return err
		}

		equity := total * sc.CashAllocationPct / 100
		sub, err := s.master.RegisterStrategy(sc.Name, sc.Asset, equity, sc.RiskPerTradePct)
		if err != nil {
			return err
		}

		candles := make(chan market.Candle, candleBuffer)
		s.feeds = append(s.feeds, binance.NewKlineStream(s.cfg.System.Binance.WSURL, sc.Asset, candles, s.logger))
		s.runners = append(s.runners, NewRunner(
			strat, sc.Asset, tf, sub, s.master, s.handler, s.monitor, candles, s.logger,
		))
	}
	return nil
}

// Run warms every strategy up from history, then starts feeds, runners,
// and the background loops, blocking until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.store.Close()

	for i, r := range s.runners {
		if err := s.warmup(ctx, r, s.cfg.Strategies[i]); err != nil {
			return fmt.Errorf("warm up %q: %w", s.cfg.Strategies[i].Name, err)
		}
	}

	var wg sync.WaitGroup
	for _, feed := range s.feeds {
		wg.Add(1)
		go func(f *binance.KlineStream) {
			defer wg.Done()
			f.Run(ctx)
		}(feed)
	}
	for _, r := range s.runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.reconcileLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.monitorLoop(ctx)
	}()

	s.logger.Info("engine running",
		zap.Int("strategies", len(s.runners)),
		zap.String("mode", s.cfg.System.TradingMode))

	<-ctx.Done()
	wg.Wait()
	s.logger.Info("engine stopped")
	return ctx.Err()
}

// warmup backfills the candle store from the exchange and seeds the
// runner with aggregated bars so its first live decision has full
// lookback.
func (s *Supervisor) warmup(ctx context.Context, r *Runner, sc config.StrategyConfig) error {
	days := s.cfg.System.WarmupDays
	if days <= 0 {
		days = 30
	}
	end := time.Now().UTC().Truncate(time.Minute)
	start := end.AddDate(0, 0, -days)

	if err := s.backfill(ctx, sc.Asset, start, end); err != nil {
		return err
	}

	stored, err := s.store.FetchRange(ctx, sc.Asset, start, end)
	if err != nil {
		return err
	}
	tf, err := market.ParseTimeframe(sc.Timeframe)
	if err != nil {
		return err
	}

	// Candles past the last closed bucket boundary belong to the bucket
	// still forming; they go to the runner's aggregator, not the bar
	// history, so the first live bar is built from the full bucket.
	boundary := tf.Bucket(end)
	split := len(stored)
	for split > 0 && !stored[split-1].OpenTime.Before(boundary) {
		split--
	}
	r.Warmup(market.Aggregate(stored[:split], sc.Asset, tf), stored[split:])
	return nil
}

// backfill fetches any candles missing from the store for [start, end).
// It is incremental: already stored ranges are not re-fetched.
func (s *Supervisor) backfill(ctx context.Context, asset string, start, end time.Time) error {
	latest, err := s.store.LatestTime(ctx, asset)
	if err != nil {
		return err
	}
	from := start
	if latest.After(start) {
		from = latest.Add(time.Minute)
	}
	if !from.Before(end) {
		return nil
	}

	s.logger.Info("backfilling candles",
		zap.String("asset", asset),
		zap.Time("from", from),
		zap.Time("to", end))
	candles, err := s.client.GetKlines(ctx, asset, "1m", from, end)
	if err != nil {
		return fmt.Errorf("backfill %s: %w", asset, err)
	}
	if err := s.store.AppendBatch(ctx, candles); err != nil {
		return fmt.Errorf("store backfill %s: %w", asset, err)
	}
	s.logger.Info("backfill complete",
		zap.String("asset", asset),
		zap.Int("candles", len(candles)))
	return nil
}

// reconcileLoop periodically overwrites the master ledger with the
// broker's reported truth. Fetch failures are retried on the next tick.
func (s *Supervisor) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.System.ReconcileInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := s.handler.AccountState(ctx)
			if err != nil {
				s.logger.Warn("reconciliation fetch failed", zap.Error(err))
				continue
			}
			s.master.Reconcile(state.Cash, state.Positions)
		}
	}
}

// monitorLoop publishes the master summary on a fixed timer.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.System.MonitorInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.monitor.WriteSummary(s.master.Summarize()); err != nil {
				s.logger.Warn("summary write failed", zap.Error(err))
			}
		}
	}
}

func managedAssets(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var assets []string
	for _, sc := range cfg.Strategies {
		if !seen[sc.Asset] {
			seen[sc.Asset] = true
			assets = append(assets, sc.Asset)
		}
	}
	return assets
}
