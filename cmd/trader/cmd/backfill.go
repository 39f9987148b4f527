package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/marketkit/engine/binance"
	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/store"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Download historical 1m candles into the candle store",
	Long: `Fetch historical 1m candles from the exchange and store them in the
configured SQLite database. The fetch is incremental: candles already
stored are skipped.

Run this before the first live start so strategy warm-up does not have
to download a month of history at boot.

Example:
  trader backfill --config engine.yaml --asset BTC-USDT --days 30`,
	RunE: runBackfill,
}

var (
	backfillConfigPath string
	backfillAsset      string
	backfillDays       int
)

func init() {
	rootCmd.AddCommand(backfillCmd)

	backfillCmd.Flags().StringVarP(&backfillConfigPath, "config", "f", "", "path to config file (required)")
	backfillCmd.Flags().StringVarP(&backfillAsset, "asset", "a", "", "asset to backfill, e.g. BTC-USDT (default: every configured asset)")
	backfillCmd.Flags().IntVarP(&backfillDays, "days", "d", 30, "how many days of history to fetch")
	backfillCmd.MarkFlagRequired("config")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(backfillConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	assets := []string{backfillAsset}
	if backfillAsset == "" {
		assets = assets[:0]
		seen := make(map[string]bool)
		for _, sc := range cfg.Strategies {
			if !seen[sc.Asset] {
				seen[sc.Asset] = true
				assets = append(assets, sc.Asset)
			}
		}
	}

	db, err := store.Open(cfg.System.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	client := binance.NewClient(cfg.System.Binance.RESTURL, cfg.System.Binance.WSURL, "", "", logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	end := time.Now().UTC().Truncate(time.Minute)
	start := end.AddDate(0, 0, -backfillDays)

	for _, asset := range assets {
		from := start
		latest, err := db.LatestTime(ctx, asset)
		if err != nil {
			return err
		}
		if latest.After(from) {
			from = latest.Add(time.Minute)
		}
		if !from.Before(end) {
			logger.Info("already up to date", zap.String("asset", asset))
			continue
		}

		logger.Info("backfilling", zap.String("asset", asset), zap.Time("from", from), zap.Time("to", end))
		candles, err := client.GetKlines(ctx, asset, "1m", from, end)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", asset, err)
		}
		if err := db.AppendBatch(ctx, candles); err != nil {
			return fmt.Errorf("store %s: %w", asset, err)
		}

		n, err := db.Count(ctx, asset)
		if err != nil {
			return err
		}
		fmt.Printf("%s: fetched %d candles, %d stored total\n", asset, len(candles), n)
	}
	return nil
}
