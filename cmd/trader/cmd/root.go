package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "A multi-strategy live trading engine for crypto spot markets",
	Long: `Trader runs multiple trading strategies concurrently against live
market data, in paper mode against a simulated broker or in live mode
against the Binance spot exchange.

It provides:
  - Streaming 1m candle feeds with automatic reconnection
  - Per-strategy bar aggregation to any configured timeframe
  - Two-level portfolio accounting (master account + isolated
    per-strategy ledgers)
  - Pre-trade liquidity checks and post-trade fill verification
  - Periodic reconciliation against the broker's account state
  - JSON monitoring snapshots for external dashboards`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var debugLogging bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "enable debug logging")
}

// newLogger builds the process logger. Production JSON encoding; debug
// flips the level.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debugLogging {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
