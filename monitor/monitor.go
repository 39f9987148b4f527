// Package monitor writes JSON state snapshots for external dashboards.
// Every write goes to a temp file renamed into place, so readers never
// observe a partially written snapshot.
package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marketkit/engine/portfolio"
)

// StrategySnapshot is the per-strategy state published after every
// processed bar.
type StrategySnapshot struct {
	Strategy     string                  `json:"strategy"`
	Asset        string                  `json:"asset"`
	State        string                  `json:"state"`
	LastSignal   string                  `json:"last_signal"`
	CurrentPrice float64                 `json:"current_price"`
	Cash         float64                 `json:"cash"`
	Position     float64                 `json:"position"`
	Equity       float64                 `json:"equity"`
	PnLPct       float64                 `json:"pnl_pct"`
	TradeCount   int                     `json:"trade_count"`
	UpdatedAt    time.Time               `json:"updated_at"`
	EquityCurve  []portfolio.EquityPoint `json:"equity_curve"`
	TradeLog     []portfolio.Trade       `json:"trade_log"`
}

// Writer publishes snapshots into a directory, one file per strategy
// plus a master summary.
type Writer struct {
	dir    string
	logger *zap.Logger
}

// NewWriter creates the output directory if needed.
func NewWriter(dir string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create monitor dir: %w", err)
	}
	return &Writer{dir: dir, logger: logger.Named("monitor")}, nil
}

// WriteStrategy publishes one strategy's snapshot as <name>_status.json.
func (w *Writer) WriteStrategy(snap StrategySnapshot) error {
	return w.writeJSON(snap.Strategy+"_status.json", snap)
}

// masterSummary wraps the portfolio summary with a timestamp.
type masterSummary struct {
	UpdatedAt time.Time `json:"updated_at"`
	portfolio.Summary
}

// WriteSummary publishes the master ledger summary as
// master_portfolio.json.
func (w *Writer) WriteSummary(sum portfolio.Summary) error {
	return w.writeJSON("master_portfolio.json", masterSummary{
		UpdatedAt: time.Now().UTC(),
		Summary:   sum,
	})
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(w.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	final := filepath.Join(w.dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish snapshot %s: %w", name, err)
	}
	return nil
}
