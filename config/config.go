package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marketkit/engine/market"
)

// Trading modes.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Config is the complete engine configuration, loaded once at startup and
// immutable for the lifetime of a run.
type Config struct {
	System     SystemConfig     `json:"system" yaml:"system"`
	Strategies []StrategyConfig `json:"strategies" yaml:"strategies"`
}

// SystemConfig contains account-wide and execution parameters.
type SystemConfig struct {
	TradingMode         string   `json:"trading_mode" yaml:"trading_mode"` // "paper" or "live"
	InitialCash         float64  `json:"initial_cash" yaml:"initial_cash"` // paper mode starting cash
	CommissionPct       float64  `json:"commission_pct" yaml:"commission_pct"`
	PaperSlippagePct    float64  `json:"paper_slippage_pct" yaml:"paper_slippage_pct"`
	PartialFillNotional float64  `json:"partial_fill_notional,omitempty" yaml:"partial_fill_notional,omitempty"`
	MaxSlippagePct      float64  `json:"max_slippage_pct" yaml:"max_slippage_pct"`
	OrderVerifyRetries  int      `json:"order_verify_retries" yaml:"order_verify_retries"`
	OrderVerifyDelay    Duration `json:"order_verify_delay" yaml:"order_verify_delay"`
	ReconcileInterval   Duration `json:"reconcile_interval" yaml:"reconcile_interval"`
	MonitorInterval     Duration `json:"monitor_interval" yaml:"monitor_interval"`
	WarmupDays          int      `json:"warmup_days,omitempty" yaml:"warmup_days,omitempty"`
	MonitorDir          string   `json:"monitor_dir" yaml:"monitor_dir"`
	DBPath              string   `json:"db_path" yaml:"db_path"`
	Binance             Binance  `json:"binance" yaml:"binance"`
}

// Binance contains exchange endpoints. API credentials are read from the
// BINANCE_API_KEY / BINANCE_API_SECRET environment variables, never from
// the config file.
type Binance struct {
	RESTURL string `json:"rest_url" yaml:"rest_url"`
	WSURL   string `json:"ws_url" yaml:"ws_url"`
}

// StrategyConfig describes one strategy instance.
type StrategyConfig struct {
	Name              string         `json:"name" yaml:"name"`
	Strategy          string         `json:"strategy" yaml:"strategy"` // registry key
	Asset             string         `json:"asset" yaml:"asset"`
	Timeframe         string         `json:"timeframe" yaml:"timeframe"`
	CashAllocationPct float64        `json:"cash_allocation_pct" yaml:"cash_allocation_pct"`
	RiskPerTradePct   float64        `json:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
	Params            StrategyParams `json:"params,omitempty" yaml:"params,omitempty"`
}

// StrategyParams enumerates every recognized strategy parameter. Each
// strategy validates the subset it actually uses.
type StrategyParams struct {
	ShortWindow  int     `json:"short_window,omitempty" yaml:"short_window,omitempty"`
	LongWindow   int     `json:"long_window,omitempty" yaml:"long_window,omitempty"`
	BBPeriod     int     `json:"bb_period,omitempty" yaml:"bb_period,omitempty"`
	BBStdDev     float64 `json:"bb_std_dev,omitempty" yaml:"bb_std_dev,omitempty"`
	UseRSIFilter bool    `json:"use_rsi_filter,omitempty" yaml:"use_rsi_filter,omitempty"`
	RSIPeriod    int     `json:"rsi_period,omitempty" yaml:"rsi_period,omitempty"`
	RSIOversold  float64 `json:"rsi_oversold,omitempty" yaml:"rsi_oversold,omitempty"`
}

// Duration is a time.Duration that unmarshals from strings like "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadFromFile loads configuration from a file (YAML or JSON) and
// validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration to a file, as YAML for .yaml/.yml
// extensions and JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks every configuration invariant. A config that fails
// validation must keep the engine from starting; validation runs before
// any network connection is opened.
func (c *Config) Validate() error {
	sys := &c.System

	if sys.TradingMode != ModePaper && sys.TradingMode != ModeLive {
		return fmt.Errorf("system.trading_mode must be %q or %q", ModePaper, ModeLive)
	}
	if sys.TradingMode == ModePaper && sys.InitialCash <= 0 {
		return fmt.Errorf("system.initial_cash must be positive in paper mode")
	}
	if sys.CommissionPct < 0 || sys.CommissionPct > 0.05 {
		return fmt.Errorf("system.commission_pct must be in [0, 0.05]")
	}
	if sys.MaxSlippagePct <= 0 {
		return fmt.Errorf("system.max_slippage_pct must be positive")
	}
	if sys.OrderVerifyRetries <= 0 {
		return fmt.Errorf("system.order_verify_retries must be positive")
	}
	if sys.OrderVerifyDelay <= 0 {
		return fmt.Errorf("system.order_verify_delay must be positive")
	}
	if sys.ReconcileInterval <= 0 {
		return fmt.Errorf("system.reconcile_interval must be positive")
	}
	if sys.MonitorInterval <= 0 {
		return fmt.Errorf("system.monitor_interval must be positive")
	}
	if sys.DBPath == "" {
		return fmt.Errorf("system.db_path is required")
	}
	if sys.Binance.RESTURL == "" {
		return fmt.Errorf("system.binance.rest_url is required")
	}
	if sys.Binance.WSURL == "" {
		return fmt.Errorf("system.binance.ws_url is required")
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}

	seen := make(map[string]bool, len(c.Strategies))
	assetOwner := make(map[string]string, len(c.Strategies))
	total := 0.0
	for i := range c.Strategies {
		sc := &c.Strategies[i]
		if sc.Name == "" {
			return fmt.Errorf("strategies[%d].name is required", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate strategy name %q", sc.Name)
		}
		seen[sc.Name] = true
		if sc.Strategy == "" {
			return fmt.Errorf("strategy %q: strategy key is required", sc.Name)
		}
		if sc.Asset == "" {
			return fmt.Errorf("strategy %q: asset is required", sc.Name)
		}
		// each sub-ledger is owned by exactly one runner; two strategies
		// on the same asset would mutate one another's marks
		if prev, ok := assetOwner[sc.Asset]; ok {
			return fmt.Errorf("strategies %q and %q both trade %s; each strategy needs its own asset", prev, sc.Name, sc.Asset)
		}
		assetOwner[sc.Asset] = sc.Name
		if _, err := market.ParseTimeframe(sc.Timeframe); err != nil {
			return fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
		if sc.CashAllocationPct <= 0 || sc.CashAllocationPct > 100 {
			return fmt.Errorf("strategy %q: cash_allocation_pct must be in (0, 100]", sc.Name)
		}
		if sc.RiskPerTradePct <= 0 || sc.RiskPerTradePct > 1 {
			return fmt.Errorf("strategy %q: risk_per_trade_pct must be in (0, 1]", sc.Name)
		}
		total += sc.CashAllocationPct
	}
	if total > 100.0 {
		return fmt.Errorf("total cash_allocation_pct across strategies is %.2f%%, exceeds 100%%", total)
	}

	return nil
}

// UnallocatedPct returns the share of capital no strategy claims. The
// caller warns when capital is left idle; it is not an error.
func (c *Config) UnallocatedPct() float64 {
	total := 0.0
	for _, sc := range c.Strategies {
		total += sc.CashAllocationPct
	}
	if total >= 99.9 {
		return 0
	}
	return 100.0 - total
}

// Default returns a configuration with sensible paper-trading defaults.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			TradingMode:        ModePaper,
			InitialCash:        100000,
			CommissionPct:      0.001,
			PaperSlippagePct:   0.0005,
			MaxSlippagePct:     0.15,
			OrderVerifyRetries: 3,
			OrderVerifyDelay:   Duration(2 * time.Second),
			ReconcileInterval:  Duration(60 * time.Second),
			MonitorInterval:    Duration(60 * time.Second),
			WarmupDays:         30,
			MonitorDir:         "./output/live_monitoring",
			DBPath:             "./candles.db",
			Binance: Binance{
				RESTURL: "https://api.binance.com",
				WSURL:   "wss://stream.binance.com:9443",
			},
		},
		Strategies: []StrategyConfig{
			{
				Name:              "sma-cross-btc",
				Strategy:          "sma-cross",
				Asset:             "BTC-USDT",
				Timeframe:         "15m",
				CashAllocationPct: 50,
				RiskPerTradePct:   0.02,
				Params:            StrategyParams{ShortWindow: 20, LongWindow: 50},
			},
			{
				Name:              "meanrev-eth",
				Strategy:          "bollinger-reversion",
				Asset:             "ETH-USDT",
				Timeframe:         "1h",
				CashAllocationPct: 50,
				RiskPerTradePct:   0.02,
				Params: StrategyParams{
					BBPeriod: 20, BBStdDev: 2.0,
					UseRSIFilter: true, RSIPeriod: 14, RSIOversold: 30,
				},
			},
		},
	}
}
