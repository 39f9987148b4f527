package strategies

import (
	"fmt"
	"sort"

	"github.com/marketkit/engine/config"
	"github.com/marketkit/engine/market"
)

// Strategy is the contract every trading strategy implements. A strategy
// is a pure function from bar history to per-bar signals; it holds no
// position state and performs no I/O. The runner owns state and execution.
type Strategy interface {
	// Name is the configured instance name, unique per run.
	Name() string
	// Initialize applies and validates the instance's configuration.
	Initialize(cfg config.StrategyConfig) error
	// GenerateSignals returns one signal per input bar; the runner acts
	// on the signal attached to the most recent closed bar.
	GenerateSignals(bars []market.Bar) []market.Signal
}

// Factory builds an uninitialized strategy instance.
type Factory func() Strategy

var registry = make(map[string]Factory)

// Register adds a strategy variant under a config key. Called from the
// variants' init functions.
func Register(key string, f Factory) {
	registry[key] = f
}

// New looks up the variant named by cfg.Strategy, builds it, and
// initializes it with cfg.
func New(cfg config.StrategyConfig) (Strategy, error) {
	f, ok := registry[cfg.Strategy]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", cfg.Strategy, Registered())
	}
	s := f()
	if err := s.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("initialize strategy %q: %w", cfg.Name, err)
	}
	return s, nil
}

// Registered returns the registered variant keys, sorted.
func Registered() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
