package signal

import (
	"encoding/json"
	"sync"

	"marketfabric.io/core/internal/model"
)

// Strategy is what every alert's strategy instance must implement. Unlike
// the teacher's StrategyRunner (which returned an order Command), Evaluate
// yields a tri-valued signal — the strategy never talks to an exchange
// directly, only to the window it is handed.
type Strategy interface {
	Type() string
	Evaluate(window Window) (model.SignalValue, string)
}

// Descriptor is a strategy's self-description, published into
// alert_strategy_metadata at startup so the gateway can serve UI metadata
// queries without importing strategy code.
type Descriptor struct {
	Type        string
	Name        string
	Description string
	ParamSchema json.RawMessage
	New         func(params json.RawMessage) (Strategy, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Descriptor)
)

// Register is called from a strategy package's init(), replacing the
// teacher's switch-based factory in Executor.LoadActiveStrategies with
// explicit self-registration — each strategy type only needs to be
// blank-imported for cmd/signalengine to pick it up.
func Register(d Descriptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Type] = d
}

func Get(strategyType string) (Descriptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	d, ok := registry[strategyType]
	return d, ok
}

func All() []Descriptor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Descriptor, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	return out
}
