package strategy

import (
	"fmt"
	"sort"
	"sync"

	"poly_go/internal/infra"
)

// Factory builds a strategy from configuration.
type Factory func(cfg *infra.Config) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy constructible by name. Strategies register
// from their package init; duplicate names panic at startup rather
// than shadowing silently.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", name))
	}
	registry[name] = factory
}

// New builds the named strategy. The interface is resolved here, once,
// at load time; a missing name fails before the event loop ever runs.
func New(name string, cfg *infra.Config) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", name, Names())
	}

	s, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build strategy %q: %w", name, err)
	}
	if s == nil {
		return nil, fmt.Errorf("strategy %q factory returned nil", name)
	}
	return s, nil
}

// Names lists registered strategies, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
