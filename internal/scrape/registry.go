package scrape

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh Aggregator. Adapters are stateful per run
// (Initialize binds them to a feed), so the registry holds constructors,
// not instances.
type Factory func() Aggregator

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an aggregator available under the given name. Adapter
// packages call it from init, so a bad registration panics like a
// database/sql driver would.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if name == "" {
		panic("scrape: Register name is empty")
	}
	if factory == nil {
		panic("scrape: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("scrape: Register called twice for aggregator " + name)
	}
	registry[name] = factory
}

// New builds a fresh aggregator instance by name.
func New(name string) (Aggregator, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregator, name)
	}
	return factory(), nil
}

// Names lists the registered aggregators, sorted.
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
