//go:build linux

package policy

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// PluginFactory creates a plugin from its JSON config blob.
// The logger is pre-scoped with component=policy and plugin=<name>
// by the engine before calling the factory.
type PluginFactory func(config json.RawMessage, logger *slog.Logger) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]PluginFactory{}
)

func init() {
	Register("rules", NewRulesPluginFromConfig)
	Register("exec", NewExecPluginFromConfig)
}

// Register adds a plugin factory to the global registry.
// Panics if a factory is already registered for the given type name.
func Register(typeName string, factory PluginFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[typeName]; exists {
		panic("policy: duplicate plugin registration for type " + typeName)
	}
	registry[typeName] = factory
}

// LookupFactory returns the factory for a plugin type name, if registered.
func LookupFactory(typeName string) (PluginFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[typeName]
	return f, ok
}

// RegisteredTypes returns the sorted names of all registered plugin types.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
