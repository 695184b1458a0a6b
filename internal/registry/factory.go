package registry

import (
	"fmt"
	"sync"
)

// Factory builds a custom (code) Source from its on-disk configuration.
type Factory func(cfg *SourceConfig) (Source, error)

var customFactories = struct {
	sync.RWMutex
	byClassName map[string]Factory
}{byClassName: make(map[string]Factory)}

// RegisterFactory registers a custom adapter constructor under a class
// name, resolved by SourceConfig.ClassName at load time. Custom adapters
// register themselves from an init() in their own package.
func RegisterFactory(className string, f Factory) {
	customFactories.Lock()
	defer customFactories.Unlock()
	customFactories.byClassName[className] = f
}

func createCustom(cfg *SourceConfig) (Source, error) {
	customFactories.RLock()
	f, ok := customFactories.byClassName[cfg.ClassName]
	customFactories.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no custom adapter registered for class %q", cfg.ClassName)
	}
	return f(cfg)
}

// RegisteredFactories returns the class names currently registered, for
// diagnostics.
func RegisteredFactories() []string {
	customFactories.RLock()
	defer customFactories.RUnlock()
	names := make([]string, 0, len(customFactories.byClassName))
	for name := range customFactories.byClassName {
		names = append(names, name)
	}
	return names
}
