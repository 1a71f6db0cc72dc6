// Package registry holds the provider adapter factories.
//
// Each adapter package registers itself from init():
//
//	func init() {
//	    registry.RegisterFactory(registry.ProviderFactory{
//	        Type:           ProviderType,
//	        Description:    "Self-hosted Ollama server",
//	        Create:         CreateFromConfig,
//	        ValidateConfig: ValidateConfig,
//	    })
//	}
//
// Adding a provider means adding a package and a blank import in
// internal/provider; nothing else changes.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// ProviderFactory knows how to build an adapter of one provider type.
type ProviderFactory struct {
	// Type is the identifier used in configuration ("ollama", "openai", ...).
	Type string

	// Description is a human-readable description of the provider.
	Description string

	// Create builds an adapter from configuration.
	Create func(cfg config.ProviderConfig) (ports.Adapter, error)

	// ValidateConfig performs provider-specific checks. Optional.
	ValidateConfig func(cfg config.ProviderConfig) error
}

var (
	factoryMu  sync.RWMutex
	factoryMap = make(map[string]ProviderFactory)
)

// RegisterFactory registers a provider factory. It panics on an empty type,
// a missing Create function, or a duplicate registration.
func RegisterFactory(f ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if f.Type == "" {
		panic("provider factory type cannot be empty")
	}
	if f.Create == nil {
		panic(fmt.Sprintf("provider factory %q must have a Create function", f.Type))
	}
	if _, exists := factoryMap[f.Type]; exists {
		panic(fmt.Sprintf("provider factory %q already registered", f.Type))
	}
	factoryMap[f.Type] = f
}

// GetFactory returns the factory for a provider type, if registered.
func GetFactory(providerType string) (ProviderFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	f, ok := factoryMap[providerType]
	return f, ok
}

// ListProviderTypes returns all registered provider types, sorted.
func ListProviderTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	types := make([]string, 0, len(factoryMap))
	for t := range factoryMap {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CreateFromFactory validates cfg and builds an adapter.
func CreateFromFactory(cfg config.ProviderConfig) (ports.Adapter, error) {
	f, ok := GetFactory(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (registered types: %v)", cfg.Type, ListProviderTypes())
	}
	if f.ValidateConfig != nil {
		if err := f.ValidateConfig(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration for provider %s: %w", cfg.Name, err)
		}
	}
	return f.Create(cfg)
}
