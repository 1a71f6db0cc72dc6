// Package provider turns provider configuration into routable adapters.
//
// # Adding a New Provider
//
// Implement ports.Adapter in a package under internal/provider, register a
// factory from its init function and add a blank import to registry.go:
//
//	func init() {
//	    registry.RegisterFactory(registry.ProviderFactory{
//	        Type:           ProviderType,
//	        Description:    "Google Gemini API",
//	        Create:         CreateFromConfig,
//	        ValidateConfig: ValidateConfig,
//	    })
//	}
package provider

import (
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/registry"
)

// ProviderFactory re-exports the factory type for callers outside the
// provider tree.
type ProviderFactory = registry.ProviderFactory

// ListProviderTypes returns all registered provider type names.
var ListProviderTypes = registry.ListProviderTypes

// CreateAdapter builds a single adapter from configuration. Used by the
// connection test, which runs against configs that are not yet routed.
func CreateAdapter(cfg config.ProviderConfig) (ports.Adapter, error) {
	return registry.CreateFromFactory(cfg)
}
