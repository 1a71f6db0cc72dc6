package mock

import (
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = config.TypeMock

func init() {
	registry.RegisterFactory(registry.ProviderFactory{
		Type:        ProviderType,
		Description: "Deterministic in-process provider for tests",
		Create:      CreateFromConfig,
	})
}

// CreateFromConfig creates a mock provider from the mock_* settings.
func CreateFromConfig(cfg config.ProviderConfig) (ports.Adapter, error) {
	var opts []Option
	if cfg.MockLatencyMillis > 0 {
		opts = append(opts, WithLatency(time.Duration(cfg.MockLatencyMillis)*time.Millisecond))
	}
	if cfg.MockResponse != "" {
		opts = append(opts, WithResponse(cfg.MockResponse))
	}
	if cfg.MockFailures > 0 {
		kind := domain.KindProviderServer
		if cfg.MockFailureKind != "" {
			kind = domain.ErrorKind(cfg.MockFailureKind)
		}
		opts = append(opts, WithFailures(cfg.MockFailures, kind))
	}
	if cfg.Model != "" {
		opts = append(opts, WithModels(cfg.Model))
	}
	return New(cfg.Name, opts...), nil
}
