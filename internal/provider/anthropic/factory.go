package anthropic

import (
	"errors"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = config.TypeAnthropic

func init() {
	registry.RegisterFactory(registry.ProviderFactory{
		Type:           ProviderType,
		Description:    "Anthropic Messages API",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateConfig,
	})
}

// CreateFromConfig creates a new Anthropic provider from configuration.
func CreateFromConfig(cfg config.ProviderConfig) (ports.Adapter, error) {
	return New(cfg.Name, cfg.APIKey,
		WithBaseURL(cfg.BaseURL),
		WithHTTPClient(safehttp.NewClient(safehttp.Options{VerifyTLS: cfg.TLSVerify()})),
	), nil
}

// ValidateConfig validates the provider configuration.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.APIKey == "" {
		return errors.New("api_key is required")
	}
	return nil
}
