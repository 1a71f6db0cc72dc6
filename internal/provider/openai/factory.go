package openai

import (
	"errors"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/registry"
)

// Provider types served by this package.
const (
	ProviderType           = config.TypeOpenAI
	ProviderTypeOpenRouter = config.TypeOpenRouter
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

func init() {
	registry.RegisterFactory(registry.ProviderFactory{
		Type:           ProviderType,
		Description:    "OpenAI chat completions API",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateConfig,
	})
	registry.RegisterFactory(registry.ProviderFactory{
		Type:           ProviderTypeOpenRouter,
		Description:    "OpenRouter aggregator (OpenAI wire format)",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateConfig,
	})
}

// CreateFromConfig creates a provider from configuration.
func CreateFromConfig(cfg config.ProviderConfig) (ports.Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.Type == ProviderTypeOpenRouter {
		baseURL = defaultOpenRouterURL
	}

	opts := []ProviderOption{
		WithBaseURL(baseURL),
		WithHTTPClient(safehttp.NewClient(safehttp.Options{VerifyTLS: cfg.TLSVerify()})),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, WithHeaders(cfg.Headers))
	}
	return New(cfg.Name, cfg.APIKey, opts...), nil
}

// ValidateConfig requires a credential; both OpenAI and OpenRouter reject
// anonymous calls.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.APIKey == "" {
		return errors.New("api_key is required")
	}
	return nil
}
