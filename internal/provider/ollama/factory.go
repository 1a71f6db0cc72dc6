package ollama

import (
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/safehttp"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = config.TypeOllama

func init() {
	registry.RegisterFactory(registry.ProviderFactory{
		Type:        ProviderType,
		Description: "Self-hosted Ollama server",
		Create:      CreateFromConfig,
	})
}

// CreateFromConfig creates a new Ollama provider. Ollama needs no
// credential and is usually reached over plain HTTP.
func CreateFromConfig(cfg config.ProviderConfig) (ports.Adapter, error) {
	return New(cfg.Name,
		WithBaseURL(cfg.BaseURL),
		WithHTTPClient(safehttp.NewClient(safehttp.Options{VerifyTLS: cfg.TLSVerify()})),
	), nil
}
