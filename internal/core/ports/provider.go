package ports

import (
	"context"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// Capabilities describes what an adapter can do.
type Capabilities struct {
	Streaming        bool
	ModelListing     bool
	MaxContextTokens int
}

// Adapter translates normalized requests into one provider's wire format.
// Adapters classify failures into the gateway error taxonomy but never
// cache or retry; that is the scheduler's job.
type Adapter interface {
	// Name returns the configured provider name.
	Name() string

	// Capabilities reports what the provider supports.
	Capabilities() Capabilities

	// Send performs a single completion call.
	Send(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (*domain.Response, error)

	// Stream performs a streaming completion call. The channel is closed
	// after the final chunk, after a chunk carrying Err, or when ctx is done.
	Stream(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (<-chan domain.Chunk, error)

	// ListModels returns the model identifiers the provider offers.
	ListModels(ctx context.Context, cfg config.ProviderConfig) ([]string, error)
}

// ResolveModel returns the model to request: the caller's hint when given,
// otherwise the provider's configured model.
func ResolveModel(req *domain.Request, cfg config.ProviderConfig) string {
	if req.Model != "" {
		return req.Model
	}
	return cfg.Model
}
