// Package ports defines the interfaces the gateway consumes from its
// collaborators.
package ports

import (
	"context"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// ConfigProvider loads configuration and reports changes.
type ConfigProvider interface {
	// Load loads the configuration.
	Load(ctx context.Context) (*config.GatewayConfig, error)

	// Watch calls onChange with each successfully reloaded config.
	Watch(ctx context.Context, onChange func(*config.GatewayConfig)) error

	// Close releases resources.
	Close() error
}

// IdentityResolver turns a bearer credential into a requester identity.
// The gateway never authenticates users itself.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (domain.Requester, error)
}
