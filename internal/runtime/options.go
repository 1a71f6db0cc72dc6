package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/edu-ai-gateway/internal/adapters/config/file"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot reload. Provider
// list changes in the file are applied without a restart.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		p, err := file.NewProvider(path, file.WithLogger(g.logger))
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = p
		return nil
	}
}

// WithConfig uses a fixed, already loaded configuration.
func WithConfig(cfg *config.GatewayConfig) Option {
	return func(g *Gateway) error {
		if cfg == nil {
			return fmt.Errorf("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		g.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider uses a custom config provider.
func WithConfigProvider(p ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = p
		return nil
	}
}

// WithLogger sets the logger for the gateway and everything it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithAuditStore replaces the configured audit sink.
func WithAuditStore(store ports.AuditStore) Option {
	return func(g *Gateway) error {
		g.auditStore = store
		return nil
	}
}

// WithIdentityResolver replaces the JWT resolver built from
// security.jwt_secret.
func WithIdentityResolver(r ports.IdentityResolver) Option {
	return func(g *Gateway) error {
		g.resolver = r
		return nil
	}
}

// WithRedisClient shares an existing Redis client instead of dialing
// redis.url. The caller keeps ownership and closes it.
func WithRedisClient(client *redis.Client) Option {
	return func(g *Gateway) error {
		g.redis = client
		g.ownsRedis = false
		return nil
	}
}

// WithAdapter pins the adapter used for a configured provider name.
func WithAdapter(name string, a ports.Adapter) Option {
	return func(g *Gateway) error {
		g.adapters = append(g.adapters, provider.WithAdapter(name, a))
		return nil
	}
}

// WithTraceOutput sets where exported spans are written when tracing is
// enabled. Defaults to stderr.
func WithTraceOutput(w io.Writer) Option {
	return func(g *Gateway) error {
		g.traceOut = w
		return nil
	}
}

// staticConfig serves a fixed configuration and never reloads.
type staticConfig struct {
	cfg *config.GatewayConfig
}

func (s staticConfig) Load(context.Context) (*config.GatewayConfig, error) { return s.cfg, nil }

func (s staticConfig) Watch(context.Context, func(*config.GatewayConfig)) error { return nil }

func (s staticConfig) Close() error { return nil }
