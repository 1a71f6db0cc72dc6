// Package gateway is the AI Gateway: the single entry point that turns a
// normalized request into a response, consulting the response cache before
// handing the request to the scheduler.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/edu-ai-gateway/internal/cache"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

// connectionProbe is the prompt sent by TestConnection.
const connectionProbe = "Reply with the single word OK."

// Scheduler runs admitted requests against providers.
type Scheduler interface {
	Submit(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithHealth exposes provider health through Health.
func WithHealth(m *health.Monitor) Option {
	return func(g *Gateway) { g.health = m }
}

// WithLedger exposes usage counters through Usage.
func WithLedger(l usage.Ledger) Option {
	return func(g *Gateway) { g.ledger = l }
}

// WithStreaming enables or disables Stream. Enabled by default.
func WithStreaming(enabled bool) Option {
	return func(g *Gateway) { g.streaming = enabled }
}

// Gateway orchestrates Submit and Stream.
type Gateway struct {
	registry  *provider.Registry
	scheduler Scheduler
	cache     *cache.Layer
	health    *health.Monitor
	ledger    usage.Ledger
	streaming bool
	logger    *slog.Logger
}

// New creates a gateway. layer may be nil to run without a response cache.
func New(registry *provider.Registry, scheduler Scheduler, layer *cache.Layer, opts ...Option) *Gateway {
	g := &Gateway{
		registry:  registry,
		scheduler: scheduler,
		cache:     layer,
		streaming: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit returns a response for req, from the cache when a fresh entry
// exists and from a provider otherwise.
func (g *Gateway) Submit(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	req = prepare(req)
	req.Stream = false

	start := time.Now()
	call := func(ctx context.Context) (*domain.Response, error) {
		return g.scheduler.Submit(ctx, req)
	}

	var resp *domain.Response
	var err error
	if g.cache != nil {
		resp, err = g.cache.Do(ctx, req, call)
	} else {
		resp, err = call(ctx)
	}
	if err != nil {
		g.logger.Warn("request failed",
			slog.String("request_id", req.ID),
			slog.String("purpose", string(req.Purpose)),
			slog.String("error", err.Error()))
		return nil, err
	}

	resp.ID = req.ID
	g.logger.Info("request completed",
		slog.String("request_id", req.ID),
		slog.String("purpose", string(req.Purpose)),
		slog.String("provider", resp.Provider),
		slog.Bool("cached", resp.Cached),
		slog.Int("tokens", resp.Usage.TotalTokens),
		slog.Duration("duration", time.Since(start)))
	return resp, nil
}

// Stream opens a streamed response. Streams always go to a provider and are
// never cached.
func (g *Gateway) Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error) {
	if !g.streaming {
		return nil, domain.ErrInvalidRequest("streaming is disabled")
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	req = prepare(req)
	req.Stream = true
	return g.scheduler.Stream(ctx, req)
}

// TestConnection builds an adapter for cfg and sends it a one-line probe
// directly, bypassing the cache, the ledger and the scheduler. It returns
// the round trip time.
func (g *Gateway) TestConnection(ctx context.Context, cfg config.ProviderConfig) (time.Duration, error) {
	adapter, err := provider.CreateAdapter(cfg)
	if err != nil {
		return 0, domain.ErrInvalidRequest(err.Error()).Wrap(err)
	}

	req := &domain.Request{
		ID:       uuid.NewString(),
		Purpose:  domain.PurposeAnswer,
		Prompt:   connectionProbe,
		Sampling: domain.Sampling{MaxTokens: 8},
	}
	if t := cfg.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	start := time.Now()
	if _, err := adapter.Send(ctx, req, cfg); err != nil {
		g.logger.Warn("connection test failed",
			slog.String("provider", cfg.Name),
			slog.String("error", err.Error()))
		return 0, err
	}
	elapsed := time.Since(start)
	g.logger.Info("connection test succeeded",
		slog.String("provider", cfg.Name),
		slog.Duration("latency", elapsed))
	return elapsed, nil
}

// ListModels asks the named configured provider for its models.
func (g *Gateway) ListModels(ctx context.Context, name string) ([]string, error) {
	c, ok := g.registry.Get(name)
	if !ok {
		return nil, domain.Errorf(domain.KindInvalidRequest, "unknown provider %q", name)
	}
	if !c.Adapter.Capabilities().ModelListing {
		return nil, domain.Errorf(domain.KindInvalidRequest, "provider %q cannot list models", name)
	}
	models, err := c.Adapter.ListModels(ctx, c.Config)
	if err != nil {
		return nil, fmt.Errorf("list models on %s: %w", name, err)
	}
	return models, nil
}

// Providers returns the configured providers in failover order.
func (g *Gateway) Providers() []config.ProviderConfig {
	all := g.registry.All()
	out := make([]config.ProviderConfig, len(all))
	for i, c := range all {
		out[i] = c.Config
	}
	return out
}

// InvalidateCache drops a cached response by fingerprint.
func (g *Gateway) InvalidateCache(ctx context.Context, fingerprint string) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Invalidate(ctx, fingerprint)
}

// Health returns the health of every provider that has seen traffic.
func (g *Gateway) Health() []health.Status {
	if g.health == nil {
		return nil
	}
	return g.health.Snapshot()
}

// Usage returns the usage counters of one (provider, requester) pair.
func (g *Gateway) Usage(ctx context.Context, providerName, requester string) (usage.Snapshot, error) {
	if g.ledger == nil {
		return usage.Snapshot{}, domain.ErrInvalidRequest("usage accounting is not enabled")
	}
	return g.ledger.Snapshot(ctx, providerName, requester)
}

// prepare copies req and assigns a request ID when the caller gave none.
func prepare(req *domain.Request) *domain.Request {
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return req
}
