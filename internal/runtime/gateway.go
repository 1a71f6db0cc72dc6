// Package runtime assembles the gateway from configuration and manages its
// lifecycle. It can be embedded in a larger application or run standalone.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/edu-ai-gateway/internal/audit"
	"github.com/tjfontaine/edu-ai-gateway/internal/auth"
	"github.com/tjfontaine/edu-ai-gateway/internal/cache"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/gateway"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/metrics"
	"github.com/tjfontaine/edu-ai-gateway/internal/pii"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/redisclient"
	"github.com/tjfontaine/edu-ai-gateway/internal/policy"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/scheduler"
	"github.com/tjfontaine/edu-ai-gateway/internal/secure"
	"github.com/tjfontaine/edu-ai-gateway/internal/server"
	"github.com/tjfontaine/edu-ai-gateway/internal/storage/jsonl"
	"github.com/tjfontaine/edu-ai-gateway/internal/storage/memory"
	"github.com/tjfontaine/edu-ai-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/edu-ai-gateway/internal/telemetry"
	"github.com/tjfontaine/edu-ai-gateway/internal/tokens"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

// Default locations for file-backed audit sinks.
const (
	defaultSQLitePath = "./data/audit.db"
	defaultAuditFile  = "./data/audit.jsonl"
)

// Gateway is the assembled AI request gateway. It owns configuration,
// the provider registry, the scheduler, the cache, the audit trail and
// the HTTP server.
type Gateway struct {
	// Dependencies (injected via options)
	config     ports.ConfigProvider
	auditStore ports.AuditStore
	resolver   ports.IdentityResolver
	redis      *redis.Client
	ownsRedis  bool
	adapters   []provider.RegistryOption
	traceOut   io.Writer
	logger     *slog.Logger

	// Built by Start
	cfg       *config.GatewayConfig
	metrics   *metrics.Metrics
	monitor   *health.Monitor
	registry  *provider.Registry
	ledger    usage.Ledger
	store     cache.Store
	scheduler *scheduler.Scheduler
	ai        *gateway.Gateway
	auditor   *audit.Writer
	secure    *secure.Gateway
	server    *server.Server
	tracer    telemetry.Shutdown

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.RWMutex
}

// New creates a Gateway with the given options. Without a config option
// the gateway loads config.yaml from the working directory plus the
// environment.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger:    slog.Default(),
		ownsRedis: true,
		traceOut:  os.Stderr,
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		if err := WithFileConfig("config.yaml")(gw); err != nil {
			return nil, err
		}
	}
	return gw, nil
}

// Start loads configuration, builds every component and begins watching
// the configuration for provider changes. It does not listen for HTTP;
// call Serve for that.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		g.cancel()
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		g.cancel()
		return err
	}

	if err := g.build(g.ctx, cfg); err != nil {
		g.cancel()
		g.closeComponents()
		return err
	}
	g.started = true

	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.Int("providers", len(cfg.Providers)),
		slog.Int("max_concurrent", cfg.MaxConcurrentRequests),
		slog.String("pii_mode", cfg.Security.PIIMode),
		slog.String("audit_sink", cfg.Audit.Sink),
		slog.Bool("authenticated", g.resolver != nil))
	return nil
}

// build wires the components in dependency order.
func (g *Gateway) build(ctx context.Context, cfg *config.GatewayConfig) error {
	g.cfg = cfg
	g.metrics = metrics.New()

	shutdown, err := telemetry.InitTracer(cfg.Tracing, g.traceOut, g.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	g.tracer = shutdown

	if g.redis == nil && cfg.Redis.URL != "" {
		client, err := redisclient.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		g.redis = client
		g.ownsRedis = true
	}

	g.monitor = health.NewMonitor(health.SettingsFromConfig(cfg.Health),
		health.WithLogger(g.logger),
		health.WithStateHook(g.metrics.ObserveCircuit))

	regOpts := append([]provider.RegistryOption{
		provider.WithGate(g.monitor),
		provider.WithAdapterTTL(cfg.AdapterCacheTTL()),
		provider.WithLogger(g.logger),
	}, g.adapters...)
	g.registry, err = provider.NewRegistry(cfg.Providers, regOpts...)
	if err != nil {
		return fmt.Errorf("create providers: %w", err)
	}

	limits := usage.LimitsFromConfig(cfg.Limits)
	if g.redis != nil {
		g.ledger = usage.NewRedisLedger(g.redis, cfg.Redis.Prefix, limits)
	} else {
		g.ledger = usage.NewMemoryLedger(limits)
	}

	var layer *cache.Layer
	if cfg.Cache.Enabled {
		if g.redis != nil {
			g.store = cache.NewRedisStore(g.redis, cfg.Redis.Prefix)
		} else {
			mem, err := cache.NewMemoryStore(cfg.Cache.MaxEntries,
				cache.WithLogger(g.logger),
				cache.WithSweepInterval(time.Duration(cfg.Cache.SweepIntervalSeconds)*time.Second))
			if err != nil {
				return fmt.Errorf("create cache: %w", err)
			}
			g.store = mem
		}
		ttl := func(p domain.Purpose) time.Duration { return cfg.Cache.TTL(string(p)) }
		layer = cache.NewLayer(g.store, ttl,
			cache.WithLayerLogger(g.logger),
			cache.WithResultHook(g.metrics.ObserveCache))
	}

	g.scheduler = scheduler.New(scheduler.SettingsFromConfig(cfg), g.registry, g.monitor, g.ledger, tokens.NewRegistry(),
		scheduler.WithLogger(g.logger),
		scheduler.WithObserver(g.metrics.ObserveScheduler),
		scheduler.WithPrices(usage.PriceTable(cfg.Pricing)))
	g.metrics.RegisterInFlight(g.scheduler.InFlight)

	g.ai = gateway.New(g.registry, g.scheduler, layer,
		gateway.WithLogger(g.logger),
		gateway.WithHealth(g.monitor),
		gateway.WithLedger(g.ledger),
		gateway.WithStreaming(cfg.EnableStreaming))

	store := g.auditStore
	if store == nil {
		store, err = openAuditStore(cfg.Audit)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
	}
	g.auditor = audit.NewWriter(store, audit.Durability(cfg.Audit.Durability), cfg.Audit.BufferSize,
		audit.WithLogger(g.logger))

	rbac, err := policy.NewRBAC(cfg.Security.RolePurposes)
	if err != nil {
		return fmt.Errorf("load role policy: %w", err)
	}
	detector, err := pii.NewRegexDetector(pii.WithStudentIDPattern(cfg.Security.StudentIDPattern))
	if err != nil {
		return fmt.Errorf("build pii detector: %w", err)
	}
	g.secure = secure.New(g.ai, rbac, g.auditor,
		secure.WithDetector(detector),
		secure.WithPIIMode(secure.PIIMode(cfg.Security.PIIMode)),
		secure.WithLogger(g.logger),
		secure.WithDecisionHook(g.metrics.ObserveDecision))

	if g.resolver == nil && cfg.Security.JWTSecret != "" {
		g.resolver, err = auth.NewJWTResolver(cfg.Security.JWTSecret)
		if err != nil {
			return fmt.Errorf("create identity resolver: %w", err)
		}
	}
	if g.resolver == nil {
		g.logger.Warn("no identity resolver configured, trusting requester in request body")
	}

	g.server = server.New(g.secure, g.ai, server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: handlerTimeout(cfg),
		Limits:         limits,
		Resolver:       g.resolver,
		Metrics:        g.metrics.Handler(),
		Logger:         g.logger,
	})
	return nil
}

// handlerTimeout bounds one HTTP request: every attempt may run to its
// timeout, plus time spent queued and backing off.
func handlerTimeout(cfg *config.GatewayConfig) time.Duration {
	return cfg.RequestTimeout() * time.Duration(cfg.MaxRetries+2)
}

func openAuditStore(cfg config.AuditConfig) (ports.AuditStore, error) {
	switch cfg.Sink {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		path := cfg.DSN
		if path == "" {
			path = defaultSQLitePath
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		return sqldb.NewSQLite(path)
	case "postgres":
		if cfg.DSN == "" {
			return nil, errors.New("audit.dsn is required for the postgres sink")
		}
		return sqldb.NewPostgres(cfg.DSN)
	case "file":
		path := cfg.DSN
		if path == "" {
			path = defaultAuditFile
		}
		return jsonl.New(jsonl.Config{Path: path, MaxSizeMB: cfg.MaxSizeMB, MaxAgeDays: cfg.MaxAgeDays})
	default:
		return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}
}

// Serve listens for HTTP until ctx is done.
func (g *Gateway) Serve(ctx context.Context) error {
	g.mu.RLock()
	srv := g.server
	g.mu.RUnlock()
	if srv == nil {
		return errors.New("gateway not started")
	}
	return srv.Start(ctx)
}

// Run starts the gateway, serves HTTP until ctx is done, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		return err
	}
	serveErr := g.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, g.Shutdown(shutdownCtx))
}

// Shutdown stops watching configuration, drains the audit trail and
// releases every resource.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")
	if g.cancel != nil {
		g.cancel()
	}
	err := g.closeComponents()
	if g.tracer != nil {
		if terr := g.tracer(ctx); terr != nil {
			g.logger.Error("failed to flush traces", slog.String("error", terr.Error()))
		}
		g.tracer = nil
	}
	g.started = false

	g.logger.Info("gateway shutdown complete")
	return err
}

// closeComponents closes what build opened. Safe to call on a partially
// built gateway.
func (g *Gateway) closeComponents() error {
	var errs []error
	if g.auditor != nil {
		if err := g.auditor.Close(); err != nil {
			g.logger.Error("failed to close audit trail", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		g.auditor = nil
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close cache", slog.String("error", err.Error()))
		}
		g.store = nil
	}
	if g.ledger != nil {
		g.ledger.Close()
		g.ledger = nil
	}
	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}
	if g.redis != nil && g.ownsRedis {
		if err := g.redis.Close(); err != nil {
			g.logger.Error("failed to close redis", slog.String("error", err.Error()))
		}
		g.redis = nil
	}
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.GatewayConfig) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies a new provider list. Other settings take effect on the
// next restart.
func (g *Gateway) reload(cfg *config.GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registry == nil {
		return errors.New("gateway not started")
	}
	if err := g.registry.Reload(cfg.Providers); err != nil {
		return fmt.Errorf("reload providers: %w", err)
	}
	g.cfg.Providers = cfg.Providers

	g.logger.Info("reload complete", slog.Int("providers", len(cfg.Providers)))
	return nil
}

func (g *Gateway) components() (*secure.Gateway, *gateway.Gateway, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.started {
		return nil, nil, errors.New("gateway not started")
	}
	return g.secure, g.ai, nil
}

// Submit sends one request through authorization, PII handling, auditing,
// the cache and the scheduler.
func (g *Gateway) Submit(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	s, _, err := g.components()
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, req)
}

// Stream is the streaming form of Submit.
func (g *Gateway) Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error) {
	s, _, err := g.components()
	if err != nil {
		return nil, err
	}
	return s.Stream(ctx, req)
}

// TestConnection probes one configured provider by name.
func (g *Gateway) TestConnection(ctx context.Context, name string) (time.Duration, error) {
	_, ai, err := g.components()
	if err != nil {
		return 0, err
	}
	g.mu.RLock()
	pc, ok := g.cfg.ProviderByName(name)
	g.mu.RUnlock()
	if !ok {
		return 0, domain.ErrInvalidRequest(fmt.Sprintf("unknown provider %q", name))
	}
	return ai.TestConnection(ctx, pc)
}

// ListModels lists the models one provider serves.
func (g *Gateway) ListModels(ctx context.Context, name string) ([]string, error) {
	_, ai, err := g.components()
	if err != nil {
		return nil, err
	}
	return ai.ListModels(ctx, name)
}

// Health returns the circuit state of every provider.
func (g *Gateway) Health() []health.Status {
	_, ai, err := g.components()
	if err != nil {
		return nil
	}
	return ai.Health()
}

// Usage returns the usage counters for a provider and requester.
func (g *Gateway) Usage(ctx context.Context, providerName, requester string) (usage.Snapshot, error) {
	_, ai, err := g.components()
	if err != nil {
		return usage.Snapshot{}, err
	}
	return ai.Usage(ctx, providerName, requester)
}

// AuditTrail lists audit records for compliance review.
func (g *Gateway) AuditTrail(ctx context.Context, filter ports.AuditFilter) ([]*domain.AuditRecord, error) {
	g.mu.RLock()
	auditor := g.auditor
	g.mu.RUnlock()
	if auditor == nil {
		return nil, errors.New("gateway not started")
	}
	return auditor.List(ctx, filter)
}

// Handler returns the HTTP handler for mounting in another server.
func (g *Gateway) Handler() http.Handler {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.server == nil {
		return http.NotFoundHandler()
	}
	return g.server
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}
