package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"

	// Adapter packages register their factories from init.
	_ "github.com/tjfontaine/edu-ai-gateway/internal/provider/anthropic"
	_ "github.com/tjfontaine/edu-ai-gateway/internal/provider/mock"
	_ "github.com/tjfontaine/edu-ai-gateway/internal/provider/ollama"
	_ "github.com/tjfontaine/edu-ai-gateway/internal/provider/openai"
)

// Gate reports whether a provider may receive traffic right now. It is
// satisfied by *health.Monitor.
type Gate interface {
	Available(provider string) bool
}

// Candidate is one routable provider: its adapter and the config snapshot
// that goes with it.
type Candidate struct {
	Adapter ports.Adapter
	Config  config.ProviderConfig
}

// Name returns the provider name.
func (c Candidate) Name() string { return c.Config.Name }

type entry struct {
	candidate Candidate
	createdAt time.Time
}

type snapshot struct {
	entries []entry
	byName  map[string]int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithGate sets the health gate consulted by Resolve.
func WithGate(g Gate) RegistryOption {
	return func(r *Registry) { r.gate = g }
}

// WithAdapter makes the registry use a for the provider named name instead
// of building one through its factory.
func WithAdapter(name string, a ports.Adapter) RegistryOption {
	return func(r *Registry) { r.overrides[name] = a }
}

// WithAdapterTTL lets Reload reuse an adapter whose config did not change
// for up to ttl after it was built. Zero rebuilds every adapter on reload.
func WithAdapterTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.adapterTTL = ttl }
}

// Registry holds the configured adapters in preference order. The set is
// replaced atomically by Reload; callers that already resolved keep using
// the candidates they got.
type Registry struct {
	logger     *slog.Logger
	gate       Gate
	overrides  map[string]ports.Adapter
	adapterTTL time.Duration
	now        func() time.Time

	reloadMu sync.Mutex
	current  atomic.Pointer[snapshot]
}

// NewRegistry builds adapters for every configured provider. Providers whose
// configuration is unusable (for example a hosted provider without a key)
// are logged and left out; it is an error only if none remain.
func NewRegistry(providers []config.ProviderConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		logger:    slog.Default(),
		overrides: make(map[string]ports.Adapter),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(providers); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload swaps in a new provider set.
func (r *Registry) Reload(providers []config.ProviderConfig) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	prev := r.current.Load()
	next := &snapshot{byName: make(map[string]int, len(providers))}
	now := r.now()

	var errs []error
	for _, cfg := range providers {
		if cfg.Disabled {
			continue
		}
		if e, ok := r.reuse(prev, cfg, now); ok {
			next.byName[cfg.Name] = len(next.entries)
			next.entries = append(next.entries, e)
			continue
		}

		adapter, err := r.build(cfg)
		if err != nil {
			r.logger.Warn("skipping provider",
				slog.String("provider", cfg.Name),
				slog.String("type", cfg.Type),
				slog.String("error", err.Error()))
			errs = append(errs, err)
			continue
		}
		next.byName[cfg.Name] = len(next.entries)
		next.entries = append(next.entries, entry{
			candidate: Candidate{Adapter: adapter, Config: cfg},
			createdAt: now,
		})
	}

	if len(next.entries) == 0 {
		errs = append([]error{errors.New("no usable providers configured")}, errs...)
		return errors.Join(errs...)
	}

	r.current.Store(next)
	r.logger.Info("provider registry loaded", slog.Int("providers", len(next.entries)))
	return nil
}

func (r *Registry) reuse(prev *snapshot, cfg config.ProviderConfig, now time.Time) (entry, bool) {
	if prev == nil || r.adapterTTL <= 0 {
		return entry{}, false
	}
	i, ok := prev.byName[cfg.Name]
	if !ok {
		return entry{}, false
	}
	e := prev.entries[i]
	if now.Sub(e.createdAt) >= r.adapterTTL || !reflect.DeepEqual(e.candidate.Config, cfg) {
		return entry{}, false
	}
	return e, true
}

func (r *Registry) build(cfg config.ProviderConfig) (ports.Adapter, error) {
	if a, ok := r.overrides[cfg.Name]; ok {
		return a, nil
	}
	a, err := CreateAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}
	return a, nil
}

// Resolve returns the providers eligible for purpose in preference order.
// Providers serving the purpose but currently held back by their circuit
// are reported in skipped so a total failure can still name every provider.
func (r *Registry) Resolve(purpose domain.Purpose) (candidates []Candidate, skipped []domain.ProviderFailure) {
	snap := r.current.Load()
	for _, e := range snap.entries {
		c := e.candidate
		if !c.Config.ServesPurpose(string(purpose)) {
			continue
		}
		if r.gate != nil && !r.gate.Available(c.Name()) {
			skipped = append(skipped, domain.ProviderFailure{
				Provider: c.Name(),
				Err:      domain.NewError(domain.KindProviderUnavailable, "circuit open").WithProvider(c.Name()),
			})
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, skipped
}

// Get returns the named provider regardless of purpose or health.
func (r *Registry) Get(name string) (Candidate, bool) {
	snap := r.current.Load()
	i, ok := snap.byName[name]
	if !ok {
		return Candidate{}, false
	}
	return snap.entries[i].candidate, true
}

// All returns every routed provider in preference order.
func (r *Registry) All() []Candidate {
	snap := r.current.Load()
	out := make([]Candidate, len(snap.entries))
	for i, e := range snap.entries {
		out[i] = e.candidate
	}
	return out
}
