// Package health tracks per-provider outcomes and runs a circuit breaker for
// each provider. The registry consults Allow before routing to a provider;
// the scheduler reports every attempt through RecordOutcome.
package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ewmaAlpha weights the most recent latency sample.
const ewmaAlpha = 0.2

// Settings controls when a circuit opens and how long it stays open.
type Settings struct {
	// FailureThreshold opens the circuit after this many consecutive failures.
	FailureThreshold int
	// ErrorRateThreshold opens the circuit when the failure ratio over Window
	// reaches it, once at least MinSamples outcomes were seen.
	ErrorRateThreshold float64
	MinSamples         int
	Window             time.Duration
	// Cooldown is how long an open circuit rejects traffic before a trial.
	Cooldown time.Duration
}

// SettingsFromConfig converts the configured health section.
func SettingsFromConfig(cfg config.HealthConfig) Settings {
	return Settings{
		FailureThreshold:   cfg.FailureThreshold,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
		MinSamples:         cfg.MinSamples,
		Window:             time.Duration(cfg.WindowSeconds) * time.Second,
		Cooldown:           time.Duration(cfg.CooldownSeconds) * time.Second,
	}
}

// Status is a point-in-time view of one provider's health.
type Status struct {
	Provider            string        `json:"provider"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitempty"`
	Latency             time.Duration `json:"latency_ewma"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	ErrorRate           float64       `json:"error_rate"`
}

type sample struct {
	at time.Time
	ok bool
}

type circuit struct {
	state         State
	consecutive   int
	lastFailure   time.Time
	openedAt      time.Time
	trialInFlight bool
	latency       time.Duration
	successes     int64
	failures      int64
	window        []sample
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithStateHook is called, outside the lock, on every state transition.
func WithStateHook(fn func(provider string, from, to State)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// Monitor holds one circuit per provider. It is safe for concurrent use.
type Monitor struct {
	settings Settings
	now      func() time.Time
	logger   *slog.Logger
	onChange func(provider string, from, to State)

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewMonitor creates a monitor. Zero settings fall back to sane values.
func NewMonitor(settings Settings, opts ...Option) *Monitor {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	m := &Monitor{
		settings: settings,
		now:      time.Now,
		logger:   slog.Default(),
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) get(provider string) *circuit {
	c, ok := m.circuits[provider]
	if !ok {
		c = &circuit{state: StateClosed}
		m.circuits[provider] = c
	}
	return c
}

// Allow reports whether a call may be routed to provider. An open circuit
// whose cooldown has elapsed moves to half-open and admits exactly one
// trial call; further calls are rejected until the trial reports back.
func (m *Monitor) Allow(provider string) bool {
	m.mu.Lock()
	c := m.get(provider)
	from := c.state
	allowed := false

	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if m.now().Sub(c.openedAt) >= m.settings.Cooldown {
			c.state = StateHalfOpen
			c.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !c.trialInFlight {
			c.trialInFlight = true
			allowed = true
		}
	}
	to := c.state
	m.mu.Unlock()

	m.transitioned(provider, from, to)
	return allowed
}

// Available reports, without side effects, whether Allow would admit a
// call right now.
func (m *Monitor) Available(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[provider]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		return m.now().Sub(c.openedAt) >= m.settings.Cooldown
	case StateHalfOpen:
		return !c.trialInFlight
	}
	return true
}

// Abandon gives back a trial slot taken by Allow when the call never
// produced a provider outcome, for example because the caller went away.
func (m *Monitor) Abandon(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.circuits[provider]; ok && c.state == StateHalfOpen {
		c.trialInFlight = false
	}
}

// RecordOutcome records the result of one provider call.
func (m *Monitor) RecordOutcome(provider string, ok bool, latency time.Duration) {
	now := m.now()

	m.mu.Lock()
	c := m.get(provider)
	from := c.state

	if c.latency == 0 {
		c.latency = latency
	} else {
		c.latency = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(c.latency))
	}
	if ok {
		c.successes++
	} else {
		c.failures++
		c.lastFailure = now
	}
	c.window = append(c.window, sample{at: now, ok: ok})
	m.prune(c, now)

	switch c.state {
	case StateHalfOpen:
		c.trialInFlight = false
		if ok {
			c.state = StateClosed
			c.consecutive = 0
			c.window = c.window[:0]
		} else {
			c.state = StateOpen
			c.openedAt = now
		}
	case StateClosed:
		if ok {
			c.consecutive = 0
			break
		}
		c.consecutive++
		if c.consecutive >= m.settings.FailureThreshold || m.errorRateExceeded(c) {
			c.state = StateOpen
			c.openedAt = now
		}
	case StateOpen:
		// Late result of a call admitted before the circuit opened.
	}
	to := c.state
	m.mu.Unlock()

	m.transitioned(provider, from, to)
}

func (m *Monitor) prune(c *circuit, now time.Time) {
	cutoff := now.Add(-m.settings.Window)
	i := 0
	for i < len(c.window) && c.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

func (m *Monitor) errorRateExceeded(c *circuit) bool {
	if m.settings.ErrorRateThreshold <= 0 || len(c.window) < m.settings.MinSamples || len(c.window) == 0 {
		return false
	}
	return windowErrorRate(c.window) >= m.settings.ErrorRateThreshold
}

func windowErrorRate(window []sample) float64 {
	if len(window) == 0 {
		return 0
	}
	failed := 0
	for _, s := range window {
		if !s.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(window))
}

func (m *Monitor) transitioned(provider string, from, to State) {
	if from == to {
		return
	}
	m.logger.Info("provider circuit state changed",
		slog.String("provider", provider),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	if m.onChange != nil {
		m.onChange(provider, from, to)
	}
}

// State returns the provider's current circuit state without side effects.
func (m *Monitor) State(provider string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.circuits[provider]; ok {
		return c.state
	}
	return StateClosed
}

// Status returns the health of one provider.
func (m *Monitor) Status(provider string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status(provider, m.get(provider))
}

func (m *Monitor) status(name string, c *circuit) Status {
	m.prune(c, m.now())
	return Status{
		Provider:            name,
		State:               c.state,
		ConsecutiveFailures: c.consecutive,
		LastFailure:         c.lastFailure,
		Latency:             c.latency,
		Successes:           c.successes,
		Failures:            c.failures,
		ErrorRate:           windowErrorRate(c.window),
	}
}

// Snapshot returns the health of every provider seen so far, sorted by name.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.circuits))
	for name, c := range m.circuits {
		out = append(out, m.status(name, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset forgets everything known about provider.
func (m *Monitor) Reset(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.circuits, provider)
}
