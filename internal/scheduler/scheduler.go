// Package scheduler admits requests into a bounded pool of provider calls
// and drives each one through retries and failover.
//
// A request moves Queued -> Admitted -> InFlight and ends Completed or
// Failed; a retryable failure passes through Retrying back to InFlight, and
// moving on to the next provider does the same.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

const tracerName = "github.com/tjfontaine/edu-ai-gateway/internal/scheduler"

// State is a request lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateAdmitted  State = "admitted"
	StateInFlight  State = "in_flight"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Event describes one state transition.
type Event struct {
	RequestID string
	Purpose   domain.Purpose
	State     State
	Provider  string
	Attempt   int
	// Wait is the time spent queued, set on Admitted.
	Wait time.Duration
	// Latency is the attempt duration, set on Completed and on attempt
	// failures reported with Retrying or Failed.
	Latency time.Duration
	Err     error
}

// Observer receives lifecycle events. It is called synchronously and must
// not block.
type Observer func(Event)

// Resolver yields the failover list for a purpose.
type Resolver interface {
	Resolve(purpose domain.Purpose) ([]provider.Candidate, []domain.ProviderFailure)
}

// HealthTracker gates and records provider calls.
type HealthTracker interface {
	Allow(provider string) bool
	RecordOutcome(provider string, ok bool, latency time.Duration)
	Abandon(provider string)
}

// TokenEstimator estimates the tokens a request will consume, and the
// usage of a response whose provider reported none.
type TokenEstimator interface {
	EstimateRequest(req *domain.Request, model string) int
	EstimateUsage(req *domain.Request, model, completion string) domain.Usage
}

// Settings holds the scheduler's tunables.
type Settings struct {
	MaxConcurrent  int
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64
	Jitter         float64
	// ChunkSize caps the bytes of content in one streamed chunk. Zero
	// relays provider deltas as they arrive.
	ChunkSize int
}

// SettingsFromConfig derives scheduler settings from the gateway config.
func SettingsFromConfig(cfg *config.GatewayConfig) Settings {
	return Settings{
		MaxConcurrent:  cfg.MaxConcurrentRequests,
		RequestTimeout: cfg.RequestTimeout(),
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    time.Duration(cfg.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.BackoffMaxMillis) * time.Millisecond,
		BackoffFactor:  cfg.BackoffFactor,
		Jitter:         0.1,
		ChunkSize:      cfg.ChunkSize,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// WithPrices sets the price table used for cost accounting.
func WithPrices(p usage.PriceTable) Option {
	return func(s *Scheduler) { s.prices = p }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// Scheduler runs provider calls under a concurrency bound.
type Scheduler struct {
	settings  Settings
	slots     *semaphore.Weighted
	registry  Resolver
	health    HealthTracker
	ledger    usage.Ledger
	estimator TokenEstimator
	prices    usage.PriceTable
	observers []Observer
	logger    *slog.Logger
	tracer    trace.Tracer

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

// New creates a scheduler.
func New(settings Settings, registry Resolver, health HealthTracker, ledger usage.Ledger, estimator TokenEstimator, opts ...Option) *Scheduler {
	if settings.MaxConcurrent <= 0 {
		settings.MaxConcurrent = 1
	}
	s := &Scheduler{
		settings:  settings,
		slots:     semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		registry:  registry,
		health:    health,
		ledger:    ledger,
		estimator: estimator,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InFlight returns the number of admitted requests.
func (s *Scheduler) InFlight() int { return int(s.inFlight.Load()) }

// MaxInFlight returns the highest number of admitted requests seen.
func (s *Scheduler) MaxInFlight() int { return int(s.maxInFlight.Load()) }

func (s *Scheduler) emit(e Event) {
	for _, o := range s.observers {
		o(e)
	}
}

// withDeadline applies the request's own deadline, if any.
func withDeadline(ctx context.Context, req *domain.Request) (context.Context, context.CancelFunc) {
	if req.Deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, req.Deadline)
}

// admit blocks until a slot is free. Slots are handed out in arrival order.
func (s *Scheduler) admit(ctx context.Context, req *domain.Request) (release func(), err error) {
	s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateQueued})
	start := time.Now()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.Canceled) {
			err = domain.NewError(domain.KindCanceled, "request canceled while queued").Wrap(err)
		} else {
			err = domain.ErrQueueTimeout("no capacity before deadline, try again").Wrap(err)
		}
		s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Err: err})
		return nil, err
	}

	n := s.inFlight.Add(1)
	for {
		seen := s.maxInFlight.Load()
		if n <= seen || s.maxInFlight.CompareAndSwap(seen, n) {
			break
		}
	}
	s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateAdmitted, Wait: time.Since(start)})

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			s.inFlight.Add(-1)
			s.slots.Release(1)
		}
	}, nil
}

// attemptTimeout picks the provider's own timeout, else the global one.
func (s *Scheduler) attemptTimeout(cfg config.ProviderConfig) time.Duration {
	if t := cfg.Timeout(); t > 0 {
		return t
	}
	return s.settings.RequestTimeout
}

func (s *Scheduler) retries(cfg config.ProviderConfig) int {
	if cfg.MaxRetries != nil {
		return cfg.Retries()
	}
	return s.settings.MaxRetries
}

func (s *Scheduler) wait(ctx context.Context, cfg config.ProviderConfig, attempt int, lastErr error) error {
	factor := s.settings.BackoffFactor
	if cfg.BackoffFactor > 0 {
		factor = cfg.BackoffFactor
	}
	d := backoff(attempt, s.settings.BackoffBase, s.settings.BackoffMax, factor, s.settings.Jitter)

	var gwErr *domain.GatewayError
	if errors.As(lastErr, &gwErr) && gwErr.RetryAfter > d {
		d = gwErr.RetryAfter
		if s.settings.BackoffMax > 0 && d > s.settings.BackoffMax {
			d = s.settings.BackoffMax
		}
	}
	return sleep(ctx, d)
}

// reserve charges the ledger and passes the health gate for one provider.
// On failure nothing is held.
func (s *Scheduler) reserve(ctx context.Context, req *domain.Request, c provider.Candidate) (*usage.Reservation, error) {
	name := c.Name()
	model := ports.ResolveModel(req, c.Config)
	res, err := s.ledger.Reserve(ctx, name, req.Requester.ID, s.estimator.EstimateRequest(req, model))
	if err != nil {
		return nil, err
	}
	if !s.health.Allow(name) {
		if relErr := s.ledger.Release(ctx, res); relErr != nil {
			s.logger.Warn("usage release failed", slog.String("provider", name), slog.String("error", relErr.Error()))
		}
		return nil, domain.NewError(domain.KindProviderUnavailable, "circuit open").WithProvider(name)
	}
	return res, nil
}

// settle reconciles or refunds the reservation and returns the cost.
func (s *Scheduler) settle(ctx context.Context, res *usage.Reservation, used *domain.Usage, refund bool) float64 {
	// Settlement must happen even when the caller's ctx is already done.
	ctx = context.WithoutCancel(ctx)

	var err error
	var cost float64
	if refund {
		err = s.ledger.Release(ctx, res)
	} else {
		tokens := 0
		if used != nil {
			tokens = used.TotalTokens
			cost = s.prices.Cost(res.Provider, *used)
		}
		err = s.ledger.Reconcile(ctx, res, tokens, cost)
	}
	if err != nil {
		s.logger.Warn("usage settlement failed",
			slog.String("provider", res.Provider),
			slog.String("error", err.Error()))
	}
	return cost
}

// recordFailure reports an attempt failure to the health monitor. Caller
// mistakes do not count against the provider.
func (s *Scheduler) recordFailure(name string, err error, latency time.Duration) {
	switch domain.KindOf(err) {
	case domain.KindCanceled:
		s.health.Abandon(name)
	case domain.KindProviderBadRequest:
		s.health.RecordOutcome(name, true, latency)
	default:
		s.health.RecordOutcome(name, false, latency)
	}
}

// callerGone converts a finished caller context into the error returned to
// that caller.
func callerGone(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.KindProviderTimeout, "request deadline exceeded").Wrap(ctx.Err())
	}
	return domain.NewError(domain.KindCanceled, "request canceled").Wrap(ctx.Err())
}

// terminal builds the error returned when no provider succeeded. When no
// provider was called because every one refused on budget, the caller gets
// the rate limit error itself.
func terminal(failures []domain.ProviderFailure) error {
	var rateLimited error
	for _, f := range failures {
		if f.Attempts > 0 || domain.KindOf(f.Err) != domain.KindRateLimitExceeded {
			return &domain.AllProvidersFailedError{Failures: failures}
		}
		if rateLimited == nil {
			rateLimited = f.Err
		}
	}
	if rateLimited == nil {
		return &domain.AllProvidersFailedError{Failures: failures}
	}
	return rateLimited
}

// Submit runs req to completion: admission, then each eligible provider in
// order with retries, until one succeeds.
func (s *Scheduler) Submit(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	req = req.Clone()
	ctx, cancel := withDeadline(ctx, req)
	defer cancel()

	release, err := s.admit(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()

	candidates, skipped := s.registry.Resolve(req.Purpose)
	failures := append([]domain.ProviderFailure(nil), skipped...)

	for i, c := range candidates {
		name := c.Name()
		if i > 0 {
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateRetrying, Provider: name})
		}

		res, err := s.reserve(ctx, req, c)
		if err != nil {
			s.logger.Info("provider skipped",
				slog.String("request_id", req.ID),
				slog.String("provider", name),
				slog.String("error", err.Error()))
			failures = append(failures, domain.ProviderFailure{Provider: name, Err: err})
			continue
		}

		resp, attempts, err := s.callWithRetry(ctx, req, c)
		if err == nil {
			resp.Cost = s.settle(ctx, res, &resp.Usage, false)
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateCompleted, Provider: name, Attempt: attempts, Latency: resp.Latency})
			return resp, nil
		}

		if ctx.Err() != nil {
			s.settle(ctx, res, nil, true)
			err = callerGone(ctx)
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Provider: name, Err: err})
			return nil, err
		}

		s.settle(ctx, res, nil, false)
		failures = append(failures, domain.ProviderFailure{Provider: name, Attempts: attempts, Err: err})
		s.logger.Warn("provider failed, trying next",
			slog.String("request_id", req.ID),
			slog.String("provider", name),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
	}

	err = terminal(failures)
	s.logger.Error("request failed on every provider",
		slog.String("request_id", req.ID),
		slog.String("purpose", string(req.Purpose)),
		slog.String("error", err.Error()))
	s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Err: err})
	return nil, err
}

// callWithRetry calls one provider until it succeeds, fails permanently, or
// runs out of retries. It returns the number of attempts made.
func (s *Scheduler) callWithRetry(ctx context.Context, req *domain.Request, c provider.Candidate) (*domain.Response, int, error) {
	name := c.Name()
	maxAttempts := s.retries(c.Config) + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateRetrying, Provider: name, Attempt: attempt, Err: lastErr})
			if err := s.wait(ctx, c.Config, attempt-1, lastErr); err != nil {
				return nil, attempt - 1, lastErr
			}
			// A retry needs a fresh trial slot if the circuit opened meanwhile.
			if !s.health.Allow(name) {
				return nil, attempt - 1, domain.NewError(domain.KindProviderUnavailable, "circuit opened during retries").WithProvider(name).Wrap(lastErr)
			}
		}

		s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateInFlight, Provider: name, Attempt: attempt})
		resp, latency, err := s.attempt(ctx, req, c, attempt)
		if err == nil {
			s.health.RecordOutcome(name, true, latency)
			return resp, attempt, nil
		}

		if ctx.Err() != nil {
			s.health.Abandon(name)
			return nil, attempt, err
		}
		s.recordFailure(name, err, latency)
		lastErr = err

		if !domain.IsRetryable(err) {
			return nil, attempt, err
		}
		s.logger.Warn("provider attempt failed",
			slog.String("request_id", req.ID),
			slog.String("provider", name),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, maxAttempts, lastErr
}

func (s *Scheduler) attempt(ctx context.Context, req *domain.Request, c provider.Candidate, attempt int) (*domain.Response, time.Duration, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.attempt", trace.WithAttributes(
		attribute.String("provider", c.Name()),
		attribute.String("purpose", string(req.Purpose)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	if t := s.attemptTimeout(c.Config); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.Adapter.Send(ctx, req, c.Config)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return nil, latency, err
	}
	if resp == nil {
		err := domain.Errorf(domain.KindMalformedResponse, "provider %s returned no response", c.Name())
		span.SetStatus(codes.Error, err.Error())
		return nil, latency, err
	}

	s.normalize(req, c, resp, latency)
	span.SetAttributes(attribute.Int("tokens", resp.Usage.TotalTokens))
	return resp, latency, nil
}

// normalize fills in the fields every response must carry.
func (s *Scheduler) normalize(req *domain.Request, c provider.Candidate, resp *domain.Response, latency time.Duration) {
	resp.ID = req.ID
	if resp.Provider == "" {
		resp.Provider = c.Name()
	}
	if resp.Model == "" {
		resp.Model = ports.ResolveModel(req, c.Config)
	}
	resp.Latency = latency
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = s.estimator.EstimateUsage(req, resp.Model, resp.Content)
	}
	if !resp.Truncated {
		resp.Truncated = domain.IsTruncated(resp.FinishReason)
	}
}
