package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/mock"
	"github.com/tjfontaine/edu-ai-gateway/internal/tokens"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	sched  *Scheduler
	health *health.Monitor
	ledger *usage.MemoryLedger
	clock  *fakeClock

	mu     sync.Mutex
	events []Event
}

type fixtureOptions struct {
	settings Settings
	limits   usage.Limits
	health   health.Settings
	prices   usage.PriceTable
}

func defaultSettings() Settings {
	return Settings{
		MaxConcurrent:  4,
		RequestTimeout: time.Second,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func newFixture(t *testing.T, opts fixtureOptions, adapters ...*mock.Provider) *fixture {
	t.Helper()
	if opts.settings.MaxConcurrent == 0 {
		opts.settings = defaultSettings()
	}
	if opts.health.FailureThreshold == 0 {
		opts.health = health.Settings{FailureThreshold: 5, Cooldown: 30 * time.Second}
	}

	f := &fixture{clock: &fakeClock{now: time.Date(2024, 9, 2, 10, 0, 0, 0, time.UTC)}}
	f.health = health.NewMonitor(opts.health, health.WithClock(f.clock.Now))
	f.ledger = usage.NewMemoryLedger(opts.limits, usage.WithClock(f.clock.Now))

	cfgs := make([]config.ProviderConfig, len(adapters))
	regOpts := []provider.RegistryOption{provider.WithGate(f.health)}
	for i, a := range adapters {
		cfgs[i] = config.ProviderConfig{Name: a.Name(), Type: config.TypeMock, Model: a.Name() + "-model"}
		regOpts = append(regOpts, provider.WithAdapter(a.Name(), a))
	}
	reg, err := provider.NewRegistry(cfgs, regOpts...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	f.sched = New(opts.settings, reg, f.health, f.ledger, tokens.NewRegistry(),
		WithPrices(opts.prices),
		WithObserver(func(e Event) {
			f.mu.Lock()
			f.events = append(f.events, e)
			f.mu.Unlock()
		}))
	return f
}

func (f *fixture) states(requestID string) []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []State
	for _, e := range f.events {
		if e.RequestID == requestID {
			out = append(out, e.State)
		}
	}
	return out
}

func answer(id string) *domain.Request {
	return &domain.Request{
		ID:        id,
		Purpose:   domain.PurposeAnswer,
		Prompt:    "What is 7 x 8?",
		Requester: domain.Requester{ID: "stu-1", Role: domain.RoleStudent},
	}
}

func TestSubmit_Success(t *testing.T) {
	ollama := mock.New("ollama", mock.WithResponse("56"))
	f := newFixture(t, fixtureOptions{}, ollama)

	resp, err := f.sched.Submit(context.Background(), answer("r1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.Content != "56" || resp.Provider != "ollama" || resp.ID != "r1" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Model != "ollama-model" {
		t.Errorf("Model = %q, want configured model", resp.Model)
	}

	want := []State{StateQueued, StateAdmitted, StateInFlight, StateCompleted}
	got := f.states("r1")
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, got[i], want[i])
		}
	}
	if f.sched.InFlight() != 0 {
		t.Errorf("InFlight() = %d after completion", f.sched.InFlight())
	}
}

func TestSubmit_FailoverAfterRetries(t *testing.T) {
	ollama := mock.New("ollama", mock.WithFailures(3, domain.KindProviderServer))
	openrouter := mock.New("openrouter", mock.WithResponse("lesson outline"))
	f := newFixture(t, fixtureOptions{}, ollama, openrouter)

	resp, err := f.sched.Submit(context.Background(), answer("r1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.Provider != "openrouter" {
		t.Errorf("Provider = %q, want openrouter", resp.Provider)
	}
	if ollama.Calls() != 3 {
		t.Errorf("ollama calls = %d, want 3", ollama.Calls())
	}
	if openrouter.Calls() != 1 {
		t.Errorf("openrouter calls = %d, want 1", openrouter.Calls())
	}

	st := f.health.Status("ollama")
	if st.Failures != 3 || st.State != health.StateClosed {
		t.Errorf("ollama health = %+v", st)
	}
	if f.health.Status("openrouter").Successes != 1 {
		t.Error("openrouter success not recorded")
	}
}

func TestSubmit_NonRetryableSkipsRetries(t *testing.T) {
	primary := mock.New("primary", mock.WithFailures(1, domain.KindProviderAuth))
	backup := mock.New("backup")
	f := newFixture(t, fixtureOptions{}, primary, backup)

	resp, err := f.sched.Submit(context.Background(), answer("r1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
	if resp.Provider != "backup" {
		t.Errorf("Provider = %q", resp.Provider)
	}
}

func TestSubmit_AllProvidersFailed(t *testing.T) {
	a := mock.New("ollama", mock.WithFailures(10, domain.KindProviderServer))
	b := mock.New("openrouter", mock.WithFailures(10, domain.KindProviderTimeout))
	f := newFixture(t, fixtureOptions{}, a, b)

	_, err := f.sched.Submit(context.Background(), answer("r1"))
	var all *domain.AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("Submit() error = %v, want AllProvidersFailedError", err)
	}
	if len(all.Failures) != 2 {
		t.Fatalf("Failures = %+v", all.Failures)
	}
	if all.Failures[0].Provider != "ollama" || all.Failures[0].Attempts != 3 {
		t.Errorf("first failure = %+v", all.Failures[0])
	}
	if !errors.Is(err, domain.KindProviderTimeout) || !errors.Is(err, domain.KindProviderServer) {
		t.Error("aggregate should unwrap to every provider cause")
	}
	if domain.KindOf(err) != domain.KindAllProvidersFailed {
		t.Errorf("KindOf() = %s", domain.KindOf(err))
	}
	if f.states("r1")[len(f.states("r1"))-1] != StateFailed {
		t.Error("last state should be failed")
	}
}

func TestSubmit_RateLimitExceededMakesNoCall(t *testing.T) {
	p := mock.New("ollama")
	f := newFixture(t, fixtureOptions{limits: usage.Limits{RequestsPerMinute: 2}}, p)

	for i := 0; i < 2; i++ {
		if _, err := f.sched.Submit(context.Background(), answer("ok")); err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
	}

	_, err := f.sched.Submit(context.Background(), answer("over"))
	if domain.KindOf(err) != domain.KindRateLimitExceeded {
		t.Fatalf("third request error = %v, want rate limit exceeded", err)
	}
	if p.Calls() != 2 {
		t.Errorf("provider calls = %d, want 2", p.Calls())
	}
}

func TestSubmit_RateLimitedProviderFallsThrough(t *testing.T) {
	a := mock.New("a")
	b := mock.New("b")
	f := newFixture(t, fixtureOptions{limits: usage.Limits{RequestsPerMinute: 1}}, a, b)

	for i := 0; i < 2; i++ {
		resp, err := f.sched.Submit(context.Background(), answer("r"))
		if err != nil {
			t.Fatalf("request %d error = %v", i, err)
		}
		if want := []string{"a", "b"}[i]; resp.Provider != want {
			t.Errorf("request %d served by %s, want %s", i, resp.Provider, want)
		}
	}
}

func TestSubmit_OpenCircuitIsSkippedUntilTrialSucceeds(t *testing.T) {
	a := mock.New("a", mock.WithFailures(1, domain.KindProviderServer))
	b := mock.New("b")
	f := newFixture(t, fixtureOptions{
		settings: Settings{MaxConcurrent: 2, RequestTimeout: time.Second},
		health:   health.Settings{FailureThreshold: 1, Cooldown: 30 * time.Second},
	}, a, b)
	ctx := context.Background()

	resp, err := f.sched.Submit(ctx, answer("r1"))
	if err != nil || resp.Provider != "b" {
		t.Fatalf("r1 = %+v, %v", resp, err)
	}
	if f.health.State("a") != health.StateOpen {
		t.Fatalf("a state = %s, want open", f.health.State("a"))
	}

	resp, err = f.sched.Submit(ctx, answer("r2"))
	if err != nil || resp.Provider != "b" {
		t.Fatalf("r2 = %+v, %v", resp, err)
	}
	if a.Calls() != 1 {
		t.Errorf("open provider was called: %d calls", a.Calls())
	}

	f.clock.Advance(30 * time.Second)
	resp, err = f.sched.Submit(ctx, answer("r3"))
	if err != nil || resp.Provider != "a" {
		t.Fatalf("r3 = %+v, %v", resp, err)
	}
	if f.health.State("a") != health.StateClosed {
		t.Errorf("a state = %s, want closed after trial", f.health.State("a"))
	}
}

func TestSubmit_AllCircuitsOpen(t *testing.T) {
	a := mock.New("a", mock.WithFailures(1, domain.KindProviderServer))
	f := newFixture(t, fixtureOptions{
		settings: Settings{MaxConcurrent: 1, RequestTimeout: time.Second},
		health:   health.Settings{FailureThreshold: 1, Cooldown: time.Minute},
	}, a)

	_, _ = f.sched.Submit(context.Background(), answer("r1"))
	_, err := f.sched.Submit(context.Background(), answer("r2"))

	var all *domain.AllProvidersFailedError
	if !errors.As(err, &all) || len(all.Failures) != 1 {
		t.Fatalf("error = %v", err)
	}
	if !errors.Is(all.Failures[0].Err, domain.KindProviderUnavailable) {
		t.Errorf("reason = %v, want unavailable", all.Failures[0].Err)
	}
	if a.Calls() != 1 {
		t.Errorf("calls = %d, want 1", a.Calls())
	}
}

func TestSubmit_QueueingWithSingleSlot(t *testing.T) {
	p := mock.New("ollama", mock.WithLatency(30*time.Millisecond))
	settings := defaultSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, fixtureOptions{settings: settings}, p)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.sched.Submit(context.Background(), answer("q"))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d error = %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, second request should have waited", elapsed)
	}
	if f.sched.MaxInFlight() != 1 || p.MaxInFlight() != 1 {
		t.Errorf("in flight = %d/%d, want 1", f.sched.MaxInFlight(), p.MaxInFlight())
	}
}

func TestSubmit_QueueTimeout(t *testing.T) {
	p := mock.New("ollama", mock.WithLatency(200*time.Millisecond))
	settings := defaultSettings()
	settings.MaxConcurrent = 1
	f := newFixture(t, fixtureOptions{settings: settings}, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.sched.Submit(context.Background(), answer("holder"))
	}()
	time.Sleep(20 * time.Millisecond)

	req := answer("waiter")
	req.Deadline = time.Now().Add(20 * time.Millisecond)
	_, err := f.sched.Submit(context.Background(), req)
	if !errors.Is(err, domain.KindQueueTimeout) {
		t.Errorf("error = %v, want queue timeout", err)
	}
	if p.Calls() != 1 {
		t.Errorf("calls = %d, queued request must not reach the provider", p.Calls())
	}
	<-done
}

func TestSubmit_InFlightBound(t *testing.T) {
	p := mock.New("ollama", mock.WithLatency(15*time.Millisecond))
	settings := defaultSettings()
	settings.MaxConcurrent = 3
	f := newFixture(t, fixtureOptions{settings: settings}, p)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.sched.Submit(context.Background(), answer("load")); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := f.sched.MaxInFlight(); got > 3 {
		t.Errorf("scheduler MaxInFlight() = %d, want <= 3", got)
	}
	if got := p.MaxInFlight(); got > 3 {
		t.Errorf("provider MaxInFlight() = %d, want <= 3", got)
	}
	if f.sched.InFlight() != 0 {
		t.Errorf("InFlight() = %d after all requests finished", f.sched.InFlight())
	}
}

func TestSubmit_CancellationStopsRetries(t *testing.T) {
	p := mock.New("ollama", mock.WithLatency(time.Second))
	backup := mock.New("backup")
	f := newFixture(t, fixtureOptions{}, p, backup)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.sched.Submit(ctx, answer("r1"))
	if domain.KindOf(err) != domain.KindCanceled {
		t.Fatalf("error = %v, want canceled", err)
	}
	if p.Calls() != 1 || backup.Calls() != 0 {
		t.Errorf("calls = %d/%d, want no retry or failover", p.Calls(), backup.Calls())
	}
	if f.sched.InFlight() != 0 {
		t.Error("slot not released")
	}
	if st := f.health.Status("ollama"); st.Failures != 0 {
		t.Errorf("cancellation counted against provider: %+v", st)
	}

	snap, _ := f.ledger.Snapshot(context.Background(), "ollama", "stu-1")
	if snap.Minute.Requests != 0 {
		t.Errorf("canceled call still charged: %+v", snap.Minute)
	}
}

func TestSubmit_BadRequestDoesNotHurtHealth(t *testing.T) {
	p := mock.New("ollama", mock.WithFailures(1, domain.KindProviderBadRequest))
	f := newFixture(t, fixtureOptions{}, p)

	_, err := f.sched.Submit(context.Background(), answer("r1"))
	if !errors.Is(err, domain.KindProviderBadRequest) {
		t.Fatalf("error = %v", err)
	}
	if st := f.health.Status("ollama"); st.Failures != 0 {
		t.Errorf("health = %+v", st)
	}
}

func TestSubmit_CostAndUsage(t *testing.T) {
	p := mock.New("openai", mock.WithResponse("Seven times eight is fifty-six."))
	f := newFixture(t, fixtureOptions{
		prices: usage.PriceTable{"openai": {PromptPer1K: 1, CompletionPer1K: 2}},
	}, p)

	resp, err := f.sched.Submit(context.Background(), answer("r1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	want := float64(resp.Usage.PromptTokens)/1000 + float64(resp.Usage.CompletionTokens)/1000*2
	if resp.Cost != want || resp.Cost == 0 {
		t.Errorf("Cost = %v, want %v", resp.Cost, want)
	}

	snap, _ := f.ledger.Snapshot(context.Background(), "openai", "stu-1")
	if snap.Totals.Tokens != int64(resp.Usage.TotalTokens) {
		t.Errorf("ledger tokens = %d, want %d", snap.Totals.Tokens, resp.Usage.TotalTokens)
	}
}

func TestSubmit_NoProviderForPurpose(t *testing.T) {
	reg, err := provider.NewRegistry([]config.ProviderConfig{
		{Name: "tutor-only", Type: config.TypeMock, Purposes: []string{"tutor"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched := New(defaultSettings(), reg, health.NewMonitor(health.Settings{}), usage.NewMemoryLedger(usage.Limits{}), tokens.NewRegistry())

	_, err = sched.Submit(context.Background(), answer("r1"))
	if domain.KindOf(err) != domain.KindAllProvidersFailed {
		t.Errorf("error = %v", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, 100*time.Millisecond, time.Second, 2, 0); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	for i := 0; i < 100; i++ {
		got := backoff(2, 100*time.Millisecond, time.Second, 2, 0.1)
		if got < 180*time.Millisecond || got > 220*time.Millisecond {
			t.Fatalf("jittered backoff = %v, want within 10%% of 200ms", got)
		}
	}
}
