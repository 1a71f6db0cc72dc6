package usage

import (
	"context"
	"sync"
	"time"
)

type pairKey struct {
	provider  string
	requester string
}

type pairState struct {
	counters map[Window]*Counter
	totals   Totals
}

// MemoryLedger keeps counters in process.
type MemoryLedger struct {
	limits Limits
	now    func() time.Time

	mu    sync.Mutex
	pairs map[pairKey]*pairState
}

var _ Ledger = (*MemoryLedger)(nil)

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates an in-process ledger.
func NewMemoryLedger(limits Limits, opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		limits: limits,
		now:    time.Now,
		pairs:  make(map[pairKey]*pairState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) state(provider, requester string) *pairState {
	k := pairKey{provider, requester}
	s, ok := l.pairs[k]
	if !ok {
		s = &pairState{counters: make(map[Window]*Counter, len(windows))}
		l.pairs[k] = s
	}
	return s
}

// counter returns the counter for w, resetting it if its window is over.
func (s *pairState) counter(w Window, now time.Time) *Counter {
	start := w.Start(now)
	c, ok := s.counters[w]
	if !ok || !c.Start.Equal(start) {
		c = &Counter{Window: w, Start: start}
		s.counters[w] = c
	}
	return c
}

func (l *MemoryLedger) Reserve(ctx context.Context, provider, requester string, estimatedTokens int) (*Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(provider, requester)
	for _, w := range windows {
		c := s.counter(w, now)
		if lim := l.limits.requests(w); lim > 0 && c.Requests+1 > lim {
			return nil, exceeded(provider, requester, w, "requests", lim, now)
		}
		if lim := l.limits.tokens(w); lim > 0 && c.Tokens+estimatedTokens > lim {
			return nil, exceeded(provider, requester, w, "tokens", lim, now)
		}
	}

	res := &Reservation{
		Provider:  provider,
		Requester: requester,
		Tokens:    estimatedTokens,
		starts:    make(map[Window]time.Time, len(windows)),
	}
	for _, w := range windows {
		c := s.counter(w, now)
		c.Requests++
		c.Tokens += estimatedTokens
		res.starts[w] = c.Start
	}
	return res, nil
}

func (l *MemoryLedger) Reconcile(_ context.Context, res *Reservation, actualTokens int, cost float64) error {
	if err := settle(res); err != nil {
		return err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(res.Provider, res.Requester)
	for _, w := range windows {
		c := s.counter(w, now)
		if c.Start.Equal(res.starts[w]) {
			c.Tokens = max(c.Tokens-res.Tokens+actualTokens, 0)
		} else {
			// The call straddled a boundary; charge the new window.
			c.Tokens += actualTokens
		}
	}
	s.totals.Requests++
	s.totals.Tokens += int64(actualTokens)
	s.totals.Cost += cost
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, res *Reservation) error {
	if err := settle(res); err != nil {
		return err
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(res.Provider, res.Requester)
	for _, w := range windows {
		c := s.counter(w, now)
		if !c.Start.Equal(res.starts[w]) {
			continue
		}
		c.Requests = max(c.Requests-1, 0)
		c.Tokens = max(c.Tokens-res.Tokens, 0)
	}
	return nil
}

func (l *MemoryLedger) Snapshot(_ context.Context, provider, requester string) (Snapshot, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(provider, requester)
	return Snapshot{
		Provider:  provider,
		Requester: requester,
		Minute:    *s.counter(WindowMinute, now),
		Hour:      *s.counter(WindowHour, now),
		Totals:    s.totals,
	}, nil
}

func (l *MemoryLedger) Close() error { return nil }
