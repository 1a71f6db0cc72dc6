package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// MemoryStore is a bounded LRU store. Expired entries are dropped lazily on
// read and by a periodic sweep.
type MemoryStore struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *Entry]
	now    func() time.Time
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// WithSweepInterval starts a goroutine that sweeps every interval until
// Close is called.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if interval <= 0 {
			return
		}
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
}

// NewMemoryStore creates a store holding at most maxEntries responses.
func NewMemoryStore(maxEntries int, opts ...MemoryOption) (*MemoryStore, error) {
	cache, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s := &MemoryStore{
		lru:    cache,
		now:    time.Now,
		logger: slog.Default(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lru.Get(fingerprint)
	if !ok {
		return nil, false, nil
	}
	if e.Expired(s.now()) {
		s.lru.Remove(fingerprint)
		return nil, false, nil
	}
	e.Hits++

	out := *e
	out.Response = e.Response.Clone()
	return &out, true, nil
}

func (s *MemoryStore) Put(_ context.Context, fingerprint string, resp *domain.Response, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lru.Add(fingerprint, &Entry{
		Response:  resp.Clone(),
		CreatedAt: s.now(),
		TTL:       ttl,
	})
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(fingerprint)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, k := range s.lru.Keys() {
		if e, ok := s.lru.Peek(k); ok && e.Expired(now) {
			s.lru.Remove(k)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n, _ := s.Sweep(context.Background()); n > 0 {
				s.logger.Debug("cache sweep", slog.Int("removed", n))
			}
		}
	}
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return nil
}
