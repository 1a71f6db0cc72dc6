package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// RedisStore keeps entries in Redis with SET ... PX ttl. The stored
// created-at is checked on read as well, so an entry is never served past
// its TTL even if the server's expiry lags.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisClock replaces time.Now.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore creates a store on client. Keys are namespaced by prefix.
func NewRedisStore(client *redis.Client, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(fingerprint string) string {
	return fmt.Sprintf("%s:cache:%s", s.prefix, fingerprint)
}

func (s *RedisStore) hitsKey(fingerprint string) string {
	return s.key(fingerprint) + ":hits"
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// Unreadable entries are treated as misses and dropped.
		_ = s.Invalidate(ctx, fingerprint)
		return nil, false, nil
	}
	if e.Response == nil || e.Expired(s.now()) {
		return nil, false, nil
	}

	hits, err := s.client.Incr(ctx, s.hitsKey(fingerprint)).Result()
	if err == nil {
		s.client.PExpireAt(ctx, s.hitsKey(fingerprint), e.ExpiresAt())
		e.Hits = hits
	}
	return &e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, fingerprint string, resp *domain.Response, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(Entry{Response: resp, CreatedAt: s.now(), TTL: ttl})
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(fingerprint), raw, ttl)
		pipe.Del(ctx, s.hitsKey(fingerprint))
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, fingerprint string) error {
	if err := s.client.Del(ctx, s.key(fingerprint), s.hitsKey(fingerprint)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

// Sweep is a no-op; Redis expires keys itself.
func (s *RedisStore) Sweep(context.Context) (int, error) { return 0, nil }

// Close is a no-op; the client belongs to the caller.
func (s *RedisStore) Close() error { return nil }
