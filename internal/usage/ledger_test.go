package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 9, 2, 9, 30, 15, 0, time.UTC)}
}

// ledgers runs fn against both backends.
func ledgers(t *testing.T, limits Limits, fn func(t *testing.T, l Ledger, c *clock)) {
	t.Run("memory", func(t *testing.T) {
		c := newClock()
		fn(t, NewMemoryLedger(limits, WithClock(c.Now)), c)
	})
	t.Run("redis", func(t *testing.T) {
		c := newClock()
		srv := miniredis.RunT(t)
		srv.SetTime(c.Now())
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		l := NewRedisLedger(client, "test", limits, WithRedisClock(c.Now))
		t.Cleanup(func() { client.Close() })
		fn(t, l, c)
	})
}

func TestLedger_RequestBudget(t *testing.T) {
	ledgers(t, Limits{RequestsPerMinute: 3}, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			res, err := l.Reserve(ctx, "ollama", "stu-1", 10)
			require.NoError(t, err, "reservation %d", i)
			require.NoError(t, l.Reconcile(ctx, res, 10, 0))
		}

		_, err := l.Reserve(ctx, "ollama", "stu-1", 10)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.KindRateLimitExceeded))

		var gwErr *domain.GatewayError
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, 45*time.Second, gwErr.RetryAfter)

		// Another requester and another provider have their own budgets.
		_, err = l.Reserve(ctx, "ollama", "stu-2", 10)
		assert.NoError(t, err)
		_, err = l.Reserve(ctx, "openai", "stu-1", 10)
		assert.NoError(t, err)
	})
}

func TestLedger_RejectionChargesNothing(t *testing.T) {
	ledgers(t, Limits{RequestsPerMinute: 1, TokensPerMinute: 100}, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		_, err := l.Reserve(ctx, "ollama", "stu-1", 150)
		require.Error(t, err)

		snap, err := l.Snapshot(ctx, "ollama", "stu-1")
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Minute.Requests)
		assert.Equal(t, 0, snap.Minute.Tokens)

		_, err = l.Reserve(ctx, "ollama", "stu-1", 50)
		assert.NoError(t, err)
	})
}

func TestLedger_ReconcileReplacesEstimate(t *testing.T) {
	ledgers(t, Limits{TokensPerMinute: 1000}, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		res, err := l.Reserve(ctx, "openai", "tch-1", 600)
		require.NoError(t, err)

		require.NoError(t, l.Reconcile(ctx, res, 120, 0.002))

		snap, err := l.Snapshot(ctx, "openai", "tch-1")
		require.NoError(t, err)
		assert.Equal(t, 120, snap.Minute.Tokens)
		assert.Equal(t, 120, snap.Hour.Tokens)
		assert.Equal(t, 1, snap.Minute.Requests)
		assert.Equal(t, int64(1), snap.Totals.Requests)
		assert.Equal(t, int64(120), snap.Totals.Tokens)
		assert.InDelta(t, 0.002, snap.Totals.Cost, 1e-9)

		assert.Error(t, l.Reconcile(ctx, res, 120, 0), "double settlement")
	})
}

func TestLedger_ReleaseRefunds(t *testing.T) {
	ledgers(t, Limits{RequestsPerMinute: 1}, func(t *testing.T, l Ledger, _ *clock) {
		ctx := context.Background()
		res, err := l.Reserve(ctx, "anthropic", "stu-1", 40)
		require.NoError(t, err)
		require.NoError(t, l.Release(ctx, res))

		snap, err := l.Snapshot(ctx, "anthropic", "stu-1")
		require.NoError(t, err)
		assert.Equal(t, 0, snap.Minute.Requests)
		assert.Equal(t, 0, snap.Minute.Tokens)
		assert.Equal(t, int64(0), snap.Totals.Requests)

		_, err = l.Reserve(ctx, "anthropic", "stu-1", 40)
		assert.NoError(t, err)
	})
}

func TestMemoryLedger_ResetsAtWindowBoundary(t *testing.T) {
	c := newClock()
	l := NewMemoryLedger(Limits{RequestsPerMinute: 1, RequestsPerHour: 2}, WithClock(c.Now))
	ctx := context.Background()

	_, err := l.Reserve(ctx, "ollama", "stu-1", 0)
	require.NoError(t, err)

	// 09:30:59.999 is still inside the first minute.
	c.Advance(44*time.Second + 999*time.Millisecond)
	_, err = l.Reserve(ctx, "ollama", "stu-1", 0)
	require.Error(t, err)

	// 09:31:00 starts a new minute.
	c.Advance(time.Millisecond)
	_, err = l.Reserve(ctx, "ollama", "stu-1", 0)
	require.NoError(t, err)

	// The hour budget is now spent.
	c.Advance(time.Minute)
	_, err = l.Reserve(ctx, "ollama", "stu-1", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per hour")

	c.Advance(time.Hour)
	_, err = l.Reserve(ctx, "ollama", "stu-1", 0)
	assert.NoError(t, err)
}

func TestMemoryLedger_CountersNeverNegative(t *testing.T) {
	c := newClock()
	l := NewMemoryLedger(Limits{}, WithClock(c.Now))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "ollama", "stu-1", 5)
	require.NoError(t, err)

	// Window rolls over between reservation and refund.
	c.Advance(time.Minute)
	require.NoError(t, l.Release(ctx, res))

	snap, err := l.Snapshot(ctx, "ollama", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Minute.Requests)
	assert.Equal(t, 0, snap.Minute.Tokens)
	assert.Equal(t, 1, snap.Hour.Requests, "hour window still holds the call")
}

func TestRedisLedger_RefundAfterWindowExpiredLeavesNoKeys(t *testing.T) {
	c := newClock()
	srv := miniredis.RunT(t)
	srv.SetTime(c.Now())
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLedger(client, "test", Limits{}, WithRedisClock(c.Now))
	ctx := context.Background()

	res, err := l.Reserve(ctx, "ollama", "stu-1", 5)
	require.NoError(t, err)

	// The minute window ends and its keys expire before the refund.
	c.Advance(time.Minute)
	srv.SetTime(c.Now())
	srv.FastForward(time.Minute)
	require.NoError(t, l.Release(ctx, res))

	for _, key := range srv.Keys() {
		assert.Positive(t, srv.TTL(key), "key %s has no expiry", key)
	}
	minuteKey := l.key("ollama", "stu-1", WindowMinute, res.starts[WindowMinute], "req")
	assert.False(t, srv.Exists(minuteKey), "refund recreated an expired window key")

	snap, err := l.Snapshot(ctx, "ollama", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Hour.Requests)
	assert.Equal(t, 0, snap.Minute.Requests)
}

func TestMemoryLedger_Concurrent(t *testing.T) {
	l := NewMemoryLedger(Limits{RequestsPerMinute: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "ollama", "stu-1", 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, granted, 50)
}

func TestPriceTable_Cost(t *testing.T) {
	prices := PriceTable{
		"openai": config.PriceRate{PromptPer1K: 0.15, CompletionPer1K: 0.6},
	}
	cost := prices.Cost("openai", domain.Usage{PromptTokens: 1000, CompletionTokens: 500})
	assert.InDelta(t, 0.45, cost, 1e-9)
	assert.Zero(t, prices.Cost("ollama", domain.Usage{PromptTokens: 1000}))
}
