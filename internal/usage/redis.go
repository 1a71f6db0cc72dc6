package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger keeps fixed-window counters in Redis so several gateway
// instances share one budget. Each window is a pair of INCRBY counters whose
// key embeds the window start and which expire when the window ends.
type RedisLedger struct {
	client *redis.Client
	prefix string
	limits Limits
	now    func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

// RedisOption configures a RedisLedger.
type RedisOption func(*RedisLedger)

// WithRedisClock replaces time.Now.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *RedisLedger) { l.now = now }
}

// NewRedisLedger creates a ledger on client. Keys are namespaced by prefix.
func NewRedisLedger(client *redis.Client, prefix string, limits Limits, opts ...RedisOption) *RedisLedger {
	l := &RedisLedger{
		client: client,
		prefix: prefix,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLedger) key(provider, requester string, w Window, start time.Time, field string) string {
	return fmt.Sprintf("%s:usage:%s:%s:%s:%d:%s", l.prefix, provider, requester, w, start.Unix(), field)
}

func (l *RedisLedger) totalsKey(provider, requester string) string {
	return fmt.Sprintf("%s:usage:%s:%s:totals", l.prefix, provider, requester)
}

func (l *RedisLedger) Reserve(ctx context.Context, provider, requester string, estimatedTokens int) (*Reservation, error) {
	now := l.now()
	res := &Reservation{
		Provider:  provider,
		Requester: requester,
		Tokens:    estimatedTokens,
		starts:    make(map[Window]time.Time, len(windows)),
	}

	type pending struct {
		w        Window
		requests *redis.IntCmd
		tokens   *redis.IntCmd
	}
	var cmds []pending

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range windows {
			start := w.Start(now)
			res.starts[w] = start
			reqKey := l.key(provider, requester, w, start, "req")
			tokKey := l.key(provider, requester, w, start, "tok")
			p := pending{
				w:        w,
				requests: pipe.IncrBy(ctx, reqKey, 1),
				tokens:   pipe.IncrBy(ctx, tokKey, int64(estimatedTokens)),
			}
			end := start.Add(w.Duration())
			pipe.PExpireAt(ctx, reqKey, end)
			pipe.PExpireAt(ctx, tokKey, end)
			cmds = append(cmds, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve usage: %w", err)
	}

	for _, p := range cmds {
		var limitErr error
		if lim := l.limits.requests(p.w); lim > 0 && p.requests.Val() > int64(lim) {
			limitErr = exceeded(provider, requester, p.w, "requests", lim, now)
		} else if lim := l.limits.tokens(p.w); lim > 0 && p.tokens.Val() > int64(lim) {
			limitErr = exceeded(provider, requester, p.w, "tokens", lim, now)
		}
		if limitErr != nil {
			if err := l.refund(ctx, res); err != nil {
				return nil, errors.Join(limitErr, err)
			}
			return nil, limitErr
		}
	}
	return res, nil
}

func (l *RedisLedger) refund(ctx context.Context, res *Reservation) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range windows {
			start := res.starts[w]
			reqKey := l.key(res.Provider, res.Requester, w, start, "req")
			tokKey := l.key(res.Provider, res.Requester, w, start, "tok")
			pipe.DecrBy(ctx, reqKey, 1)
			pipe.DecrBy(ctx, tokKey, int64(res.Tokens))
			// DECRBY on a key that already expired recreates it without a
			// TTL; an end in the past deletes it again.
			end := start.Add(w.Duration())
			pipe.PExpireAt(ctx, reqKey, end)
			pipe.PExpireAt(ctx, tokKey, end)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refund usage: %w", err)
	}
	return l.clampKeys(ctx, res)
}

// clampKeys resets any counter a refund drove below zero.
func (l *RedisLedger) clampKeys(ctx context.Context, res *Reservation) error {
	for _, w := range windows {
		for _, field := range []string{"req", "tok"} {
			key := l.key(res.Provider, res.Requester, w, res.starts[w], field)
			v, err := l.client.Get(ctx, key).Int64()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			if v < 0 {
				if err := l.client.Set(ctx, key, 0, redis.KeepTTL).Err(); err != nil {
					return fmt.Errorf("clamp %s: %w", key, err)
				}
			}
		}
	}
	return nil
}

func (l *RedisLedger) Reconcile(ctx context.Context, res *Reservation, actualTokens int, cost float64) error {
	if err := settle(res); err != nil {
		return err
	}
	now := l.now()

	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range windows {
			start := w.Start(now)
			key := l.key(res.Provider, res.Requester, w, start, "tok")
			if start.Equal(res.starts[w]) {
				pipe.IncrBy(ctx, key, int64(actualTokens-res.Tokens))
			} else {
				pipe.IncrBy(ctx, key, int64(actualTokens))
			}
			pipe.PExpireAt(ctx, key, start.Add(w.Duration()))
		}
		totals := l.totalsKey(res.Provider, res.Requester)
		pipe.HIncrBy(ctx, totals, "requests", 1)
		pipe.HIncrBy(ctx, totals, "tokens", int64(actualTokens))
		pipe.HIncrByFloat(ctx, totals, "cost", cost)
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile usage: %w", err)
	}
	return l.clampKeys(ctx, res)
}

func (l *RedisLedger) Release(ctx context.Context, res *Reservation) error {
	if err := settle(res); err != nil {
		return err
	}
	return l.refund(ctx, res)
}

func (l *RedisLedger) Snapshot(ctx context.Context, provider, requester string) (Snapshot, error) {
	now := l.now()
	snap := Snapshot{Provider: provider, Requester: requester}

	for _, w := range windows {
		start := w.Start(now)
		vals, err := l.client.MGet(ctx,
			l.key(provider, requester, w, start, "req"),
			l.key(provider, requester, w, start, "tok")).Result()
		if err != nil {
			return Snapshot{}, fmt.Errorf("read usage: %w", err)
		}
		c := Counter{Window: w, Start: start, Requests: toInt(vals[0]), Tokens: toInt(vals[1])}
		if w == WindowHour {
			snap.Hour = c
		} else {
			snap.Minute = c
		}
	}

	totals, err := l.client.HGetAll(ctx, l.totalsKey(provider, requester)).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read usage totals: %w", err)
	}
	snap.Totals.Requests, _ = strconv.ParseInt(totals["requests"], 10, 64)
	snap.Totals.Tokens, _ = strconv.ParseInt(totals["tokens"], 10, 64)
	snap.Totals.Cost, _ = strconv.ParseFloat(totals["cost"], 64)
	return snap, nil
}

func toInt(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return max(n, 0)
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLedger) Close() error { return nil }
