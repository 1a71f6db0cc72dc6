package cache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// TTLFunc returns the cache TTL for a purpose. Zero disables caching.
type TTLFunc func(purpose domain.Purpose) time.Duration

// LayerOption configures a Layer.
type LayerOption func(*Layer)

// WithLayerLogger sets the logger.
func WithLayerLogger(logger *slog.Logger) LayerOption {
	return func(l *Layer) { l.logger = logger }
}

// WithResultHook is called with every cacheable lookup's outcome.
func WithResultHook(fn func(purpose domain.Purpose, hit bool)) LayerOption {
	return func(l *Layer) { l.onResult = fn }
}

// Layer sits in front of the scheduler. A fresh entry is returned without
// calling through; on a miss at most one call per fingerprint is in flight
// and callers asking for the same fingerprint share its result.
type Layer struct {
	store    Store
	ttl      TTLFunc
	group    singleflight.Group
	logger   *slog.Logger
	onResult func(domain.Purpose, bool)
}

// NewLayer creates a cache layer over store.
func NewLayer(store Store, ttl TTLFunc, opts ...LayerOption) *Layer {
	l := &Layer{
		store:  store,
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Do returns the cached response for req or calls fn. Only complete,
// untruncated, successful responses are written back. Streaming requests and
// purposes with a zero TTL go straight to fn.
func (l *Layer) Do(ctx context.Context, req *domain.Request, fn func(context.Context) (*domain.Response, error)) (*domain.Response, error) {
	ttl := l.ttl(req.Purpose)
	if ttl <= 0 || req.Stream {
		return fn(ctx)
	}

	fp := Fingerprint(req)
	if resp, ok := l.lookup(ctx, fp); ok {
		l.result(req.Purpose, true)
		return resp, nil
	}
	l.result(req.Purpose, false)

	// led is set only when this call's closure runs the flight.
	var led bool
	ch := l.group.DoChan(fp, func() (any, error) {
		led = true
		// A flight that finished just before this one may have filled it.
		if resp, ok := l.lookup(ctx, fp); ok {
			return resp, nil
		}

		resp, err := fn(ctx)
		if err != nil {
			return flightFailure{leaderExpired: ctx.Err() != nil || expired(req)}, err
		}
		resp.Fingerprint = fp
		if cacheable(resp) {
			if err := l.store.Put(ctx, fp, resp, ttl); err != nil {
				l.logger.Warn("cache write failed",
					slog.String("fingerprint", fp),
					slog.String("error", err.Error()))
			}
		}
		return resp, nil
	})

	waitCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	select {
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewError(domain.KindProviderTimeout, "request deadline exceeded").Wrap(waitCtx.Err())
	case r := <-ch:
		if r.Err != nil {
			// A failure that belongs to the caller who ran the flight is not
			// this caller's answer; it makes its own attempt.
			if !led && ctx.Err() == nil && !expired(req) && leaderBound(r) {
				l.logger.Debug("shared call failed for its leader, retrying",
					slog.String("fingerprint", fp),
					slog.String("error", r.Err.Error()))
				return l.Do(ctx, req, fn)
			}
			return nil, r.Err
		}
		return r.Val.(*domain.Response).Clone(), nil
	}
}

// flightFailure travels with a failed shared call.
type flightFailure struct {
	// leaderExpired is set when the leader's context or deadline had run
	// out by the time the call returned.
	leaderExpired bool
}

// leaderBound reports whether a shared failure came from the leader's own
// context, deadline, queue wait or budget rather than from the providers.
func leaderBound(r singleflight.Result) bool {
	if f, ok := r.Val.(flightFailure); ok && f.leaderExpired {
		return true
	}
	switch domain.KindOf(r.Err) {
	case domain.KindCanceled, domain.KindQueueTimeout, domain.KindRateLimitExceeded:
		return true
	}
	return false
}

func expired(req *domain.Request) bool {
	return !req.Deadline.IsZero() && !time.Now().Before(req.Deadline)
}

func (l *Layer) lookup(ctx context.Context, fp string) (*domain.Response, bool) {
	e, ok, err := l.store.Get(ctx, fp)
	if err != nil {
		l.logger.Warn("cache read failed",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	resp := e.Response.Clone()
	resp.Cached = true
	resp.Fingerprint = fp
	return resp, true
}

func (l *Layer) result(purpose domain.Purpose, hit bool) {
	if l.onResult != nil {
		l.onResult(purpose, hit)
	}
}

// Invalidate drops the entry for fingerprint.
func (l *Layer) Invalidate(ctx context.Context, fingerprint string) error {
	return l.store.Invalidate(ctx, fingerprint)
}

func cacheable(resp *domain.Response) bool {
	return resp != nil && !resp.Truncated && resp.Content != ""
}
