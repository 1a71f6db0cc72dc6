// Package usage enforces per (provider, requester) request and token budgets
// and accumulates token and cost totals.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// Window is a fixed budget window aligned to wall-clock boundaries.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
)

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	if w == WindowHour {
		return time.Hour
	}
	return time.Minute
}

// Start returns the start of the window containing t.
func (w Window) Start(t time.Time) time.Time {
	return t.UTC().Truncate(w.Duration())
}

var windows = []Window{WindowMinute, WindowHour}

// Limits are the budgets applied to every (provider, requester) pair.
// Zero disables a limit.
type Limits struct {
	RequestsPerMinute int
	RequestsPerHour   int
	TokensPerMinute   int
	TokensPerHour     int
}

// LimitsFromConfig converts the configured limits section.
func LimitsFromConfig(cfg config.LimitsConfig) Limits {
	return Limits{
		RequestsPerMinute: cfg.RequestsPerMinute,
		RequestsPerHour:   cfg.RequestsPerHour,
		TokensPerMinute:   cfg.TokensPerMinute,
		TokensPerHour:     cfg.TokensPerHour,
	}
}

func (l Limits) requests(w Window) int {
	if w == WindowHour {
		return l.RequestsPerHour
	}
	return l.RequestsPerMinute
}

func (l Limits) tokens(w Window) int {
	if w == WindowHour {
		return l.TokensPerHour
	}
	return l.TokensPerMinute
}

// Counter is consumption within one window. Counters never go negative and
// reset when a new window starts.
type Counter struct {
	Window   Window    `json:"window"`
	Start    time.Time `json:"start"`
	Requests int       `json:"requests"`
	Tokens   int       `json:"tokens"`
}

// Totals is lifetime consumption.
type Totals struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Snapshot is the diagnostic view of one (provider, requester) pair.
type Snapshot struct {
	Provider  string  `json:"provider"`
	Requester string  `json:"requester"`
	Minute    Counter `json:"minute"`
	Hour      Counter `json:"hour"`
	Totals    Totals  `json:"totals"`
}

// Reservation is budget held for one provider call. It must be settled with
// exactly one of Reconcile or Release.
type Reservation struct {
	Provider  string
	Requester string
	Tokens    int
	// starts records the window each counter was charged in.
	starts  map[Window]time.Time
	settled bool
}

// Ledger tracks budgets. Implementations are safe for concurrent use.
type Ledger interface {
	// Reserve charges one request and estimatedTokens against every window,
	// or fails with a rate limit error without charging anything.
	Reserve(ctx context.Context, provider, requester string, estimatedTokens int) (*Reservation, error)

	// Reconcile replaces the reserved estimate with what the provider
	// actually reported and adds the call to the totals.
	Reconcile(ctx context.Context, res *Reservation, actualTokens int, cost float64) error

	// Release refunds a reservation whose provider call never happened.
	Release(ctx context.Context, res *Reservation) error

	// Snapshot returns current consumption.
	Snapshot(ctx context.Context, provider, requester string) (Snapshot, error)

	Close() error
}

func exceeded(provider, requester string, w Window, what string, limit int, now time.Time) error {
	retry := w.Start(now).Add(w.Duration()).Sub(now)
	return domain.Errorf(domain.KindRateLimitExceeded,
		"requester %s exceeded %d %s per %s on %s", requester, limit, what, w, provider).
		WithProvider(provider).
		WithRetryAfter(retry)
}

func settle(res *Reservation) error {
	if res == nil {
		return fmt.Errorf("nil reservation")
	}
	if res.settled {
		return fmt.Errorf("reservation for %s/%s already settled", res.Provider, res.Requester)
	}
	res.settled = true
	return nil
}

// PriceTable holds per-provider prices in USD per 1K tokens.
type PriceTable map[string]config.PriceRate

// Cost returns the price of u on provider. Unknown providers cost nothing.
func (p PriceTable) Cost(provider string, u domain.Usage) float64 {
	rate, ok := p[provider]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)/1000*rate.PromptPer1K +
		float64(u.CompletionTokens)/1000*rate.CompletionPer1K
}
