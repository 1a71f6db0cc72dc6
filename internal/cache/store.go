// Package cache stores completed responses by request fingerprint and
// short-circuits repeated requests.
package cache

import (
	"context"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// Entry is one cached response.
type Entry struct {
	Response  *domain.Response `json:"response"`
	CreatedAt time.Time        `json:"created_at"`
	TTL       time.Duration    `json:"ttl"`
	Hits      int64            `json:"hits"`
}

// ExpiresAt returns when the entry stops being servable.
func (e *Entry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Store is a fingerprint keyed response store. Get never returns an entry
// past its TTL.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Entry, bool, error)
	Put(ctx context.Context, fingerprint string, resp *domain.Response, ttl time.Duration) error
	Invalidate(ctx context.Context, fingerprint string) error
	// Sweep drops expired entries and returns how many it removed.
	Sweep(ctx context.Context) (int, error)
	Close() error
}
