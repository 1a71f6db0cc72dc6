package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// Audit store errors.
var (
	ErrAuditNotFound    = errors.New("audit record not found")
	ErrAlreadyAnnotated = errors.New("audit record already annotated")
)

// AuditStore persists the compliance trail. Implementations must be safe
// for concurrent use.
type AuditStore interface {
	// Append writes a new record.
	Append(ctx context.Context, rec *domain.AuditRecord) error

	// Annotate attaches the outcome to an existing record and moves the
	// record's decision to the outcome's. A record can be annotated at most
	// once.
	Annotate(ctx context.Context, id string, outcome *domain.AuditOutcome) error

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter AuditFilter) ([]*domain.AuditRecord, error)

	// Close closes the storage connection.
	Close() error
}

// AuditFilter selects audit records for compliance review.
type AuditFilter struct {
	RequesterID string
	Decision    domain.Decision
	Purpose     domain.Purpose
	Since       time.Time
	Limit       int
}

// Matches reports whether rec satisfies the filter.
func (f AuditFilter) Matches(rec *domain.AuditRecord) bool {
	if f.RequesterID != "" && rec.RequesterID != f.RequesterID {
		return false
	}
	if f.Decision != "" && rec.Decision != f.Decision {
		return false
	}
	if f.Purpose != "" && rec.Purpose != f.Purpose {
		return false
	}
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
