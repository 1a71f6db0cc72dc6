// Package memory is an in-process audit store for tests and single-node
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
)

// Store keeps audit records in memory.
type Store struct {
	mu      sync.RWMutex
	records map[string]*domain.AuditRecord
	order   []string
}

var _ ports.AuditStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{records: make(map[string]*domain.AuditRecord)}
}

func (s *Store) Append(_ context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("audit record %s already exists", rec.ID)
	}
	c := *rec
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.RedactedTypes = append([]string(nil), rec.RedactedTypes...)
	c.Outcome = nil
	s.records[c.ID] = &c
	s.order = append(s.order, c.ID)
	return nil
}

func (s *Store) Annotate(_ context.Context, id string, outcome *domain.AuditOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ports.ErrAuditNotFound, id)
	}
	if rec.Outcome != nil {
		return fmt.Errorf("%w: %s", ports.ErrAlreadyAnnotated, id)
	}
	o := *outcome
	if o.CompletedAt.IsZero() {
		o.CompletedAt = time.Now().UTC()
	}
	rec.Outcome = &o
	rec.Decision = o.Decision
	return nil
}

func (s *Store) List(_ context.Context, filter ports.AuditFilter) ([]*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AuditRecord
	for _, id := range s.order {
		rec := s.records[id]
		if !filter.Matches(rec) {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error { return nil }

func clone(rec *domain.AuditRecord) *domain.AuditRecord {
	c := *rec
	c.RedactedTypes = append([]string(nil), rec.RedactedTypes...)
	if rec.Outcome != nil {
		o := *rec.Outcome
		c.Outcome = &o
	}
	return &c
}
