// Package jsonl writes the audit trail as JSON lines to a rotating file.
// Rotated files are deleted once they are older than the retention period.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
)

// Entry kinds.
const (
	kindRecord  = "record"
	kindOutcome = "outcome"
)

// line is one JSON line. A record and its later outcome are separate lines
// so the file is never rewritten.
type line struct {
	Kind    string               `json:"kind"`
	ID      string               `json:"id"`
	Record  *domain.AuditRecord  `json:"record,omitempty"`
	Outcome *domain.AuditOutcome `json:"outcome,omitempty"`
}

// Config controls rotation and retention.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
}

// Store is an append-only file implementation of ports.AuditStore.
type Store struct {
	path string

	mu        sync.Mutex
	out       *lumberjack.Logger
	annotated map[string]bool
	known     map[string]bool
}

var _ ports.AuditStore = (*Store)(nil)

// New opens (or creates) the audit file.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit file path cannot be empty")
	}
	s := &Store{
		path: cfg.Path,
		out: &lumberjack.Logger{
			Filename:  cfg.Path,
			MaxSize:   cfg.MaxSizeMB,
			MaxAge:    cfg.MaxAgeDays,
			LocalTime: false,
			Compress:  false,
		},
		annotated: make(map[string]bool),
		known:     make(map[string]bool),
	}

	lines, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		switch l.Kind {
		case kindRecord:
			s.known[l.ID] = true
		case kindOutcome:
			s.annotated[l.ID] = true
		}
	}
	return s, nil
}

func (s *Store) write(l line) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal audit line: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.out.Write(data); err != nil {
		return fmt.Errorf("failed to write audit line: %w", err)
	}
	return nil
}

func (s *Store) Append(_ context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known[rec.ID] {
		return fmt.Errorf("audit record %s already exists", rec.ID)
	}
	c := *rec
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Outcome = nil
	if err := s.write(line{Kind: kindRecord, ID: c.ID, Record: &c}); err != nil {
		return err
	}
	s.known[c.ID] = true
	return nil
}

func (s *Store) Annotate(_ context.Context, id string, outcome *domain.AuditOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known[id] {
		return fmt.Errorf("%w: %s", ports.ErrAuditNotFound, id)
	}
	if s.annotated[id] {
		return fmt.Errorf("%w: %s", ports.ErrAlreadyAnnotated, id)
	}
	o := *outcome
	if o.CompletedAt.IsZero() {
		o.CompletedAt = time.Now().UTC()
	}
	if err := s.write(line{Kind: kindOutcome, ID: id, Outcome: &o}); err != nil {
		return err
	}
	s.annotated[id] = true
	return nil
}

// List reads the active file. Records already rotated out are not
// returned.
func (s *Store) List(_ context.Context, filter ports.AuditFilter) ([]*domain.AuditRecord, error) {
	s.mu.Lock()
	lines, err := s.read()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.AuditRecord)
	var order []*domain.AuditRecord
	for _, l := range lines {
		switch l.Kind {
		case kindRecord:
			if l.Record != nil {
				byID[l.ID] = l.Record
				order = append(order, l.Record)
			}
		case kindOutcome:
			if rec, ok := byID[l.ID]; ok && l.Outcome != nil {
				rec.Outcome = l.Outcome
				rec.Decision = l.Outcome.Decision
			}
		}
	}

	var out []*domain.AuditRecord
	for _, rec := range order {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) read() ([]line, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	var out []line
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, fmt.Errorf("failed to parse audit file %s: %w", s.path, err)
		}
		out = append(out, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	return out, nil
}

// Close closes the file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}
