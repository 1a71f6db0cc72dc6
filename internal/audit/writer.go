// Package audit writes the compliance trail for every request that reaches
// the secure gateway.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
)

const summaryLength = 160

// Durability selects whether writes finish before the caller continues.
type Durability string

const (
	Sync  Durability = "sync"
	Async Durability = "async"
)

type op struct {
	record  *domain.AuditRecord
	id      string
	outcome *domain.AuditOutcome
}

var _ ports.AuditStore = (*Writer)(nil)

// Writer appends and annotates records on a store. In async mode writes go
// through a single ordered queue, so an annotation never overtakes the
// record it belongs to.
type Writer struct {
	store      ports.AuditStore
	durability Durability
	logger     *slog.Logger

	mu        sync.RWMutex
	stopped   bool
	queue     chan op
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// NewWriter creates a writer. bufferSize only matters in async mode.
func NewWriter(store ports.AuditStore, durability Durability, bufferSize int, opts ...Option) *Writer {
	w := &Writer{
		store:      store,
		durability: durability,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if durability == Async {
		if bufferSize <= 0 {
			bufferSize = 1024
		}
		w.queue = make(chan op, bufferSize)
		w.wg.Add(1)
		go w.process()
	}
	return w
}

// Store returns the underlying store.
func (w *Writer) Store() ports.AuditStore { return w.store }

// Append writes a new record. In async mode a failure is logged instead of
// returned.
func (w *Writer) Append(ctx context.Context, rec *domain.AuditRecord) error {
	if w.queue == nil {
		return w.store.Append(ctx, rec)
	}
	w.enqueue(ctx, op{record: rec})
	return nil
}

// Annotate attaches the outcome to a record written by Append.
func (w *Writer) Annotate(ctx context.Context, id string, outcome *domain.AuditOutcome) error {
	if w.queue == nil {
		return w.store.Annotate(ctx, id, outcome)
	}
	w.enqueue(ctx, op{id: id, outcome: outcome})
	return nil
}

// List reads from the store. In async mode writes still in the queue are
// not visible yet.
func (w *Writer) List(ctx context.Context, filter ports.AuditFilter) ([]*domain.AuditRecord, error) {
	return w.store.List(ctx, filter)
}

// enqueue blocks while the queue is full; audit records are never dropped.
// After Close, writes go straight to the store.
func (w *Writer) enqueue(ctx context.Context, o op) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		w.apply(context.WithoutCancel(ctx), o)
		return
	}
	w.queue <- o
}

func (w *Writer) process() {
	defer w.wg.Done()
	for o := range w.queue {
		w.apply(context.Background(), o)
	}
}

func (w *Writer) apply(ctx context.Context, o op) {
	var err error
	if o.record != nil {
		err = w.store.Append(ctx, o.record)
	} else {
		err = w.store.Annotate(ctx, o.id, o.outcome)
	}
	if err != nil {
		w.logger.Error("audit write failed", slog.String("error", err.Error()))
	}
}

// Close applies every queued write, stops the queue and closes the store.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		if w.queue == nil {
			return
		}
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.queue)
		w.wg.Wait()
	})
	return w.store.Close()
}

// PromptHash returns the hex SHA-256 of text.
func PromptHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Summarize returns a short single-line description of a request. text must
// already be redacted.
func Summarize(purpose domain.Purpose, text string) string {
	line := strings.Join(strings.Fields(text), " ")
	if len(line) > summaryLength {
		cut := summaryLength
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + "..."
	}
	return string(purpose) + ": " + line
}
