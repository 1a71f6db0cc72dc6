package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

// openStream is a provider stream that has produced its first chunk.
type openStream struct {
	first domain.Chunk
	rest  <-chan domain.Chunk
	stop  context.CancelFunc
	start time.Time
}

// Stream admits req and opens a stream on the first provider that delivers
// a chunk. Failover happens only before that first chunk; after it, a
// provider error is passed to the consumer as a chunk with Err set.
//
// The slot is held until the returned channel is closed. Cancelling ctx
// stops the provider call and closes the channel.
func (s *Scheduler) Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error) {
	req = req.Clone()
	ctx, cancel := withDeadline(ctx, req)

	release, err := s.admit(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	candidates, skipped := s.registry.Resolve(req.Purpose)
	failures := append([]domain.ProviderFailure(nil), skipped...)

	for i, c := range candidates {
		name := c.Name()
		if i > 0 {
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateRetrying, Provider: name})
		}

		res, err := s.reserve(ctx, req, c)
		if err != nil {
			failures = append(failures, domain.ProviderFailure{Provider: name, Err: err})
			continue
		}

		st, attempts, err := s.openWithRetry(ctx, req, c)
		if err == nil {
			out := make(chan domain.Chunk)
			go s.forward(ctx, req, c, res, st, out, func() {
				st.stop()
				cancel()
				release()
			})
			return out, nil
		}

		if ctx.Err() != nil {
			s.settle(ctx, res, nil, true)
			release()
			err = callerGone(ctx)
			cancel()
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Provider: name, Err: err})
			return nil, err
		}

		s.settle(ctx, res, nil, false)
		failures = append(failures, domain.ProviderFailure{Provider: name, Attempts: attempts, Err: err})
		s.logger.Warn("provider stream failed, trying next",
			slog.String("request_id", req.ID),
			slog.String("provider", name),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
	}

	release()
	cancel()
	err = terminal(failures)
	s.logger.Error("request failed on every provider",
		slog.String("request_id", req.ID),
		slog.String("purpose", string(req.Purpose)),
		slog.String("error", err.Error()))
	s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Err: err})
	return nil, err
}

func (s *Scheduler) openWithRetry(ctx context.Context, req *domain.Request, c provider.Candidate) (*openStream, int, error) {
	name := c.Name()
	maxAttempts := s.retries(c.Config) + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateRetrying, Provider: name, Attempt: attempt, Err: lastErr})
			if err := s.wait(ctx, c.Config, attempt-1, lastErr); err != nil {
				return nil, attempt - 1, lastErr
			}
			if !s.health.Allow(name) {
				return nil, attempt - 1, domain.NewError(domain.KindProviderUnavailable, "circuit opened during retries").WithProvider(name).Wrap(lastErr)
			}
		}

		s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateInFlight, Provider: name, Attempt: attempt})
		st, err := s.open(ctx, req, c, attempt)
		if err == nil {
			return st, attempt, nil
		}

		if ctx.Err() != nil {
			s.health.Abandon(name)
			return nil, attempt, err
		}
		s.recordFailure(name, err, 0)
		lastErr = err
		if !domain.IsRetryable(err) {
			return nil, attempt, err
		}
	}
	return nil, maxAttempts, lastErr
}

// open starts a provider stream and waits for its first chunk.
func (s *Scheduler) open(ctx context.Context, req *domain.Request, c provider.Candidate, attempt int) (*openStream, error) {
	spanCtx, span := s.tracer.Start(ctx, "scheduler.stream_open", trace.WithAttributes(
		attribute.String("provider", c.Name()),
		attribute.String("purpose", string(req.Purpose)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return err
	}

	streamCtx, stop := context.WithCancel(spanCtx)
	start := time.Now()

	ch, err := c.Adapter.Stream(streamCtx, req, c.Config)
	if err != nil {
		stop()
		return nil, fail(err)
	}

	var timeout <-chan time.Time
	if t := s.attemptTimeout(c.Config); t > 0 {
		timer := time.NewTimer(t)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case first, ok := <-ch:
		if !ok {
			stop()
			return nil, fail(domain.Errorf(domain.KindMalformedResponse, "provider %s closed the stream without data", c.Name()).WithProvider(c.Name()))
		}
		if first.Err != nil {
			stop()
			return nil, fail(first.Err)
		}
		return &openStream{first: first, rest: ch, stop: stop, start: start}, nil
	case <-timeout:
		stop()
		return nil, fail(domain.Errorf(domain.KindProviderTimeout, "provider %s sent nothing within the timeout", c.Name()).WithProvider(c.Name()))
	case <-ctx.Done():
		stop()
		return nil, fail(callerGone(ctx))
	}
}

// forward relays the provider stream to the consumer and settles health and
// usage when it ends. done releases everything the request holds.
func (s *Scheduler) forward(ctx context.Context, req *domain.Request, c provider.Candidate, res *usage.Reservation, st *openStream, out chan<- domain.Chunk, done func()) {
	defer close(out)
	defer done()

	name := c.Name()
	model := ports.ResolveModel(req, c.Config)
	var content strings.Builder
	index := 0

	// send relays ch, split into pieces of at most ChunkSize bytes.
	send := func(ch domain.Chunk) bool {
		for _, piece := range splitChunk(ch, s.settings.ChunkSize) {
			piece.Index = index
			index++
			select {
			case out <- piece:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	abandon := func() {
		s.health.Abandon(name)
		used := s.estimator.EstimateUsage(req, model, content.String())
		s.settle(ctx, res, &used, false)
		s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Provider: name, Err: callerGone(ctx)})
	}

	// handle processes one chunk and reports whether the stream is over.
	handle := func(ch domain.Chunk) bool {
		ch.Provider = name

		if ch.Err != nil {
			latency := time.Since(st.start)
			if ctx.Err() != nil {
				abandon()
				return true
			}
			s.recordFailure(name, ch.Err, latency)
			used := s.estimator.EstimateUsage(req, model, content.String())
			s.settle(ctx, res, &used, false)
			send(ch)
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateFailed, Provider: name, Latency: latency, Err: ch.Err})
			return true
		}

		content.WriteString(ch.Content)
		if ch.Done {
			latency := time.Since(st.start)
			if ch.Usage == nil || ch.Usage.TotalTokens == 0 {
				used := s.estimator.EstimateUsage(req, model, content.String())
				ch.Usage = &used
			}
			s.health.RecordOutcome(name, true, latency)
			s.settle(ctx, res, ch.Usage, false)
			send(ch)
			s.emit(Event{RequestID: req.ID, Purpose: req.Purpose, State: StateCompleted, Provider: name, Latency: latency})
			return true
		}

		if !send(ch) {
			abandon()
			return true
		}
		return false
	}

	if handle(st.first) {
		return
	}
	for ch := range st.rest {
		if handle(ch) {
			return
		}
	}

	if ctx.Err() != nil {
		abandon()
		return
	}
	handle(domain.Chunk{Err: domain.Errorf(domain.KindMalformedResponse, "provider %s ended the stream without a final chunk", name).WithProvider(name)})
}

// splitChunk breaks a content delta longer than size bytes into several
// chunks on rune boundaries. Only the last piece keeps Done, FinishReason
// and Usage. A size of zero or less disables splitting.
func splitChunk(ch domain.Chunk, size int) []domain.Chunk {
	if size <= 0 || len(ch.Content) <= size {
		return []domain.Chunk{ch}
	}
	var out []domain.Chunk
	rest := ch.Content
	for len(rest) > size {
		cut := size
		for cut > 0 && !utf8.RuneStart(rest[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(rest)
		}
		out = append(out, domain.Chunk{Content: rest[:cut], Provider: ch.Provider})
		rest = rest[cut:]
	}
	last := ch
	if rest == "" {
		last.Content = out[len(out)-1].Content
		out = out[:len(out)-1]
	} else {
		last.Content = rest
	}
	return append(out, last)
}
