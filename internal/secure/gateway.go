// Package secure is the compliance gate in front of the AI Gateway. Every
// request is authorized, scrubbed of personal data and audited before any
// provider sees it, and the outcome is written back to the same audit
// record.
package secure

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/edu-ai-gateway/internal/audit"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pii"
)

// PIIMode selects what happens when personal data is found.
type PIIMode string

const (
	PIIOff    PIIMode = "off"
	PIIRedact PIIMode = "redact"
	PIIRefuse PIIMode = "refuse"
)

// AIGateway is the downstream gateway.
type AIGateway interface {
	Submit(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error)
}

// Authorizer decides whether a requester may ask for a purpose.
type Authorizer interface {
	Authorize(requester domain.Requester, purpose domain.Purpose) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithDetector sets the PII detector. Without one no scrubbing happens.
func WithDetector(d pii.Detector) Option {
	return func(g *Gateway) { g.detector = d }
}

// WithPIIMode sets the PII mode. Defaults to PIIRedact.
func WithPIIMode(mode PIIMode) Option {
	return func(g *Gateway) { g.mode = mode }
}

// WithClock overrides time.Now for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithDecisionHook is called with the final decision of every request.
func WithDecisionHook(fn func(domain.Decision)) Option {
	return func(g *Gateway) { g.onDecision = fn }
}

// Gateway wraps an AIGateway with authorization, PII handling and audit.
type Gateway struct {
	next     AIGateway
	authz    Authorizer
	auditor  ports.AuditStore
	detector pii.Detector
	mode     PIIMode
	now      func() time.Time
	logger   *slog.Logger

	onDecision func(domain.Decision)
}

// New creates a secure gateway in front of next.
func New(next AIGateway, authz Authorizer, auditor ports.AuditStore, opts ...Option) *Gateway {
	g := &Gateway{
		next:    next,
		authz:   authz,
		auditor: auditor,
		mode:    PIIRedact,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit authorizes, scrubs and audits req, then delegates it.
func (g *Gateway) Submit(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	req, rec, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	start := g.now()
	resp, err := g.next.Submit(ctx, req)
	if err != nil {
		g.annotate(ctx, rec, failure(err, g.now().Sub(start)))
		return nil, err
	}
	g.annotate(ctx, rec, success(resp))
	return resp, nil
}

// Stream authorizes, scrubs and audits req, then opens a stream. The audit
// record is annotated when the stream ends.
func (g *Gateway) Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error) {
	req, rec, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	start := g.now()
	in, err := g.next.Stream(ctx, req)
	if err != nil {
		g.annotate(ctx, rec, failure(err, g.now().Sub(start)))
		return nil, err
	}

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		var (
			provider  string
			tokens    int
			streamErr error
		)
		for c := range in {
			if c.Provider != "" {
				provider = c.Provider
			}
			if c.Usage != nil {
				tokens = c.Usage.TotalTokens
			}
			if c.Err != nil {
				streamErr = c.Err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Drain so the scheduler can release its slot.
				for range in {
				}
				if streamErr == nil {
					streamErr = ctx.Err()
				}
				g.finishStream(ctx, rec, provider, tokens, streamErr, start)
				return
			}
		}
		if streamErr == nil && ctx.Err() != nil {
			streamErr = ctx.Err()
		}
		g.finishStream(ctx, rec, provider, tokens, streamErr, start)
	}()
	return out, nil
}

func (g *Gateway) finishStream(ctx context.Context, rec *domain.AuditRecord, provider string, tokens int, err error, start time.Time) {
	latency := g.now().Sub(start)
	if err != nil {
		o := failure(err, latency)
		if o.Provider == "" {
			o.Provider = provider
		}
		g.annotate(ctx, rec, o)
		return
	}
	g.annotate(ctx, rec, &domain.AuditOutcome{
		Decision:   domain.DecisionAllowed,
		Provider:   provider,
		TokensUsed: tokens,
		LatencyMs:  latency.Milliseconds(),
	})
}

// admit runs authorization, PII handling and the initial audit write. It
// returns the scrubbed request copy that may be sent downstream.
func (g *Gateway) admit(ctx context.Context, req *domain.Request) (*domain.Request, *domain.AuditRecord, error) {
	if req == nil {
		req = &domain.Request{}
	}
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	matches := g.detect(req)
	rec := &domain.AuditRecord{
		ID:            uuid.NewString(),
		RequestID:     req.ID,
		RequesterID:   req.Requester.ID,
		RequesterRole: req.Requester.Role,
		Purpose:       req.Purpose,
		CreatedAt:     g.now().UTC(),
	}
	if g.mode != PIIOff {
		rec.RedactedTypes = matches.types()
	}
	// The summary and hash are always computed over scrubbed text, even
	// when the request itself goes out unmodified.
	scrubbed := g.scrub(req, matches)
	rec.Summary = audit.Summarize(req.Purpose, scrubbed.Text())
	rec.PromptHash = audit.PromptHash(scrubbed.Text())

	if err := g.authz.Authorize(req.Requester, req.Purpose); err != nil {
		g.deny(ctx, rec, err)
		return nil, nil, err
	}

	if g.mode == PIIRefuse && len(rec.RedactedTypes) > 0 {
		err := domain.Errorf(domain.KindPIIRejected, "request contains personal data: %s",
			strings.Join(rec.RedactedTypes, ", "))
		g.deny(ctx, rec, err)
		return nil, nil, err
	}

	rec.Decision = domain.DecisionAllowed
	if err := g.auditor.Append(ctx, rec); err != nil {
		g.logger.Error("audit append failed, refusing request",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
		return nil, nil, domain.NewError(domain.KindInternal, "audit trail unavailable").Wrap(err)
	}

	if g.mode == PIIRedact {
		return scrubbed, rec, nil
	}
	return req, rec, nil
}

func (g *Gateway) deny(ctx context.Context, rec *domain.AuditRecord, err error) {
	rec.Decision = domain.DecisionDenied
	rec.Reason = err.Error()
	g.decided(rec.Decision)
	g.logger.Info("request denied",
		slog.String("request_id", rec.RequestID),
		slog.String("requester", rec.RequesterID),
		slog.String("purpose", string(rec.Purpose)),
		slog.String("reason", rec.Reason))
	if aerr := g.auditor.Append(context.WithoutCancel(ctx), rec); aerr != nil {
		g.logger.Error("audit append failed",
			slog.String("request_id", rec.RequestID),
			slog.String("error", aerr.Error()))
	}
}

func (g *Gateway) annotate(ctx context.Context, rec *domain.AuditRecord, outcome *domain.AuditOutcome) {
	outcome.CompletedAt = g.now().UTC()
	g.decided(outcome.Decision)
	if err := g.auditor.Annotate(context.WithoutCancel(ctx), rec.ID, outcome); err != nil {
		g.logger.Error("audit annotate failed",
			slog.String("request_id", rec.RequestID),
			slog.String("audit_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

func (g *Gateway) decided(d domain.Decision) {
	if g.onDecision != nil {
		g.onDecision(d)
	}
}

func success(resp *domain.Response) *domain.AuditOutcome {
	return &domain.AuditOutcome{
		Decision:   domain.DecisionAllowed,
		Provider:   resp.Provider,
		Model:      resp.Model,
		Cached:     resp.Cached,
		TokensUsed: resp.Usage.TotalTokens,
		Cost:       resp.Cost,
		LatencyMs:  resp.Latency.Milliseconds(),
	}
}

func failure(err error, latency time.Duration) *domain.AuditOutcome {
	o := &domain.AuditOutcome{
		Decision:  domain.DecisionError,
		ErrorKind: domain.KindOf(err),
		Error:     err.Error(),
		LatencyMs: latency.Milliseconds(),
	}
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		o.Provider = gwErr.Provider
	}
	return o
}
