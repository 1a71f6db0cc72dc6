// Package mock provides a deterministic in-process adapter. It is the only
// provider in test mode and the workhorse of scheduler and gateway tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/api/httperr"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/tokens"
)

const defaultModel = "mock-model"

// Option configures a mock provider.
type Option func(*Provider)

// WithLatency delays every call by d. The delay honors ctx.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithResponse makes every successful call return content.
func WithResponse(content string) Option {
	return func(p *Provider) {
		p.respond = func(*domain.Request) string { return content }
	}
}

// WithResponder computes the content from the request.
func WithResponder(fn func(*domain.Request) string) Option {
	return func(p *Provider) { p.respond = fn }
}

// WithFailures makes the first n calls fail with kind.
func WithFailures(n int, kind domain.ErrorKind) Option {
	return func(p *Provider) {
		for i := 0; i < n; i++ {
			p.script = append(p.script, domain.NewError(kind, "mock failure"))
		}
	}
}

// WithScript queues per-call outcomes in order. A nil entry is a success.
// Once the script is consumed every call succeeds.
func WithScript(outcomes ...error) Option {
	return func(p *Provider) { p.script = append(p.script, outcomes...) }
}

// WithFinishReason sets the finish reason of successful responses.
func WithFinishReason(reason string) Option {
	return func(p *Provider) { p.finish = reason }
}

// WithStreamFailureAfter makes streams emit n content chunks and then err.
func WithStreamFailureAfter(n int, err error) Option {
	return func(p *Provider) {
		p.streamFailAfter = n
		p.streamErr = err
	}
}

// WithModels sets the model list returned by ListModels.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// Provider implements ports.Adapter without touching the network.
type Provider struct {
	name            string
	latency         time.Duration
	respond         func(*domain.Request) string
	finish          string
	models          []string
	streamFailAfter int
	streamErr       error
	estimator       *tokens.Estimator

	mu     sync.Mutex
	script []error
	calls  int

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

var _ ports.Adapter = (*Provider)(nil)

// New creates a mock provider.
func New(name string, opts ...Option) *Provider {
	p := &Provider{
		name:            name,
		respond:         defaultResponse,
		finish:          domain.FinishStop,
		models:          []string{defaultModel},
		streamFailAfter: -1,
		estimator:       tokens.NewEstimator(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultResponse(req *domain.Request) string {
	return fmt.Sprintf("mock %s response: %s", req.Purpose, strings.TrimSpace(lastUserTurn(req)))
}

func lastUserTurn(req *domain.Request) string {
	conv := req.Conversation()
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Role == "user" {
			return conv[i].Content
		}
	}
	return ""
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() ports.Capabilities {
	return ports.Capabilities{Streaming: true, ModelListing: true, MaxContextTokens: 32768}
}

// Calls returns how many Send or Stream calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// MaxInFlight returns the highest number of concurrent calls observed.
func (p *Provider) MaxInFlight() int {
	return int(p.maxInFlight.Load())
}

// Fail queues additional failing outcomes.
func (p *Provider) Fail(n int, kind domain.ErrorKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.script = append(p.script, domain.NewError(kind, "mock failure"))
	}
}

// next records a call and pops the scripted outcome for it.
func (p *Provider) next() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.script) == 0 {
		return nil
	}
	err := p.script[0]
	p.script = p.script[1:]
	return err
}

func (p *Provider) enter() {
	n := p.inFlight.Add(1)
	for {
		seen := p.maxInFlight.Load()
		if n <= seen || p.maxInFlight.CompareAndSwap(seen, n) {
			return
		}
	}
}

func (p *Provider) leave() { p.inFlight.Add(-1) }

func (p *Provider) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) Send(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (*domain.Response, error) {
	p.enter()
	defer p.leave()

	start := time.Now()
	scripted := p.next()

	if err := p.wait(ctx); err != nil {
		return nil, p.tag(httperr.FromTransport(err))
	}
	if scripted != nil {
		return nil, p.tag(scripted)
	}

	content := p.respond(req)
	promptTokens := p.estimator.CountText(req.Text())
	completionTokens := p.estimator.CountText(content)
	return &domain.Response{
		Content:  content,
		Provider: p.name,
		Model:    p.model(req, cfg),
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Latency:      time.Since(start),
		FinishReason: p.finish,
		Truncated:    domain.IsTruncated(p.finish),
		CreatedAt:    time.Now(),
	}, nil
}

// Stream emits the response one word per chunk.
func (p *Provider) Stream(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (<-chan domain.Chunk, error) {
	p.enter()

	scripted := p.next()
	if err := p.wait(ctx); err != nil {
		p.leave()
		return nil, p.tag(httperr.FromTransport(err))
	}
	if scripted != nil {
		p.leave()
		return nil, p.tag(scripted)
	}

	content := p.respond(req)
	words := strings.SplitAfter(content, " ")
	promptTokens := p.estimator.CountText(req.Text())
	completionTokens := p.estimator.CountText(content)

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		defer p.leave()

		send := func(c domain.Chunk) bool {
			c.Provider = p.name
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for i, w := range words {
			if i == p.streamFailAfter {
				send(domain.Chunk{Index: i, Err: p.tag(p.streamErr)})
				return
			}
			if !send(domain.Chunk{Index: i, Content: w}) {
				return
			}
		}
		send(domain.Chunk{
			Index:        len(words),
			Done:         true,
			FinishReason: p.finish,
			Usage: &domain.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		})
	}()
	return out, nil
}

func (p *Provider) ListModels(ctx context.Context, _ config.ProviderConfig) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, httperr.FromTransport(err)
	}
	return append([]string(nil), p.models...), nil
}

func (p *Provider) model(req *domain.Request, cfg config.ProviderConfig) string {
	if m := ports.ResolveModel(req, cfg); m != "" {
		return m
	}
	return defaultModel
}

func (p *Provider) tag(err error) error {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.Provider == "" {
		gwErr.Provider = p.name
	}
	return err
}
