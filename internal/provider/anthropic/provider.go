// Package anthropic adapts the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	anthropicapi "github.com/tjfontaine/edu-ai-gateway/internal/api/anthropic"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// defaultMaxTokens is sent when the caller gives no limit; the Messages API
// requires one.
const defaultMaxTokens = 1024

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, anthropicapi.WithBaseURL(baseURL))
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, anthropicapi.WithHTTPClient(httpClient))
	}
}

// Provider implements ports.Adapter for Anthropic.
type Provider struct {
	name       string
	client     *anthropicapi.Client
	clientOpts []anthropicapi.ClientOption
}

var _ ports.Adapter = (*Provider)(nil)

// New creates a new Anthropic provider.
func New(name, apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{name: name}
	for _, opt := range opts {
		opt(p)
	}
	p.client = anthropicapi.NewClient(apiKey, p.clientOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() ports.Capabilities {
	return ports.Capabilities{Streaming: true, ModelListing: true, MaxContextTokens: 200000}
}

func (p *Provider) Send(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (*domain.Response, error) {
	start := time.Now()

	resp, err := p.client.CreateMessage(ctx, toAPIRequest(req, cfg))
	if err != nil {
		return nil, p.tag(err)
	}

	finish := mapStopReason(resp.StopReason)
	return &domain.Response{
		ID:       resp.ID,
		Content:  resp.Text(),
		Provider: p.name,
		Model:    resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Latency:      time.Since(start),
		FinishReason: finish,
		Truncated:    domain.IsTruncated(finish),
		CreatedAt:    time.Now(),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (<-chan domain.Chunk, error) {
	events, err := p.client.StreamMessage(ctx, toAPIRequest(req, cfg))
	if err != nil {
		return nil, p.tag(err)
	}

	out := make(chan domain.Chunk)
	go func() {
		defer close(out)

		send := func(c domain.Chunk) bool {
			c.Provider = p.name
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		index := 0
		var usage domain.Usage
		final := domain.Chunk{Done: true}
		for ev := range events {
			if ev.Err != nil {
				send(domain.Chunk{Index: index, Err: p.tag(ev.Err)})
				return
			}
			switch ev.Type {
			case anthropicapi.EventMessageStart:
				usage.PromptTokens = ev.InputTokens
			case anthropicapi.EventContentBlockDelta:
				if ev.Text == "" {
					continue
				}
				if !send(domain.Chunk{Index: index, Content: ev.Text}) {
					return
				}
				index++
			case anthropicapi.EventMessageDelta:
				final.FinishReason = mapStopReason(ev.StopReason)
				usage.CompletionTokens = ev.OutputTokens
			}
		}
		if ctx.Err() != nil {
			return
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		final.Index = index
		final.Usage = &usage
		send(final)
	}()

	return out, nil
}

func (p *Provider) ListModels(ctx context.Context, _ config.ProviderConfig) ([]string, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.tag(err)
	}
	models := make([]string, len(resp.Data))
	for i, m := range resp.Data {
		models[i] = m.ID
	}
	return models, nil
}

func (p *Provider) tag(err error) error {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.Provider == "" {
		gwErr.Provider = p.name
	}
	return err
}

// mapStopReason converts Anthropic stop reasons to the finish reasons used
// elsewhere in the gateway.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return domain.FinishLength
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	default:
		return reason
	}
}

func toAPIRequest(req *domain.Request, cfg config.ProviderConfig) *anthropicapi.MessagesRequest {
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}
	var messages []anthropicapi.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, anthropicapi.Message{Role: m.Role, Content: m.Content})
	}
	if req.Prompt != "" {
		messages = append(messages, anthropicapi.Message{Role: "user", Content: req.Prompt})
	}

	maxTokens := req.Sampling.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := &anthropicapi.MessagesRequest{
		Model:         ports.ResolveModel(req, cfg),
		Messages:      messages,
		System:        strings.Join(system, "\n\n"),
		MaxTokens:     maxTokens,
		StopSequences: req.Sampling.Stop,
	}
	if t := req.Sampling.Temperature; t > 0 {
		apiReq.Temperature = &t
	}
	if tp := req.Sampling.TopP; tp > 0 {
		apiReq.TopP = &tp
	}
	return apiReq
}
