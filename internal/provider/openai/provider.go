// Package openai adapts the OpenAI chat completions wire format, used both
// for OpenAI itself and for OpenRouter.
package openai

import (
	"context"
	"errors"
	"net/http"
	"time"

	openaiapi "github.com/tjfontaine/edu-ai-gateway/internal/api/openai"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithBaseURL(baseURL))
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithHTTPClient(httpClient))
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(headers map[string]string) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithHeaders(headers))
	}
}

// WithMaxContext sets the advertised context window.
func WithMaxContext(tokens int) ProviderOption {
	return func(p *Provider) {
		p.maxContext = tokens
	}
}

// Provider implements ports.Adapter over the OpenAI wire client.
type Provider struct {
	name       string
	client     *openaiapi.Client
	clientOpts []openaiapi.ClientOption
	maxContext int
}

var _ ports.Adapter = (*Provider)(nil)

// New creates a new OpenAI-wire provider.
func New(name, apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{name: name, maxContext: 128000}
	for _, opt := range opts {
		opt(p)
	}
	p.client = openaiapi.NewClient(apiKey, p.clientOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() ports.Capabilities {
	return ports.Capabilities{Streaming: true, ModelListing: true, MaxContextTokens: p.maxContext}
}

func (p *Provider) Send(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (*domain.Response, error) {
	start := time.Now()

	resp, err := p.client.CreateChatCompletion(ctx, toAPIRequest(req, cfg))
	if err != nil {
		return nil, p.tag(err)
	}

	choice := resp.Choices[0]
	out := &domain.Response{
		ID:           resp.ID,
		Content:      choice.Message.Content,
		Provider:     p.name,
		Model:        resp.Model,
		Latency:      time.Since(start),
		FinishReason: choice.FinishReason,
		Truncated:    domain.IsTruncated(choice.FinishReason),
		CreatedAt:    time.Now(),
	}
	if resp.Usage != nil {
		out.Usage = domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (<-chan domain.Chunk, error) {
	stream, err := p.client.StreamChatCompletion(ctx, toAPIRequest(req, cfg))
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
		final := domain.Chunk{Done: true}
		for result := range stream {
			if result.Err != nil {
				send(domain.Chunk{Index: index, Err: p.tag(result.Err)})
				return
			}

			chunk := result.Chunk
			if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.FinishReason != nil {
					final.FinishReason = *choice.FinishReason
				}
				if choice.Delta.Content != "" {
					if !send(domain.Chunk{Index: index, Content: choice.Delta.Content}) {
						return
					}
					index++
				}
			}
			if chunk.Usage != nil {
				final.Usage = &domain.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		final.Index = index
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

// tag records this provider on classified errors.
func (p *Provider) tag(err error) error {
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.Provider == "" {
		gwErr.Provider = p.name
	}
	return err
}

func toAPIRequest(req *domain.Request, cfg config.ProviderConfig) *openaiapi.ChatCompletionRequest {
	conv := req.Conversation()
	messages := make([]openaiapi.ChatCompletionMessage, len(conv))
	for i, m := range conv {
		messages[i] = openaiapi.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:     ports.ResolveModel(req, cfg),
		Messages:  messages,
		MaxTokens: req.Sampling.MaxTokens,
		Stop:      req.Sampling.Stop,
		User:      req.Requester.ID,
	}
	if t := req.Sampling.Temperature; t > 0 {
		apiReq.Temperature = &t
	}
	if tp := req.Sampling.TopP; tp > 0 {
		apiReq.TopP = &tp
	}
	return apiReq
}
