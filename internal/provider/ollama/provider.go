// Package ollama adapts a self-hosted Ollama model server.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"time"

	ollamaapi "github.com/tjfontaine/edu-ai-gateway/internal/api/ollama"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets the server URL.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, ollamaapi.WithBaseURL(baseURL))
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, ollamaapi.WithHTTPClient(httpClient))
	}
}

// Provider implements ports.Adapter for Ollama.
type Provider struct {
	name       string
	client     *ollamaapi.Client
	clientOpts []ollamaapi.ClientOption
}

var _ ports.Adapter = (*Provider)(nil)

// New creates a new Ollama provider.
func New(name string, opts ...ProviderOption) *Provider {
	p := &Provider{name: name}
	for _, opt := range opts {
		opt(p)
	}
	p.client = ollamaapi.NewClient(p.clientOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() ports.Capabilities {
	return ports.Capabilities{Streaming: true, ModelListing: true, MaxContextTokens: 8192}
}

func (p *Provider) Send(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (*domain.Response, error) {
	start := time.Now()

	resp, err := p.client.Chat(ctx, toAPIRequest(req, cfg))
	if err != nil {
		return nil, p.tag(err)
	}

	finish := mapDoneReason(resp.DoneReason)
	return &domain.Response{
		Content:  resp.Message.Content,
		Provider: p.name,
		Model:    resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
		Latency:      time.Since(start),
		FinishReason: finish,
		Truncated:    domain.IsTruncated(finish),
		CreatedAt:    time.Now(),
	}, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.Request, cfg config.ProviderConfig) (<-chan domain.Chunk, error) {
	stream, err := p.client.StreamChat(ctx, toAPIRequest(req, cfg))
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
		for result := range stream {
			if result.Err != nil {
				send(domain.Chunk{Index: index, Err: p.tag(result.Err)})
				return
			}
			line := result.Chunk
			if line.Message.Content != "" {
				if !send(domain.Chunk{Index: index, Content: line.Message.Content}) {
					return
				}
				index++
			}
			if line.Done {
				send(domain.Chunk{
					Index:        index,
					Done:         true,
					FinishReason: mapDoneReason(line.DoneReason),
					Usage: &domain.Usage{
						PromptTokens:     line.PromptEvalCount,
						CompletionTokens: line.EvalCount,
						TotalTokens:      line.PromptEvalCount + line.EvalCount,
					},
				})
				return
			}
		}
	}()

	return out, nil
}

func (p *Provider) ListModels(ctx context.Context, _ config.ProviderConfig) ([]string, error) {
	resp, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, p.tag(err)
	}
	models := make([]string, len(resp.Models))
	for i, m := range resp.Models {
		models[i] = m.Name
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

func mapDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return domain.FinishStop
	default:
		return reason
	}
}

func toAPIRequest(req *domain.Request, cfg config.ProviderConfig) *ollamaapi.ChatRequest {
	conv := req.Conversation()
	messages := make([]ollamaapi.Message, len(conv))
	for i, m := range conv {
		messages[i] = ollamaapi.Message{Role: m.Role, Content: m.Content}
	}

	apiReq := &ollamaapi.ChatRequest{
		Model:    ports.ResolveModel(req, cfg),
		Messages: messages,
	}

	s := req.Sampling
	if s.Temperature > 0 || s.TopP > 0 || s.MaxTokens > 0 || len(s.Stop) > 0 {
		opts := &ollamaapi.Options{NumPredict: s.MaxTokens, Stop: s.Stop}
		if t := s.Temperature; t > 0 {
			opts.Temperature = &t
		}
		if tp := s.TopP; tp > 0 {
			opts.TopP = &tp
		}
		apiReq.Options = opts
	}
	return apiReq
}
