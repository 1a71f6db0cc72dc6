package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/edu-ai-gateway/internal/api/httperr"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

const (
	defaultBaseURL   = "http://localhost:11434"
	defaultUserAgent = "edu-ai-gateway/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to a self-hosted Ollama server. Ollama needs no credentials.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Ollama client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httperr.FromTransport(fmt.Errorf("read response: %w", err))
	}

	var result ChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, httperr.Malformed("chat response", err)
	}
	if result.Error != "" {
		return nil, domain.NewError(domain.KindProviderServer, result.Error)
	}
	if !result.Done {
		return nil, httperr.Malformed("chat response", fmt.Errorf("response not marked done"))
	}
	return &result, nil
}

// StreamResult wraps one NDJSON line or an error.
type StreamResult struct {
	Chunk *ChatResponse
	Err   error
}

// StreamChat sends a streaming chat request. Ollama streams newline
// delimited JSON objects; the last one has done set.
func (c *Client) StreamChat(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	req.Stream = true

	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamResult)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamResult) {
	defer close(out)
	defer body.Close()

	send := func(r StreamResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			send(StreamResult{Err: httperr.Malformed("stream line", err)})
			return
		}
		if chunk.Error != "" {
			send(StreamResult{Err: domain.NewError(domain.KindProviderServer, chunk.Error)})
			return
		}
		if !send(StreamResult{Chunk: &chunk}) || chunk.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamResult{Err: httperr.FromTransport(fmt.Errorf("stream read: %w", err))})
		return
	}
	send(StreamResult{Err: httperr.Malformed("stream", io.ErrUnexpectedEOF)})
}

// ListModels lists locally available models via GET /api/tags.
func (c *Client) ListModels(ctx context.Context) (*TagsResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result TagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, httperr.Malformed("tags", err)
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", defaultUserAgent)
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, httperr.FromTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, httperr.FromResponse(resp.StatusCode, resp.Header, respBody)
	}
	return resp, nil
}
