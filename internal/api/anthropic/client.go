package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/edu-ai-gateway/internal/api/httperr"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
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

// WithVersion sets the anthropic-version header.
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// Client is an HTTP client for the Anthropic API.
type Client struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewClient creates a new Anthropic API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		version:    defaultVersion,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateMessage sends a messages request.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	req.Stream = false

	resp, err := c.post(ctx, "/v1/messages", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httperr.FromTransport(fmt.Errorf("read response: %w", err))
	}

	var result MessagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, httperr.Malformed("message", err)
	}
	if result.Type != "message" {
		return nil, httperr.Malformed("message", fmt.Errorf("unexpected type %q", result.Type))
	}
	return &result, nil
}

// StreamMessage sends a streaming messages request. The channel is closed
// after message_stop, on error, or when ctx is done.
func (c *Client) StreamMessage(ctx context.Context, req *MessagesRequest) (<-chan StreamEvent, error) {
	req.Stream = true

	resp, err := c.post(ctx, "/v1/messages", req)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamEvent) {
	defer close(out)
	defer body.Close()

	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var currentEvent string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if !gjson.Valid(data) {
			send(StreamEvent{Err: httperr.Malformed("stream event", fmt.Errorf("invalid json in %s event", currentEvent))})
			return
		}

		ev, ok := decodeEvent(currentEvent, data)
		if !ok {
			continue
		}
		if !send(ev) || ev.Err != nil || ev.Type == EventMessageStop {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamEvent{Err: httperr.FromTransport(fmt.Errorf("stream read: %w", err))})
	}
}

// decodeEvent extracts the fields of interest from an SSE payload. The
// second result is false for events the gateway ignores.
func decodeEvent(eventType, data string) (StreamEvent, bool) {
	if eventType == "" {
		eventType = gjson.Get(data, "type").String()
	}
	ev := StreamEvent{Type: eventType}

	switch eventType {
	case EventMessageStart:
		ev.InputTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
	case EventContentBlockDelta:
		if gjson.Get(data, "delta.type").String() != "text_delta" {
			return ev, false
		}
		ev.Text = gjson.Get(data, "delta.text").String()
	case EventMessageDelta:
		ev.StopReason = gjson.Get(data, "delta.stop_reason").String()
		ev.OutputTokens = int(gjson.Get(data, "usage.output_tokens").Int())
	case EventMessageStop:
	case EventError:
		kind := domain.KindProviderServer
		if gjson.Get(data, "error.type").String() == "rate_limit_error" {
			kind = domain.KindProviderRateLimited
		}
		ev.Err = domain.NewError(kind, gjson.Get(data, "error.message").String())
	default:
		return ev, false
	}
	return ev, true
}

// ListModels retrieves the list of available models.
func (c *Client) ListModels(ctx context.Context) (*ModelList, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result ModelList
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, httperr.Malformed("model list", err)
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
	c.setHeaders(httpReq)
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

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
	req.Header.Set("User-Agent", defaultUserAgent)
}
