package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/testutil"
)

func answerRequest() *domain.Request {
	return &domain.Request{Purpose: domain.PurposeAnswer, Prompt: "Name the largest planet."}
}

func TestProvider_SendReplay(t *testing.T) {
	client := testutil.ReplayClient(t, "ollama_chat")

	p := New("ollama", WithHTTPClient(client))
	cfg := config.ProviderConfig{Name: "ollama", Type: ProviderType, Model: "llama3"}

	resp, err := p.Send(context.Background(), answerRequest(), cfg)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.HasPrefix(resp.Content, "Jupiter") {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 25 {
		t.Errorf("TotalTokens = %d, want 25", resp.Usage.TotalTokens)
	}

	models, err := p.ListModels(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:latest" {
		t.Errorf("models = %v", models)
	}
}

func TestProvider_SendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"llama runner process has terminated"}`)
	}))
	defer srv.Close()

	p := New("ollama", WithBaseURL(srv.URL))
	_, err := p.Send(context.Background(), answerRequest(), config.ProviderConfig{Model: "llama3"})
	if !errors.Is(err, domain.KindProviderServer) {
		t.Fatalf("Send() error = %v, want provider server error", err)
	}
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Message != "llama runner process has terminated" {
		t.Errorf("error = %v", err)
	}
}

func TestProvider_SendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := New("ollama", WithBaseURL(url))
	_, err := p.Send(context.Background(), answerRequest(), config.ProviderConfig{Model: "llama3"})
	if !domain.IsRetryable(err) {
		t.Errorf("connection refused should be retryable, got %v", err)
	}
}

func TestProvider_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"Jupiter"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"!"},"done":false}`)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"length","prompt_eval_count":4,"eval_count":2}`)
	}))
	defer srv.Close()

	p := New("ollama", WithBaseURL(srv.URL))
	ch, err := p.Stream(context.Background(), answerRequest(), config.ProviderConfig{Model: "llama3"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var parts []string
	var last domain.Chunk
	for c := range ch {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		if c.Content != "" {
			parts = append(parts, c.Content)
		}
		last = c
	}
	if strings.Join(parts, "") != "Jupiter!" {
		t.Errorf("parts = %v", parts)
	}
	if !last.Done || last.FinishReason != domain.FinishLength || last.Usage.TotalTokens != 6 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestProvider_StreamCutShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"Jup"},"done":false}`)
	}))
	defer srv.Close()

	p := New("ollama", WithBaseURL(srv.URL))
	ch, err := p.Stream(context.Background(), answerRequest(), config.ProviderConfig{Model: "llama3"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var gotErr error
	for c := range ch {
		if c.Err != nil {
			gotErr = c.Err
		}
	}
	if !errors.Is(gotErr, domain.KindMalformedResponse) {
		t.Errorf("stream error = %v, want malformed response", gotErr)
	}
}
