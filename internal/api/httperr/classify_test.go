package httperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

func TestFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind domain.ErrorKind
		wantMsg  string
	}{
		{
			name:     "openai auth",
			status:   401,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			wantKind: domain.KindProviderAuth,
			wantMsg:  "Incorrect API key provided",
		},
		{
			name:     "rate limited",
			status:   429,
			body:     `{"error":{"message":"slow down","type":"requests"}}`,
			wantKind: domain.KindProviderRateLimited,
			wantMsg:  "slow down",
		},
		{
			name:     "anthropic overloaded",
			status:   529,
			body:     `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantKind: domain.KindProviderServer,
			wantMsg:  "Overloaded",
		},
		{
			name:     "ollama plain error",
			status:   404,
			body:     `{"error":"model 'llama9' not found"}`,
			wantKind: domain.KindProviderBadRequest,
			wantMsg:  "model 'llama9' not found",
		},
		{
			name:     "server error non json",
			status:   500,
			body:     "upstream exploded",
			wantKind: domain.KindProviderServer,
			wantMsg:  "upstream exploded",
		},
		{
			name:     "empty body",
			status:   502,
			wantKind: domain.KindProviderServer,
			wantMsg:  "Bad Gateway",
		},
		{
			name:     "gateway timeout",
			status:   504,
			wantKind: domain.KindProviderTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromResponse(tt.status, http.Header{}, []byte(tt.body))
			if err.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", err.Kind, tt.wantKind)
			}
			if tt.wantMsg != "" && err.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", err.Message, tt.wantMsg)
			}
			if err.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", err.StatusCode, tt.status)
			}
		})
	}
}

func TestFromResponse_RetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := FromResponse(429, h, nil)
	if err.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", err.RetryAfter)
	}
}

func TestFromTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"deadline", fmt.Errorf("do: %w", context.DeadlineExceeded), domain.KindProviderTimeout},
		{"canceled", context.Canceled, domain.KindCanceled},
		{"refused", errors.New("dial tcp: connection refused"), domain.KindProviderServer},
		{"already classified", domain.NewError(domain.KindProviderAuth, "x"), domain.KindProviderAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromTransport(tt.err).Kind; got != tt.want {
				t.Errorf("Kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	// One ASCII byte shifts every two-byte rune across the cut.
	body := "x" + strings.Repeat("é", maxMessageLen)

	got := truncate(body)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate() produced invalid UTF-8: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "...") || len(got) > maxMessageLen+3 {
		t.Errorf("len = %d, want at most %d with an ellipsis", len(got), maxMessageLen+3)
	}
	if short := "plain error"; truncate(short) != short {
		t.Errorf("truncate(%q) changed a short message", short)
	}
}
