// Package httperr classifies provider HTTP failures into the gateway error
// taxonomy. Every wire client uses it so the scheduler sees the same kinds
// regardless of which provider failed.
package httperr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// maxMessageLen bounds how much of an upstream body ends up in an error.
const maxMessageLen = 512

// messagePaths are tried in order to find a human readable message in an
// upstream error body. They cover the OpenAI, Anthropic and Ollama shapes.
var messagePaths = []string{"error.message", "error", "message", "detail"}

// FromResponse classifies a non-success HTTP response.
func FromResponse(status int, header http.Header, body []byte) *domain.GatewayError {
	kind := kindForStatus(status)
	msg := Message(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	// Some providers signal rate limiting with a 400/403 and a typed body.
	if t := gjson.GetBytes(body, "error.type").String(); t == "rate_limit_error" || t == "rate_limit_exceeded" {
		kind = domain.KindProviderRateLimited
	}
	if t := gjson.GetBytes(body, "error.type").String(); t == "overloaded_error" {
		kind = domain.KindProviderServer
	}

	gwErr := domain.NewError(kind, msg).WithStatusCode(status)
	if ra := RetryAfter(header); ra > 0 {
		gwErr.WithRetryAfter(ra)
	}
	return gwErr
}

func kindForStatus(status int) domain.ErrorKind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.KindProviderAuth
	case status == http.StatusTooManyRequests:
		return domain.KindProviderRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return domain.KindProviderTimeout
	case status >= 500:
		return domain.KindProviderServer
	case status >= 400:
		return domain.KindProviderBadRequest
	default:
		return domain.KindMalformedResponse
	}
}

// Message extracts an error message from a provider body, falling back to
// the raw body when it is not JSON.
func Message(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		for _, path := range messagePaths {
			r := gjson.GetBytes(body, path)
			if r.Type == gjson.String && r.Str != "" {
				return truncate(r.Str)
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)))
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// FromTransport classifies an error returned by http.Client.Do or while
// reading a body.
func FromTransport(err error) *domain.GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewError(domain.KindCanceled, "request canceled").Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindProviderTimeout, "request timed out").Wrap(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewError(domain.KindProviderTimeout, "request timed out").Wrap(err)
	}
	// Connection refused, reset and DNS failures are treated as a provider
	// side outage and may be retried.
	return domain.NewError(domain.KindProviderServer, "transport error").Wrap(err)
}

// Malformed reports an unparseable provider payload.
func Malformed(what string, err error) *domain.GatewayError {
	return domain.Errorf(domain.KindMalformedResponse, "decode %s", what).Wrap(err)
}

// truncate caps s at maxMessageLen bytes without splitting a rune.
func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
