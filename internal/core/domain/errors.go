package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind is the small, stable error taxonomy surfaced to the rest of the
// application. ErrorKind implements error so kinds can be used as targets
// for errors.Is.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindProviderTimeout     ErrorKind = "provider_timeout"
	KindProviderAuth        ErrorKind = "provider_auth_error"
	KindProviderRateLimited ErrorKind = "provider_rate_limited"
	KindMalformedResponse   ErrorKind = "malformed_provider_response"
	KindProviderServer      ErrorKind = "provider_server_error"
	KindProviderBadRequest  ErrorKind = "provider_bad_request"
	KindQueueTimeout        ErrorKind = "queue_timeout"
	KindRateLimitExceeded   ErrorKind = "rate_limit_exceeded"
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindPIIRejected         ErrorKind = "pii_rejected"
	KindAllProvidersFailed  ErrorKind = "all_providers_failed"
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	KindCanceled            ErrorKind = "canceled"
	KindInternal            ErrorKind = "internal"
)

func (k ErrorKind) Error() string { return string(k) }

// Retryable reports whether the scheduler may retry the same provider.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindProviderTimeout, KindProviderRateLimited, KindProviderServer:
		return true
	}
	return false
}

// HTTPStatusCode maps a kind to the status code the HTTP surface returns.
func (k ErrorKind) HTTPStatusCode() int {
	switch k {
	case KindInvalidRequest, KindProviderBadRequest:
		return http.StatusBadRequest
	case KindPermissionDenied, KindPIIRejected:
		return http.StatusForbidden
	case KindRateLimitExceeded, KindProviderRateLimited:
		return http.StatusTooManyRequests
	case KindQueueTimeout, KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindAllProvidersFailed, KindProviderServer, KindMalformedResponse, KindProviderAuth:
		return http.StatusBadGateway
	case KindProviderTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// GatewayError is the canonical error produced by gateway components.
type GatewayError struct {
	Kind       ErrorKind
	Provider   string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" [")
		b.WriteString(e.Provider)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is matches an ErrorKind target so errors.Is(err, KindQueueTimeout) works.
func (e *GatewayError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

// Retryable reports whether the error allows retrying the same provider.
func (e *GatewayError) Retryable() bool { return e.Kind.Retryable() }

// NewError creates a gateway error of the given kind.
func NewError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Errorf creates a gateway error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithProvider records which provider produced the error.
func (e *GatewayError) WithProvider(name string) *GatewayError {
	e.Provider = name
	return e
}

// WithStatusCode records the upstream HTTP status code.
func (e *GatewayError) WithStatusCode(code int) *GatewayError {
	e.StatusCode = code
	return e
}

// WithRetryAfter records a provider supplied retry hint.
func (e *GatewayError) WithRetryAfter(d time.Duration) *GatewayError {
	e.RetryAfter = d
	return e
}

// Wrap attaches an underlying cause.
func (e *GatewayError) Wrap(err error) *GatewayError {
	e.Err = err
	return e
}

// ErrPermissionDenied creates a permission denied error.
func ErrPermissionDenied(message string) *GatewayError {
	return NewError(KindPermissionDenied, message)
}

// ErrRateLimitExceeded creates a ledger denial.
func ErrRateLimitExceeded(message string) *GatewayError {
	return NewError(KindRateLimitExceeded, message)
}

// ErrQueueTimeout creates an admission timeout error.
func ErrQueueTimeout(message string) *GatewayError {
	return NewError(KindQueueTimeout, message)
}

// ErrInvalidRequest creates a validation error.
func ErrInvalidRequest(message string) *GatewayError {
	return NewError(KindInvalidRequest, message)
}

// ProviderFailure is the last error observed for one provider.
type ProviderFailure struct {
	Provider string
	Attempts int
	Err      error
}

// AllProvidersFailedError is returned when every provider in the failover
// list has been exhausted.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers failed: no providers configured"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s (%d attempts): %v", f.Provider, f.Attempts, f.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes every per-provider cause.
func (e *AllProvidersFailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			out = append(out, f.Err)
		}
	}
	return out
}

// Is matches KindAllProvidersFailed.
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == KindAllProvidersFailed
}

// KindOf extracts the error kind from any error returned by the gateway.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var all *AllProvidersFailedError
	if errors.As(err, &all) {
		return KindAllProvidersFailed
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderTimeout
	}
	return KindInternal
}

// IsRetryable reports whether err allows retrying the same provider.
func IsRetryable(err error) bool {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	return false
}
