package server

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

type rateLimitContextKey struct{}

// RateLimitInfo is what the handler learned about the requester's budget.
// Zero limits are not reported.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	RequestsReset     time.Time
	TokensLimit       int
	TokensRemaining   int
	TokensReset       time.Time
}

// GetRateLimits returns the info slot installed by RateLimitHeadersMiddleware.
// Handlers fill it in before writing the response.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if rl, ok := ctx.Value(rateLimitContextKey{}).(*RateLimitInfo); ok {
		return rl
	}
	return nil
}

// RateLimitHeadersMiddleware writes x-ratelimit-* headers from the info the
// handler filled in, just before the first byte of the response.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &RateLimitInfo{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, info)
		next.ServeHTTP(&rateLimitResponseWriter{ResponseWriter: w, info: info}, r.WithContext(ctx))
	})
}

type rateLimitResponseWriter struct {
	http.ResponseWriter
	info  *RateLimitInfo
	wrote bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeHeaders()
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *rateLimitResponseWriter) writeHeaders() {
	if rw.wrote {
		return
	}
	rw.wrote = true

	rl := rw.info
	h := rw.Header()
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(max(rl.RequestsRemaining, 0)))
		if !rl.RequestsReset.IsZero() {
			h.Set("x-ratelimit-reset-requests", rl.RequestsReset.UTC().Format(time.RFC3339))
		}
	}
	if rl.TokensLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", strconv.Itoa(rl.TokensLimit))
		h.Set("x-ratelimit-remaining-tokens", strconv.Itoa(max(rl.TokensRemaining, 0)))
		if !rl.TokensReset.IsZero() {
			h.Set("x-ratelimit-reset-tokens", rl.TokensReset.UTC().Format(time.RFC3339))
		}
	}
}
