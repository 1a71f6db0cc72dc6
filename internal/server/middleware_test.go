package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

type staticResolver map[string]domain.Requester

func (s staticResolver) Resolve(_ context.Context, token string) (domain.Requester, error) {
	if r, ok := s[token]; ok {
		return r, nil
	}
	return domain.Requester{}, domain.ErrPermissionDenied("invalid token")
}

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, want string) {
	t.Helper()
	if got := rec.Header().Get(name); got != want {
		t.Errorf("header %s = %q, want %q", name, got, want)
	}
}

func TestRateLimitHeadersMiddleware(t *testing.T) {
	reset := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := GetRateLimits(r.Context())
		if info == nil {
			t.Fatal("GetRateLimits() = nil inside middleware")
		}
		info.RequestsLimit = 60
		info.RequestsRemaining = 59
		info.RequestsReset = reset
		info.TokensLimit = 1000
		info.TokensRemaining = -5
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/v1/ai/submit", nil))

	checkHeader(t, rec, "x-ratelimit-limit-requests", "60")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "59")
	checkHeader(t, rec, "x-ratelimit-reset-requests", "2024-01-01T00:01:00Z")
	checkHeader(t, rec, "x-ratelimit-limit-tokens", "1000")
	checkHeader(t, rec, "x-ratelimit-remaining-tokens", "0")
	checkHeader(t, rec, "x-ratelimit-reset-tokens", "")
}

func TestRateLimitHeadersMiddleware_NoLimits(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	RateLimitHeadersMiddleware(handler).ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))

	for name := range rec.Header() {
		if strings.HasPrefix(strings.ToLower(name), "x-ratelimit") {
			t.Errorf("unexpected header %s", name)
		}
	}
}

func TestGetRateLimits_NotSet(t *testing.T) {
	if GetRateLimits(context.Background()) != nil {
		t.Error("GetRateLimits() should be nil outside the middleware")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Errorf("request ID = %q, header = %q", seen, rec.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "platform-123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "platform-123" {
		t.Errorf("caller request ID not reused: %q", seen)
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := TimeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusGatewayTimeout)
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		}
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want context to be cancelled", rec.Code)
	}
}

func TestTimeoutMiddleware_Zero(t *testing.T) {
	handler := TimeoutMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("zero timeout should not set a deadline")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestAuthMiddleware(t *testing.T) {
	resolver := staticResolver{"good": {ID: "stu-1", Role: domain.RoleStudent}}
	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer good", status: http.StatusOK},
		{name: "invalid", header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "no scheme", header: "good", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got domain.Requester
			handler := AuthMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = GetRequester(r.Context())
			}))
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status == http.StatusOK && got.ID != "stu-1" {
				t.Errorf("requester = %+v", got)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(domain.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithRequester(req.Context(), domain.Requester{ID: "stu-1", Role: domain.RoleStudent}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("student status = %d, want 403", rec.Code)
	}

	req = req.WithContext(WithRequester(req.Context(), domain.Requester{ID: "adm", Role: domain.RoleAdmin}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "purpose", "tutor")
		AddLogField(r.Context(), "empty", "")
		AddError(r.Context(), errors.New("boom"))
		AddError(r.Context(), nil)
		w.WriteHeader(http.StatusTeapot)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	out := buf.String()
	for _, want := range []string{`"msg":"request completed"`, `"status":418`, `"purpose":"tutor"`, `"error":"boom"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, `"empty"`) {
		t.Error("empty fields should be skipped")
	}
}

func TestAddLogField_NoMiddleware(t *testing.T) {
	AddLogField(context.Background(), "k", "v")
	AddError(context.Background(), errors.New("x"))
}
