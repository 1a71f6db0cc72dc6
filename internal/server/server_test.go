package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

type fakeAI struct {
	err    error
	chunks []domain.Chunk
	last   *domain.Request
}

func (f *fakeAI) Submit(_ context.Context, req *domain.Request) (*domain.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Response{
		ID:       req.ID,
		Content:  "Plants make sugar from light.",
		Provider: "ollama",
		Model:    "llama3",
		Usage:    domain.Usage{PromptTokens: 10, CompletionTokens: 6, TotalTokens: 16},
		Latency:  120 * time.Millisecond,
	}, nil
}

func (f *fakeAI) Stream(_ context.Context, req *domain.Request) (<-chan domain.Chunk, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeDiag struct{}

func (fakeDiag) TestConnection(_ context.Context, cfg config.ProviderConfig) (time.Duration, error) {
	if cfg.Type != config.TypeMock {
		return 0, domain.NewError(domain.KindProviderAuth, "bad key")
	}
	return 42 * time.Millisecond, nil
}

func (fakeDiag) ListModels(_ context.Context, name string) ([]string, error) {
	if name != "ollama" {
		return nil, domain.Errorf(domain.KindInvalidRequest, "unknown provider %q", name)
	}
	return []string{"llama3", "mistral"}, nil
}

func (fakeDiag) Providers() []config.ProviderConfig {
	return []config.ProviderConfig{{Name: "ollama"}, {Name: "openrouter"}}
}

func (fakeDiag) Health() []health.Status {
	return []health.Status{{Provider: "ollama", State: health.StateClosed}}
}

func (fakeDiag) Usage(_ context.Context, provider, requester string) (usage.Snapshot, error) {
	return usage.Snapshot{
		Provider:  provider,
		Requester: requester,
		Minute:    usage.Counter{Window: usage.WindowMinute, Start: time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC), Requests: 3},
	}, nil
}

var tokens = staticResolver{
	"stu":     {ID: "stu-1", Role: domain.RoleStudent},
	"teacher": {ID: "t-1", Role: domain.RoleTeacher},
	"admin":   {ID: "a-1", Role: domain.RoleAdmin},
}

func newTestServer(ai *fakeAI) *Server {
	return New(ai, fakeDiag{}, Options{
		RequestTimeout: time.Second,
		Limits:         usage.Limits{RequestsPerMinute: 10},
		Resolver:       tokens,
	})
}

func do(t *testing.T, s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestSubmit(t *testing.T) {
	ai := &fakeAI{}
	s := newTestServer(ai)

	rec := do(t, s, "POST", "/v1/ai/submit", "stu", `{"purpose":"tutor","prompt":"What is photosynthesis?","max_tokens":200}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "ollama" || resp.LatencyMs != 120 || resp.Usage.TotalTokens != 16 {
		t.Errorf("response = %+v", resp)
	}
	if ai.last.Requester.ID != "stu-1" || ai.last.Sampling.MaxTokens != 200 {
		t.Errorf("forwarded request = %+v", ai.last)
	}
	if ai.last.ID == "" || ai.last.ID != rec.Header().Get("X-Request-ID") {
		t.Errorf("request ID %q does not match header", ai.last.ID)
	}
	checkHeader(t, rec, "x-ratelimit-limit-requests", "10")
	checkHeader(t, rec, "x-ratelimit-remaining-requests", "7")
}

func TestSubmit_RequesterInBodyIgnoredWhenAuthenticated(t *testing.T) {
	ai := &fakeAI{}
	s := newTestServer(ai)

	do(t, s, "POST", "/v1/ai/submit", "stu", `{"purpose":"grade","prompt":"x","requester":{"id":"t-9","role":"teacher"}}`)
	if ai.last.Requester.Role != domain.RoleStudent {
		t.Errorf("requester = %+v, body must not override the token", ai.last.Requester)
	}
}

func TestSubmit_TrustedMode(t *testing.T) {
	ai := &fakeAI{}
	s := New(ai, fakeDiag{}, Options{})

	rec := do(t, s, "POST", "/v1/ai/submit", "", `{"purpose":"tutor","prompt":"x","requester":{"id":"stu-7","role":"student"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ai.last.Requester.ID != "stu-7" {
		t.Errorf("requester = %+v", ai.last.Requester)
	}

	rec = do(t, s, "POST", "/v1/ai/submit", "", `{"purpose":"tutor","prompt":"x"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing requester status = %d, want 403", rec.Code)
	}
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"denied", domain.ErrPermissionDenied("role student may not request grade"), 403, "permission_denied"},
		{"pii", domain.NewError(domain.KindPIIRejected, "email"), 403, "pii_rejected"},
		{"rate limited", domain.ErrRateLimitExceeded("60/min"), 429, "rate_limit_exceeded"},
		{"queue timeout", domain.ErrQueueTimeout("no slot"), 503, "queue_timeout"},
		{"invalid", domain.ErrInvalidRequest("prompt required"), 400, "invalid_request"},
		{"outage", &domain.AllProvidersFailedError{Failures: []domain.ProviderFailure{
			{Provider: "ollama", Attempts: 3, Err: domain.NewError(domain.KindProviderServer, "500")},
			{Provider: "openrouter", Attempts: 1, Err: domain.NewError(domain.KindProviderAuth, "401")},
		}}, 502, "all_providers_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeAI{err: tt.err})
			rec := do(t, s, "POST", "/v1/ai/submit", "teacher", `{"purpose":"grade","prompt":"x"}`)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", body.Error.Kind, tt.kind)
			}
			if tt.kind == "all_providers_failed" {
				if body.Error.Message != "AI temporarily unavailable" || len(body.Error.Providers) != 2 {
					t.Errorf("outage body = %+v", body.Error)
				}
			}
			if tt.status == 429 || tt.status == 503 {
				if rec.Header().Get("Retry-After") == "" {
					t.Error("missing Retry-After")
				}
			}
		})
	}
}

func TestSubmit_BadJSON(t *testing.T) {
	rec := do(t, newTestServer(&fakeAI{}), "POST", "/v1/ai/submit", "stu", `{"purpose":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmit_Unauthenticated(t *testing.T) {
	rec := do(t, newTestServer(&fakeAI{}), "POST", "/v1/ai/submit", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestStream(t *testing.T) {
	ai := &fakeAI{chunks: []domain.Chunk{
		{Index: 0, Content: "Hello ", Provider: "ollama"},
		{Index: 1, Content: "world", Provider: "ollama"},
		{Index: 2, Done: true, Provider: "ollama", FinishReason: "stop"},
	}}
	rec := do(t, newTestServer(ai), "POST", "/v1/ai/stream", "stu", `{"purpose":"tutor","prompt":"hi"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	checkHeader(t, rec, "Content-Type", "text/event-stream")
	body := rec.Body.String()
	if strings.Count(body, "data: {") != 3 || !strings.HasSuffix(body, "event: done\ndata: [DONE]\n\n") {
		t.Errorf("unexpected SSE body: %s", body)
	}
	if !strings.Contains(body, `"content":"Hello "`) {
		t.Errorf("missing content chunk: %s", body)
	}
}

func TestStream_MidStreamError(t *testing.T) {
	ai := &fakeAI{chunks: []domain.Chunk{
		{Index: 0, Content: "Hel", Provider: "ollama"},
		{Index: 1, Err: domain.NewError(domain.KindProviderServer, "connection reset")},
	}}
	rec := do(t, newTestServer(ai), "POST", "/v1/ai/stream", "stu", `{"purpose":"tutor","prompt":"hi"}`)
	if !strings.Contains(rec.Body.String(), "event: error\ndata: {\"kind\":\"provider_server_error\"") {
		t.Errorf("missing error event: %s", rec.Body)
	}
}

func TestStream_ErrorBeforeFirstChunk(t *testing.T) {
	ai := &fakeAI{err: domain.ErrPermissionDenied("no")}
	rec := do(t, newTestServer(ai), "POST", "/v1/ai/stream", "stu", `{"purpose":"grade","prompt":"hi"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
}

func TestProviders_RequireElevatedRole(t *testing.T) {
	s := newTestServer(&fakeAI{})
	if rec := do(t, s, "GET", "/v1/providers/health", "stu", ""); rec.Code != http.StatusForbidden {
		t.Errorf("student status = %d, want 403", rec.Code)
	}
	rec := do(t, s, "GET", "/v1/providers/health", "teacher", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ollama"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
}

func TestTestConnection(t *testing.T) {
	s := newTestServer(&fakeAI{})

	rec := do(t, s, "POST", "/v1/providers/test", "admin", `{"type":"mock"}`)
	var ok map[string]any
	json.Unmarshal(rec.Body.Bytes(), &ok)
	if ok["ok"] != true || ok["latency_ms"] != float64(42) {
		t.Errorf("mock test = %v", ok)
	}

	rec = do(t, s, "POST", "/v1/providers/test", "admin", `{"type":"openai","api_key":"sk-wrong"}`)
	var failed map[string]any
	json.Unmarshal(rec.Body.Bytes(), &failed)
	if failed["ok"] != false || failed["kind"] != "provider_auth_error" {
		t.Errorf("failed test = %v", failed)
	}
}

func TestListModels(t *testing.T) {
	s := newTestServer(&fakeAI{})
	rec := do(t, s, "GET", "/v1/providers/ollama/models", "admin", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mistral") {
		t.Errorf("models = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, "GET", "/v1/providers/nope/models", "admin", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown provider status = %d", rec.Code)
	}
}

func TestUsage(t *testing.T) {
	s := newTestServer(&fakeAI{})

	rec := do(t, s, "GET", "/v1/usage", "stu", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"requester":"stu-1"`) {
		t.Errorf("own usage = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, "GET", "/v1/usage?requester=stu-2", "stu", ""); rec.Code != http.StatusForbidden {
		t.Errorf("student viewing others = %d, want 403", rec.Code)
	}
	rec = do(t, s, "GET", "/v1/usage?requester=stu-2&provider=ollama", "admin", "")
	if rec.Code != http.StatusOK || strings.Contains(rec.Body.String(), "openrouter") {
		t.Errorf("admin usage = %d %s", rec.Code, rec.Body)
	}
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(&fakeAI{}), "GET", "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
