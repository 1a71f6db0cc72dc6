package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

const maxBodyBytes = 1 << 20

// submitRequest is the JSON body of /v1/ai/submit and /v1/ai/stream.
type submitRequest struct {
	Purpose     domain.Purpose    `json:"purpose"`
	System      string            `json:"system,omitempty"`
	Messages    []domain.Message  `json:"messages,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	TopP        float32           `json:"top_p,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	TimeoutSecs int               `json:"timeout_seconds,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// Requester is honored only when the server runs without an identity
	// resolver, i.e. behind a trusted platform backend.
	Requester *domain.Requester `json:"requester,omitempty"`
}

// submitResponse is the stable response shape.
type submitResponse struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Provider     string       `json:"provider"`
	Model        string       `json:"model"`
	Usage        domain.Usage `json:"usage"`
	Cost         float64      `json:"cost,omitempty"`
	LatencyMs    int64        `json:"latency_ms"`
	Cached       bool         `json:"cached"`
	Truncated    bool         `json:"truncated"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// testConnectionRequest is the JSON body of /v1/providers/test.
type testConnectionRequest struct {
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	BaseURL        string            `json:"base_url"`
	APIKey         string            `json:"api_key"`
	Model          string            `json:"model"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	VerifySSL      *bool             `json:"verify_ssl"`
	Headers        map[string]string `json:"headers"`
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return domain.ErrInvalidRequest("failed to read body").Wrap(err)
	}
	if len(body) > maxBodyBytes {
		return domain.ErrInvalidRequest("request body too large")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.ErrInvalidRequest("invalid JSON body").Wrap(err)
	}
	return nil
}

// toDomain builds the normalized request, taking the requester from the
// authenticated context when there is one.
func (s *Server) toDomain(r *http.Request, body *submitRequest) (*domain.Request, error) {
	req := &domain.Request{
		ID:       GetRequestID(r.Context()),
		Purpose:  body.Purpose,
		System:   body.System,
		Messages: body.Messages,
		Prompt:   body.Prompt,
		Model:    body.Model,
		Sampling: domain.Sampling{
			Temperature: body.Temperature,
			TopP:        body.TopP,
			MaxTokens:   body.MaxTokens,
			Stop:        body.Stop,
		},
		Metadata: body.Metadata,
	}
	if body.TimeoutSecs > 0 {
		req.Deadline = time.Now().Add(time.Duration(body.TimeoutSecs) * time.Second)
	}

	if requester, ok := GetRequester(r.Context()); ok {
		req.Requester = requester
	} else if s.resolver == nil && body.Requester != nil {
		req.Requester = *body.Requester
	} else {
		return nil, domain.ErrPermissionDenied("requester identity is required")
	}

	AddLogField(r.Context(), "requester", req.Requester.ID)
	AddLogField(r.Context(), "purpose", string(req.Purpose))
	return req, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.toDomain(r, &body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := s.ai.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "provider", resp.Provider)
	s.fillRateLimits(r, resp.Provider, req.Requester.ID)

	writeJSON(w, http.StatusOK, submitResponse{
		ID:           resp.ID,
		Content:      resp.Content,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Usage:        resp.Usage,
		Cost:         resp.Cost,
		LatencyMs:    resp.Latency.Milliseconds(),
		Cached:       resp.Cached,
		Truncated:    resp.Truncated,
		FinishReason: resp.FinishReason,
	})
}

// handleStream writes chunks as server-sent events. Errors before the first
// chunk are ordinary JSON errors; later errors become an "error" event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := s.toDomain(r, &body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, string(domain.KindInternal), "streaming not supported")
		return
	}

	chunks, err := s.ai.Stream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for c := range chunks {
		if c.Err != nil {
			AddError(r.Context(), c.Err)
			data, _ := json.Marshal(errorDetail{Kind: string(domain.KindOf(c.Err)), Message: c.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
			flusher.Flush()
			continue
		}
		data, _ := json.Marshal(c)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		if c.Provider != "" {
			AddLogField(r.Context(), "provider", c.Provider)
		}
	}
	fmt.Fprint(w, "event: done\ndata: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var body testConnectionRequest
	if err := decode(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	cfg := config.ProviderConfig{
		Name:           body.Name,
		Type:           body.Type,
		BaseURL:        body.BaseURL,
		APIKey:         body.APIKey,
		Model:          body.Model,
		TimeoutSeconds: body.TimeoutSeconds,
		VerifySSL:      body.VerifySSL,
		Headers:        body.Headers,
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 10
	}
	AddLogField(r.Context(), "provider", cfg.Name)

	latency, err := s.diag.TestConnection(r.Context(), cfg)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       false,
			"provider": cfg.Name,
			"kind":     domain.KindOf(err),
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"provider":   cfg.Name,
		"latency_ms": latency.Milliseconds(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	models, err := s.diag.ListModels(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": name, "models": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.diag.Health()})
}

// handleUsage returns the caller's usage on every provider. Admins may ask
// about any requester with ?requester=.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	requester, _ := GetRequester(r.Context())
	target := requester.ID
	if q := r.URL.Query().Get("requester"); q != "" && q != target {
		if requester.Role != domain.RoleAdmin && s.resolver != nil {
			writeError(w, r, domain.ErrPermissionDenied("only admins may view other requesters"))
			return
		}
		target = q
	}
	if target == "" {
		writeError(w, r, domain.ErrInvalidRequest("requester is required"))
		return
	}

	var out []usage.Snapshot
	for _, p := range s.diag.Providers() {
		if name := r.URL.Query().Get("provider"); name != "" && name != p.Name {
			continue
		}
		snap, err := s.diag.Usage(r.Context(), p.Name, target)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"requester": target, "usage": out})
}

func (s *Server) fillRateLimits(r *http.Request, provider, requester string) {
	info := GetRateLimits(r.Context())
	if info == nil || provider == "" {
		return
	}
	snap, err := s.diag.Usage(r.Context(), provider, requester)
	if err != nil {
		return
	}
	if s.limits.RequestsPerMinute > 0 {
		info.RequestsLimit = s.limits.RequestsPerMinute
		info.RequestsRemaining = s.limits.RequestsPerMinute - snap.Minute.Requests
		info.RequestsReset = snap.Minute.Start.Add(usage.WindowMinute.Duration())
	}
	if s.limits.TokensPerMinute > 0 {
		info.TokensLimit = s.limits.TokensPerMinute
		info.TokensRemaining = s.limits.TokensPerMinute - snap.Minute.Tokens
		info.TokensReset = snap.Minute.Start.Add(usage.WindowMinute.Duration())
	}
}
