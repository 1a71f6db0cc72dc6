package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string           `json:"kind"`
	Message   string           `json:"message"`
	Providers []providerDetail `json:"providers,omitempty"`
}

type providerDetail struct {
	Provider string `json:"provider"`
	Attempts int    `json:"attempts"`
	Kind     string `json:"kind"`
}

// userMessage is the text shown to callers for kinds whose internals are
// not useful to them.
var userMessage = map[domain.ErrorKind]string{
	domain.KindAllProvidersFailed: "AI temporarily unavailable",
	domain.KindQueueTimeout:       "the AI service is busy, try again",
	domain.KindInternal:           "internal error",
}

// writeError maps err onto its HTTP status and writes the JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := kind.HTTPStatusCode()
	AddError(r.Context(), err)
	AddLogField(r.Context(), "error_kind", string(kind))

	detail := errorDetail{Kind: string(kind), Message: err.Error()}
	if msg, ok := userMessage[kind]; ok {
		detail.Message = msg
	}

	var all *domain.AllProvidersFailedError
	if errors.As(err, &all) {
		for _, f := range all.Failures {
			detail.Providers = append(detail.Providers, providerDetail{
				Provider: f.Provider,
				Attempts: f.Attempts,
				Kind:     string(domain.KindOf(f.Err)),
			})
		}
	}

	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(gwErr.RetryAfter.Seconds()+0.5)))
	} else if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}

	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
