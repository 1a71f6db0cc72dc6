package gateway

import (
	"strings"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// Validate rejects requests no provider could serve.
func Validate(req *domain.Request) error {
	if req == nil {
		return domain.ErrInvalidRequest("request is required")
	}
	if !req.Purpose.Valid() {
		return domain.Errorf(domain.KindInvalidRequest, "unknown purpose %q", req.Purpose)
	}
	if strings.TrimSpace(req.Prompt) == "" && len(req.Messages) == 0 {
		return domain.ErrInvalidRequest("prompt or messages are required")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return domain.Errorf(domain.KindInvalidRequest, "messages[%d]: unknown role %q", i, m.Role)
		}
	}

	s := req.Sampling
	if s.Temperature < 0 || s.Temperature > 2 {
		return domain.Errorf(domain.KindInvalidRequest, "temperature must be between 0 and 2, got %v", s.Temperature)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return domain.Errorf(domain.KindInvalidRequest, "top_p must be between 0 and 1, got %v", s.TopP)
	}
	if s.MaxTokens < 0 {
		return domain.Errorf(domain.KindInvalidRequest, "max_tokens must not be negative, got %d", s.MaxTokens)
	}
	return nil
}
