package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// canonicalRequest is the part of a request that decides cache identity.
// Field order is fixed so the JSON encoding is stable.
type canonicalRequest struct {
	Purpose     domain.Purpose   `json:"purpose"`
	Messages    []domain.Message `json:"messages"`
	Model       string           `json:"model"`
	Temperature float32          `json:"temperature"`
	TopP        float32          `json:"top_p"`
	MaxTokens   int              `json:"max_tokens"`
	Stop        []string         `json:"stop"`
}

// Fingerprint returns the hex SHA-256 of the request's canonical form. It is
// a pure function of content: requester, request ID, deadline and metadata
// do not take part.
func Fingerprint(req *domain.Request) string {
	conv := req.Conversation()
	msgs := make([]domain.Message, len(conv))
	for i, m := range conv {
		msgs[i] = domain.Message{Role: m.Role, Content: normalize(m.Content)}
	}

	stop := req.Sampling.Stop
	if stop == nil {
		stop = []string{}
	}

	// Marshal of this struct cannot fail.
	b, _ := json.Marshal(canonicalRequest{
		Purpose:     req.Purpose,
		Messages:    msgs,
		Model:       req.Model,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		MaxTokens:   req.Sampling.MaxTokens,
		Stop:        stop,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// normalize trims the text and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
