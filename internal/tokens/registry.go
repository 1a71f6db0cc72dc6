// Package tokens estimates token usage ahead of a provider call so the
// usage ledger can reserve budget before any network traffic.
package tokens

import (
	"strings"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
)

// DefaultCompletionTokens is reserved for the answer when the request does
// not set max_tokens.
const DefaultCompletionTokens = 512

// Counter counts prompt tokens for the models it supports.
type Counter interface {
	SupportsModel(model string) bool
	CountMessages(model string, msgs []domain.Message) (int, error)
}

// Registry picks the most accurate counter for a model and falls back to a
// character based estimator.
type Registry struct {
	counters []Counter
	fallback *Estimator
}

// NewRegistry creates a registry with the tiktoken counter registered.
func NewRegistry() *Registry {
	return &Registry{
		counters: []Counter{NewOpenAICounter()},
		fallback: NewEstimator(),
	}
}

// Register adds a counter. Counters are consulted in registration order.
func (r *Registry) Register(counter Counter) {
	r.counters = append(r.counters, counter)
}

// CountPrompt returns the prompt token count for msgs and whether it is an
// estimate.
func (r *Registry) CountPrompt(model string, msgs []domain.Message) (int, bool) {
	for _, c := range r.counters {
		if !c.SupportsModel(model) {
			continue
		}
		if n, err := c.CountMessages(model, msgs); err == nil {
			return n, false
		}
		break
	}
	n, _ := r.fallback.CountMessages(model, msgs)
	return n, true
}

// EstimateRequest returns the tokens to reserve for req: the prompt plus the
// completion budget.
func (r *Registry) EstimateRequest(req *domain.Request, model string) int {
	if model == "" {
		model = req.Model
	}
	prompt, _ := r.CountPrompt(model, req.Conversation())
	completion := req.Sampling.MaxTokens
	if completion <= 0 {
		completion = DefaultCompletionTokens
	}
	return prompt + completion
}

// EstimateUsage builds a usage record for a provider that reported none.
func (r *Registry) EstimateUsage(req *domain.Request, model, completion string) domain.Usage {
	if model == "" {
		model = req.Model
	}
	prompt, _ := r.CountPrompt(model, req.Conversation())
	out := r.fallback.CountText(completion)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
		Estimated:        true,
	}
}

// Estimator approximates tokens from character counts.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// SupportsModel returns true; the estimator is the fallback for every model.
func (e *Estimator) SupportsModel(string) bool { return true }

// CountMessages estimates the token count of msgs.
func (e *Estimator) CountMessages(_ string, msgs []domain.Message) (int, error) {
	totalChars := 0
	for _, msg := range msgs {
		totalChars += len(msg.Role) + len(msg.Content)
		totalChars += 4 // role tokens + separators
	}
	return e.CountChars(totalChars), nil
}

// CountText estimates tokens for plain text.
func (e *Estimator) CountText(text string) int {
	return e.CountChars(len(text))
}

// CountChars converts a character count into tokens, rounding up.
func (e *Estimator) CountChars(n int) int {
	if n <= 0 {
		return 0
	}
	tokens := int(float64(n)/e.CharsPerToken + 0.999)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{prefixes: prefixes, exact: exact}
}

// Matches returns true if the model matches any pattern. Aggregator style
// names such as "openai/gpt-4o" are matched on the part after the slash.
func (m *ModelMatcher) Matches(model string) bool {
	model = BaseModel(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// BaseModel strips a vendor prefix ("openai/gpt-4o" -> "gpt-4o") and
// lowercases the name.
func BaseModel(model string) string {
	if i := strings.LastIndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	return strings.ToLower(model)
}
