// Package domain holds the normalized request/response model shared by every
// gateway component, independent of any provider wire format.
package domain

import (
	"strings"
	"time"
)

// Purpose identifies what the caller wants the model to do. Purposes drive
// cache TTLs, role authorization and provider eligibility.
type Purpose string

const (
	PurposeTutor    Purpose = "tutor"
	PurposeGrade    Purpose = "grade"
	PurposeGenerate Purpose = "generate"
	PurposeAnswer   Purpose = "answer"
)

// AllPurposes lists every known purpose in a stable order.
var AllPurposes = []Purpose{PurposeTutor, PurposeGrade, PurposeGenerate, PurposeAnswer}

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeTutor, PurposeGrade, PurposeGenerate, PurposeAnswer:
		return true
	}
	return false
}

// Role is the requester's platform role as supplied by the identity service.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Requester identifies who is asking.
type Requester struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling holds the generation parameters that take part in the fingerprint.
type Sampling struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Request is the normalized ask handed to the gateway. Once admitted by the
// scheduler it is treated as immutable; components that need to change it
// work on a Clone.
type Request struct {
	ID        string            `json:"id,omitempty"`
	Purpose   Purpose           `json:"purpose"`
	System    string            `json:"system,omitempty"`
	Messages  []Message         `json:"messages,omitempty"`
	Prompt    string            `json:"prompt,omitempty"`
	Model     string            `json:"model,omitempty"`
	Sampling  Sampling          `json:"sampling"`
	Requester Requester         `json:"requester"`
	Deadline  time.Time         `json:"deadline,omitempty"`
	Stream    bool              `json:"stream,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Conversation returns the full message list sent to a provider: the system
// prompt first, then Messages, then Prompt as a trailing user turn.
func (r *Request) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages)+2)
	if r.System != "" {
		out = append(out, Message{Role: "system", Content: r.System})
	}
	out = append(out, r.Messages...)
	if r.Prompt != "" {
		out = append(out, Message{Role: "user", Content: r.Prompt})
	}
	return out
}

// Text concatenates every piece of text in the request. Used for token
// estimation and PII scanning.
func (r *Request) Text() string {
	var b strings.Builder
	for i, m := range r.Conversation() {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	if r.Messages != nil {
		c.Messages = append([]Message(nil), r.Messages...)
	}
	if r.Sampling.Stop != nil {
		c.Sampling.Stop = append([]string(nil), r.Sampling.Stop...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Usage is token consumption reported by a provider, or estimated when the
// provider does not report it.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Response is the stable result shape handed back to callers regardless of
// which provider answered.
type Response struct {
	ID           string        `json:"id"`
	Content      string        `json:"content"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Usage        Usage         `json:"usage"`
	Cost         float64       `json:"cost,omitempty"`
	Latency      time.Duration `json:"latency"`
	Cached       bool          `json:"cached"`
	Truncated    bool          `json:"truncated"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Fingerprint  string        `json:"fingerprint,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Clone returns a copy of the response that callers may mutate freely.
func (r *Response) Clone() *Response {
	c := *r
	return &c
}

// Chunk is one piece of a streamed response. The final chunk has Done set
// and carries usage when the provider reported it. A chunk with Err set is
// terminal.
type Chunk struct {
	Index        int    `json:"index"`
	Content      string `json:"content,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Done         bool   `json:"done,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          error  `json:"-"`
}

// FinishReason values that mean the output was cut short.
const (
	FinishLength = "length"
	FinishStop   = "stop"
)

// IsTruncated reports whether a finish reason means the output hit a limit.
func IsTruncated(finishReason string) bool {
	switch finishReason {
	case FinishLength, "max_tokens":
		return true
	}
	return false
}
