package domain

import "time"

// Decision is the policy outcome recorded for a request.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionError   Decision = "error"
)

// AuditRecord is one entry of the compliance trail. Records are append-only;
// the only change a store accepts after Append is a single outcome
// annotation.
type AuditRecord struct {
	ID            string    `json:"id" db:"id"`
	RequestID     string    `json:"request_id" db:"request_id"`
	RequesterID   string    `json:"requester_id" db:"requester_id"`
	RequesterRole Role      `json:"requester_role" db:"requester_role"`
	Purpose       Purpose   `json:"purpose" db:"purpose"`
	Summary       string    `json:"summary" db:"summary"`
	PromptHash    string    `json:"prompt_hash" db:"prompt_hash"`
	RedactedTypes []string  `json:"redacted_types,omitempty" db:"-"`
	Decision      Decision  `json:"decision" db:"decision"`
	Reason        string    `json:"reason,omitempty" db:"reason"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`

	Outcome *AuditOutcome `json:"outcome,omitempty" db:"-"`
}

// AuditOutcome annotates an allowed record once the AI Gateway has answered.
type AuditOutcome struct {
	Decision    Decision  `json:"decision"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	Cached      bool      `json:"cached"`
	TokensUsed  int       `json:"tokens_used"`
	Cost        float64   `json:"cost,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
