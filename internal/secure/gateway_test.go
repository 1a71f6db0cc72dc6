package secure

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/edu-ai-gateway/internal/audit"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/gateway"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/pii"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/policy"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/mock"
	"github.com/tjfontaine/edu-ai-gateway/internal/scheduler"
	"github.com/tjfontaine/edu-ai-gateway/internal/storage/memory"
	"github.com/tjfontaine/edu-ai-gateway/internal/tokens"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

func newAIGateway(t *testing.T, adapters ...*mock.Provider) *gateway.Gateway {
	t.Helper()

	monitor := health.NewMonitor(health.Settings{FailureThreshold: 10, Cooldown: time.Minute})
	ledger := usage.NewMemoryLedger(usage.Limits{})

	cfgs := make([]config.ProviderConfig, len(adapters))
	regOpts := []provider.RegistryOption{provider.WithGate(monitor)}
	for i, a := range adapters {
		cfgs[i] = config.ProviderConfig{Name: a.Name(), Type: config.TypeMock}
		regOpts = append(regOpts, provider.WithAdapter(a.Name(), a))
	}
	reg, err := provider.NewRegistry(cfgs, regOpts...)
	require.NoError(t, err)

	sched := scheduler.New(scheduler.Settings{
		MaxConcurrent:  2,
		RequestTimeout: time.Second,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
		BackoffFactor:  2,
	}, reg, monitor, ledger, tokens.NewRegistry())

	return gateway.New(reg, sched, nil)
}

func newSecureGateway(t *testing.T, next AIGateway, mode PIIMode) (*Gateway, *memory.Store) {
	t.Helper()
	detector, err := pii.NewRegexDetector()
	require.NoError(t, err)
	store := memory.New()
	return New(next, policy.Default(), store, WithDetector(detector), WithPIIMode(mode)), store
}

func onlyRecord(t *testing.T, store ports.AuditStore) *domain.AuditRecord {
	t.Helper()
	recs, err := store.List(context.Background(), ports.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0]
}

func TestSubmit_Allowed(t *testing.T) {
	ollama := mock.New("ollama", mock.WithResponse("Photosynthesis turns light into sugar."))
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIRedact)

	resp, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeTutor,
		Prompt:    "What is photosynthesis?",
		Requester: domain.Requester{ID: "stu-1", Role: domain.RoleStudent},
	})
	require.NoError(t, err)
	assert.Equal(t, "ollama", resp.Provider)

	rec := onlyRecord(t, store)
	assert.Equal(t, domain.DecisionAllowed, rec.Decision)
	assert.Equal(t, resp.ID, rec.RequestID)
	assert.Equal(t, "tutor: What is photosynthesis?", rec.Summary)
	assert.Equal(t, audit.PromptHash("What is photosynthesis?"), rec.PromptHash)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, "ollama", rec.Outcome.Provider)
	assert.Equal(t, resp.Usage.TotalTokens, rec.Outcome.TokensUsed)
}

func TestSubmit_StudentCannotGrade(t *testing.T) {
	ollama := mock.New("ollama")
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIRedact)

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeGrade,
		Prompt:    "Grade my essay please.",
		Requester: domain.Requester{ID: "stu-1", Role: domain.RoleStudent},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.KindPermissionDenied)
	assert.Equal(t, 0, ollama.Calls(), "denied request must not reach a provider")

	rec := onlyRecord(t, store)
	assert.Equal(t, domain.DecisionDenied, rec.Decision)
	assert.Equal(t, "stu-1", rec.RequesterID)
	assert.Equal(t, domain.PurposeGrade, rec.Purpose)
	assert.Contains(t, rec.Reason, "student")
	assert.Nil(t, rec.Outcome)
}

func TestSubmit_TotalOutage(t *testing.T) {
	ollama := mock.New("ollama", mock.WithFailures(100, domain.KindProviderServer))
	openrouter := mock.New("openrouter", mock.WithFailures(100, domain.KindProviderTimeout))
	g, store := newSecureGateway(t, newAIGateway(t, ollama, openrouter), PIIRedact)

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeGenerate,
		Prompt:    "Create a quiz about fractions.",
		Requester: domain.Requester{ID: "teacher-1", Role: domain.RoleTeacher},
	})
	require.Error(t, err)

	var all *domain.AllProvidersFailedError
	require.True(t, errors.As(err, &all))
	require.Len(t, all.Failures, 2)
	assert.Equal(t, "ollama", all.Failures[0].Provider)
	assert.Equal(t, "openrouter", all.Failures[1].Provider)
	assert.Equal(t, 3, ollama.Calls())
	assert.Equal(t, 3, openrouter.Calls())

	rec := onlyRecord(t, store)
	assert.Equal(t, domain.DecisionError, rec.Decision)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, domain.KindAllProvidersFailed, rec.Outcome.ErrorKind)
}

func TestSubmit_RedactsBeforeDispatch(t *testing.T) {
	var sent string
	ollama := mock.New("ollama", mock.WithResponder(func(req *domain.Request) string {
		sent = req.Text()
		return "ok"
	}))
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIRedact)

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose: domain.PurposeAnswer,
		System:  "You help students.",
		Messages: []domain.Message{
			{Role: "user", Content: "My email is jane.doe@school.edu"},
		},
		Prompt:    "And my student number is STU-123456.",
		Requester: domain.Requester{ID: "stu-9", Role: domain.RoleStudent},
	})
	require.NoError(t, err)

	assert.NotContains(t, sent, "jane.doe@school.edu")
	assert.NotContains(t, sent, "STU-123456")
	assert.Contains(t, sent, "[REDACTED:email]")
	assert.Contains(t, sent, "[REDACTED:student_id]")

	rec := onlyRecord(t, store)
	assert.Equal(t, []string{"email", "student_id"}, rec.RedactedTypes)
	assert.NotContains(t, rec.Summary, "jane.doe")
}

func TestSubmit_RefuseMode(t *testing.T) {
	ollama := mock.New("ollama")
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIRefuse)

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeAnswer,
		Prompt:    "Call me at 555-867-5309",
		Requester: domain.Requester{ID: "stu-2", Role: domain.RoleStudent},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.KindPIIRejected)
	assert.Equal(t, 0, ollama.Calls())

	rec := onlyRecord(t, store)
	assert.Equal(t, domain.DecisionDenied, rec.Decision)
	assert.Equal(t, []string{"phone"}, rec.RedactedTypes)
	assert.NotContains(t, rec.Summary, "867-5309")
}

func TestSubmit_OffModeStillRedactsSummary(t *testing.T) {
	var sent string
	ollama := mock.New("ollama", mock.WithResponder(func(req *domain.Request) string {
		sent = req.Prompt
		return "ok"
	}))
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIOff)

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeAnswer,
		Prompt:    "Write to jane.doe@school.edu",
		Requester: domain.Requester{ID: "stu-2", Role: domain.RoleStudent},
	})
	require.NoError(t, err)
	assert.Equal(t, "Write to jane.doe@school.edu", sent)

	rec := onlyRecord(t, store)
	assert.NotContains(t, rec.Summary, "jane.doe")
	assert.Empty(t, rec.RedactedTypes)
}

func TestSubmit_InvalidRequestIsAudited(t *testing.T) {
	g, store := newSecureGateway(t, newAIGateway(t, mock.New("ollama")), PIIRedact)

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeAnswer,
		Requester: domain.Requester{ID: "teacher-1", Role: domain.RoleTeacher},
	})
	assert.ErrorIs(t, err, domain.KindInvalidRequest)

	rec := onlyRecord(t, store)
	assert.Equal(t, domain.DecisionError, rec.Decision)
	assert.Equal(t, domain.KindInvalidRequest, rec.Outcome.ErrorKind)
}

type failingStore struct{ *memory.Store }

func (failingStore) Append(context.Context, *domain.AuditRecord) error {
	return errors.New("disk full")
}

func TestSubmit_AuditUnavailableFailsClosed(t *testing.T) {
	ollama := mock.New("ollama")
	g := New(newAIGateway(t, ollama), policy.Default(), failingStore{memory.New()})

	_, err := g.Submit(context.Background(), &domain.Request{
		Purpose:   domain.PurposeAnswer,
		Prompt:    "hi",
		Requester: domain.Requester{ID: "teacher-1", Role: domain.RoleTeacher},
	})
	assert.ErrorIs(t, err, domain.KindInternal)
	assert.Equal(t, 0, ollama.Calls())
}

func TestStream_AnnotatesOnCompletion(t *testing.T) {
	ollama := mock.New("ollama", mock.WithResponse("one two three four"))
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIRedact)

	ch, err := g.Stream(context.Background(), &domain.Request{
		Purpose:   domain.PurposeTutor,
		Prompt:    "Count to four",
		Requester: domain.Requester{ID: "stu-1", Role: domain.RoleStudent},
	})
	require.NoError(t, err)

	var b strings.Builder
	for c := range ch {
		require.NoError(t, c.Err)
		b.WriteString(c.Content)
	}
	assert.NotEmpty(t, b.String())

	require.Eventually(t, func() bool {
		recs, err := store.List(context.Background(), ports.AuditFilter{})
		return err == nil && len(recs) == 1 && recs[0].Outcome != nil
	}, time.Second, 5*time.Millisecond)

	rec := onlyRecord(t, store)
	assert.Equal(t, domain.DecisionAllowed, rec.Decision)
	assert.Equal(t, "ollama", rec.Outcome.Provider)
}

func TestStream_DeniedNeverOpens(t *testing.T) {
	ollama := mock.New("ollama")
	g, store := newSecureGateway(t, newAIGateway(t, ollama), PIIRedact)

	_, err := g.Stream(context.Background(), &domain.Request{
		Purpose:   domain.PurposeGrade,
		Prompt:    "Grade this",
		Requester: domain.Requester{ID: "stu-1", Role: domain.RoleStudent},
	})
	assert.ErrorIs(t, err, domain.KindPermissionDenied)
	assert.Equal(t, 0, ollama.Calls())
	assert.Equal(t, domain.DecisionDenied, onlyRecord(t, store).Decision)
}
