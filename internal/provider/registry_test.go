package provider_test

import (
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider"
	"github.com/tjfontaine/edu-ai-gateway/internal/provider/mock"
)

type stubGate map[string]bool

func (g stubGate) Available(name string) bool {
	down, ok := g[name]
	return !ok || !down
}

func names(cs []provider.Candidate) string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name()
	}
	return strings.Join(out, ",")
}

func TestNewRegistry_BuildsFromConfig(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "local", Type: config.TypeOllama, BaseURL: "http://localhost:11434", Model: "llama3"},
		{Name: "router", Type: config.TypeOpenRouter, APIKey: "or-key", Model: "openai/gpt-4o-mini"},
		{Name: "claude", Type: config.TypeAnthropic, APIKey: "sk-ant", Model: "claude-3-5-haiku-latest"},
		{Name: "nokey", Type: config.TypeOpenAI},
		{Name: "off", Type: config.TypeMock, Disabled: true},
	}

	r, err := provider.NewRegistry(cfgs)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if got := names(r.All()); got != "local,router,claude" {
		t.Errorf("All() = %s, want local,router,claude", got)
	}
	if _, ok := r.Get("nokey"); ok {
		t.Error("provider without credential should be skipped")
	}
}

func TestNewRegistry_NoUsableProviders(t *testing.T) {
	_, err := provider.NewRegistry([]config.ProviderConfig{{Name: "nokey", Type: config.TypeOpenAI}})
	if err == nil || !strings.Contains(err.Error(), "no usable providers") {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if !strings.Contains(err.Error(), "api_key is required") {
		t.Errorf("error should carry the skip reason: %v", err)
	}
}

func TestRegistry_ResolveFiltersPurposeAndHealth(t *testing.T) {
	cfgs := []config.ProviderConfig{
		{Name: "a", Type: config.TypeMock, Purposes: []string{"tutor"}},
		{Name: "b", Type: config.TypeMock},
		{Name: "c", Type: config.TypeMock},
	}
	r, err := provider.NewRegistry(cfgs, provider.WithGate(stubGate{"b": true}))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	cands, skipped := r.Resolve(domain.PurposeGrade)
	if got := names(cands); got != "c" {
		t.Errorf("Resolve(grade) = %s, want c", got)
	}
	if len(skipped) != 1 || skipped[0].Provider != "b" {
		t.Fatalf("skipped = %+v", skipped)
	}

	cands, _ = r.Resolve(domain.PurposeTutor)
	if got := names(cands); got != "a,c" {
		t.Errorf("Resolve(tutor) = %s, want a,c", got)
	}
}

func TestRegistry_ReloadSwapsAtomically(t *testing.T) {
	r, err := provider.NewRegistry([]config.ProviderConfig{{Name: "one", Type: config.TypeMock}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	before, _ := r.Resolve(domain.PurposeAnswer)

	if err := r.Reload([]config.ProviderConfig{{Name: "two", Type: config.TypeMock}}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	after, _ := r.Resolve(domain.PurposeAnswer)

	if names(before) != "one" || names(after) != "two" {
		t.Errorf("before = %s, after = %s", names(before), names(after))
	}

	if err := r.Reload(nil); err == nil {
		t.Error("Reload(nil) should fail")
	}
	if got := names(r.All()); got != "two" {
		t.Errorf("failed reload should keep the previous set, got %s", got)
	}
}

func TestRegistry_ReloadReusesUnchangedAdapters(t *testing.T) {
	cfg := config.ProviderConfig{Name: "m", Type: config.TypeMock, Model: "x"}
	r, err := provider.NewRegistry([]config.ProviderConfig{cfg}, provider.WithAdapterTTL(time.Hour))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	first, _ := r.Get("m")

	if err := r.Reload([]config.ProviderConfig{cfg}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	same, _ := r.Get("m")
	if same.Adapter != first.Adapter {
		t.Error("unchanged config should reuse the adapter")
	}

	changed := cfg
	changed.Model = "y"
	if err := r.Reload([]config.ProviderConfig{changed}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	rebuilt, _ := r.Get("m")
	if rebuilt.Adapter == first.Adapter {
		t.Error("changed config should rebuild the adapter")
	}
}

func TestRegistry_WithAdapterOverride(t *testing.T) {
	m := mock.New("primary", mock.WithResponse("hi"))
	r, err := provider.NewRegistry(
		[]config.ProviderConfig{{Name: "primary", Type: config.TypeOllama}},
		provider.WithAdapter("primary", m),
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	c, ok := r.Get("primary")
	if !ok || c.Adapter != m {
		t.Error("override adapter should be used")
	}
}

func TestListProviderTypes(t *testing.T) {
	got := strings.Join(provider.ListProviderTypes(), ",")
	if got != "anthropic,mock,ollama,openai,openrouter" {
		t.Errorf("ListProviderTypes() = %s", got)
	}
}
