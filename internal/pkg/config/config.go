package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Provider types understood by the adapter factories.
const (
	TypeOllama     = "ollama"
	TypeOpenAI     = "openai"
	TypeOpenRouter = "openrouter"
	TypeAnthropic  = "anthropic"
	TypeMock       = "mock"
)

// KnownProviderTypes lists every provider type that can be configured.
var KnownProviderTypes = []string{TypeOllama, TypeOpenAI, TypeOpenRouter, TypeAnthropic, TypeMock}

// GatewayConfig is the single structured configuration for the gateway. It
// is loaded once, validated, and passed down to every component.
type GatewayConfig struct {
	Server ServerConfig `koanf:"server"`

	// Provider is the primary provider type. LLMProvider is the legacy
	// spelling and is used only when Provider is unset.
	Provider          string   `koanf:"provider"`
	LLMProvider       string   `koanf:"llm_provider"`
	FallbackProviders []string `koanf:"fallback_providers"`

	// Providers is the explicit provider list from the YAML file. When it
	// is empty the list is built from Provider, FallbackProviders and the
	// per-type blocks below.
	Providers []ProviderConfig `koanf:"providers"`

	Ollama     ProviderEnv `koanf:"ollama"`
	OpenAI     ProviderEnv `koanf:"openai"`
	OpenRouter ProviderEnv `koanf:"openrouter"`
	Anthropic  ProviderEnv `koanf:"anthropic"`

	RequestTimeoutSeconds  int     `koanf:"request_timeout_seconds"`
	MaxRetries             int     `koanf:"max_retries"`
	BackoffFactor          float64 `koanf:"backoff_factor"`
	BackoffBaseMillis      int     `koanf:"backoff_base_ms"`
	BackoffMaxMillis       int     `koanf:"backoff_max_ms"`
	MaxConcurrentRequests  int     `koanf:"max_concurrent_requests"`
	EnableStreaming        bool    `koanf:"enable_streaming"`
	ChunkSize              int     `koanf:"chunk_size"`
	VerifySSL              bool    `koanf:"verify_ssl"`
	AdapterCacheTTLMinutes int     `koanf:"adapter_cache_ttl_minutes"`
	TestMode               bool    `koanf:"test_mode"`
	Testing                bool    `koanf:"testing"`

	Limits   LimitsConfig         `koanf:"limits"`
	Cache    CacheConfig          `koanf:"cache"`
	Redis    RedisConfig          `koanf:"redis"`
	Health   HealthConfig         `koanf:"health"`
	Security SecurityConfig       `koanf:"security"`
	Audit    AuditConfig          `koanf:"audit"`
	Pricing  map[string]PriceRate `koanf:"pricing"`
	Tracing  TracingConfig        `koanf:"tracing"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

// ProviderEnv holds the per-type settings that arrive through environment
// variables such as OPENAI_API_KEY.
type ProviderEnv struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// ProviderConfig describes one configured provider. It is never mutated
// once the registry is built; a reload builds a fresh registry.
type ProviderConfig struct {
	Name           string            `koanf:"name"`
	Type           string            `koanf:"type"`
	BaseURL        string            `koanf:"base_url"`
	APIKey         string            `koanf:"api_key"`
	Model          string            `koanf:"model"`
	TimeoutSeconds int               `koanf:"timeout_seconds"`
	MaxRetries     *int              `koanf:"max_retries"`
	BackoffFactor  float64           `koanf:"backoff_factor"`
	VerifySSL      *bool             `koanf:"verify_ssl"`
	Priority       int               `koanf:"priority"`
	Disabled       bool              `koanf:"disabled"`
	Purposes       []string          `koanf:"purposes"`
	Headers        map[string]string `koanf:"headers"`

	// Mock settings, used only by the mock type.
	MockLatencyMillis int    `koanf:"mock_latency_ms"`
	MockFailures      int    `koanf:"mock_failures"`
	MockFailureKind   string `koanf:"mock_failure_kind"`
	MockResponse      string `koanf:"mock_response"`
}

// Timeout returns the per-attempt timeout for the provider.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Retries returns the configured retry count, zero when unset.
func (p ProviderConfig) Retries() int {
	if p.MaxRetries == nil {
		return 0
	}
	return *p.MaxRetries
}

// TLSVerify reports whether TLS certificates are verified. Defaults to true.
func (p ProviderConfig) TLSVerify() bool {
	return p.VerifySSL == nil || *p.VerifySSL
}

// ServesPurpose reports whether the provider is eligible for purpose. An
// empty purpose list means every purpose.
func (p ProviderConfig) ServesPurpose(purpose string) bool {
	return len(p.Purposes) == 0 || slices.Contains(p.Purposes, purpose)
}

// LimitsConfig holds per (provider, requester) budgets. Zero disables a limit.
type LimitsConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute"`
	RequestsPerHour   int `koanf:"requests_per_hour"`
	TokensPerMinute   int `koanf:"tokens_per_minute"`
	TokensPerHour     int `koanf:"tokens_per_hour"`
}

type CacheConfig struct {
	Enabled              bool           `koanf:"enabled"`
	MaxEntries           int            `koanf:"max_entries"`
	SweepIntervalSeconds int            `koanf:"sweep_interval_seconds"`
	TTLMinutes           map[string]int `koanf:"ttl_minutes"`
}

// TTL returns the cache TTL for a purpose. Zero disables caching.
func (c CacheConfig) TTL(purpose string) time.Duration {
	return time.Duration(c.TTLMinutes[purpose]) * time.Minute
}

type RedisConfig struct {
	URL    string `koanf:"url"`
	Prefix string `koanf:"prefix"`
}

type HealthConfig struct {
	FailureThreshold   int     `koanf:"failure_threshold"`
	ErrorRateThreshold float64 `koanf:"error_rate_threshold"`
	MinSamples         int     `koanf:"min_samples"`
	WindowSeconds      int     `koanf:"window_seconds"`
	CooldownSeconds    int     `koanf:"cooldown_seconds"`
}

// PII handling modes.
const (
	PIIOff    = "off"
	PIIRedact = "redact"
	PIIRefuse = "refuse"
)

type SecurityConfig struct {
	PIIMode          string              `koanf:"pii_mode"`
	StudentIDPattern string              `koanf:"student_id_pattern"`
	RolePurposes     map[string][]string `koanf:"role_purposes"`
	JWTSecret        string              `koanf:"jwt_secret"`
}

// Audit durability modes.
const (
	DurabilitySync  = "sync"
	DurabilityAsync = "async"
)

type AuditConfig struct {
	Sink       string `koanf:"sink"` // memory, sqlite, postgres, file
	DSN        string `koanf:"dsn"`
	Durability string `koanf:"durability"`
	BufferSize int    `koanf:"buffer_size"`
	MaxAgeDays int    `koanf:"max_age_days"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// PriceRate is USD per 1K tokens.
type PriceRate struct {
	PromptPer1K     float64 `koanf:"prompt_per_1k"`
	CompletionPer1K float64 `koanf:"completion_per_1k"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// envKeys maps the environment variables the gateway honors to config keys.
var envKeys = map[string]string{
	"AI_PROVIDER":                  "provider",
	"LLM_PROVIDER":                 "llm_provider",
	"AI_FALLBACK_PROVIDERS":        "fallback_providers",
	"OLLAMA_BASE_URL":              "ollama.base_url",
	"OLLAMA_MODEL":                 "ollama.model",
	"OPENAI_API_KEY":               "openai.api_key",
	"OPENAI_BASE_URL":              "openai.base_url",
	"OPENAI_MODEL":                 "openai.model",
	"OPENROUTER_API_KEY":           "openrouter.api_key",
	"OPENROUTER_BASE_URL":          "openrouter.base_url",
	"OPENROUTER_MODEL":             "openrouter.model",
	"ANTHROPIC_API_KEY":            "anthropic.api_key",
	"ANTHROPIC_BASE_URL":           "anthropic.base_url",
	"ANTHROPIC_MODEL":              "anthropic.model",
	"AI_REQUEST_TIMEOUT":           "request_timeout_seconds",
	"AI_MAX_RETRIES":               "max_retries",
	"AI_RATE_LIMIT_PER_MINUTE":     "limits.requests_per_minute",
	"AI_RATE_LIMIT_PER_HOUR":       "limits.requests_per_hour",
	"AI_TOKEN_LIMIT_PER_MINUTE":    "limits.tokens_per_minute",
	"AI_TOKEN_LIMIT_PER_HOUR":      "limits.tokens_per_hour",
	"MAX_CONCURRENT_AI_REQUESTS":   "max_concurrent_requests",
	"AI_ENABLE_STREAMING":          "enable_streaming",
	"AI_CHUNK_SIZE":                "chunk_size",
	"AI_BACKOFF_FACTOR":            "backoff_factor",
	"AI_VERIFY_SSL":                "verify_ssl",
	"AI_ADAPTER_CACHE_TTL_MINUTES": "adapter_cache_ttl_minutes",
	"AI_TEST_MODE":                 "test_mode",
	"TESTING":                      "testing",
	"REDIS_URL":                    "redis.url",
	"AUDIT_SINK":                   "audit.sink",
	"AUDIT_DSN":                    "audit.dsn",
	"PII_MODE":                     "security.pii_mode",
	"JWT_SECRET":                   "security.jwt_secret",
	"SERVER_PORT":                  "server.port",
	"AI_TRACING":                   "tracing.enabled",
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"server.port":                  8080,
		"fallback_providers":           []string{},
		"ollama.base_url":              "http://localhost:11434",
		"ollama.model":                 "llama3",
		"openai.base_url":              "https://api.openai.com/v1",
		"openai.model":                 "gpt-4o-mini",
		"openrouter.base_url":          "https://openrouter.ai/api/v1",
		"openrouter.model":             "openai/gpt-4o-mini",
		"anthropic.base_url":           "https://api.anthropic.com",
		"anthropic.model":              "claude-3-5-haiku-latest",
		"request_timeout_seconds":      30,
		"max_retries":                  3,
		"backoff_factor":               2.0,
		"backoff_base_ms":              500,
		"backoff_max_ms":               30000,
		"max_concurrent_requests":      10,
		"enable_streaming":             true,
		"chunk_size":                   1024,
		"verify_ssl":                   true,
		"adapter_cache_ttl_minutes":    60,
		"limits.requests_per_minute":   60,
		"limits.requests_per_hour":     1000,
		"limits.tokens_per_minute":     0,
		"limits.tokens_per_hour":       0,
		"cache.enabled":                true,
		"cache.max_entries":            10000,
		"cache.sweep_interval_seconds": 60,
		"cache.ttl_minutes": map[string]any{
			"generate": 60,
			"answer":   10,
			"tutor":    0,
			"grade":    0,
		},
		"redis.prefix":                "edugate",
		"health.failure_threshold":    5,
		"health.error_rate_threshold": 0.5,
		"health.min_samples":          10,
		"health.window_seconds":       60,
		"health.cooldown_seconds":     30,
		"security.pii_mode":           PIIRedact,
		"security.student_id_pattern": `(?i)\bSTU-?\d{5,9}\b`,
		"security.role_purposes": map[string]any{
			"student": []string{"tutor", "answer"},
			"teacher": []string{"tutor", "grade", "generate", "answer"},
			"admin":   []string{"tutor", "grade", "generate", "answer"},
		},
		"audit.sink":           "memory",
		"audit.durability":     DurabilitySync,
		"audit.buffer_size":    1024,
		"audit.max_age_days":   365,
		"audit.max_size_mb":    100,
		"tracing.enabled":      false,
		"tracing.service_name": "edu-ai-gateway",
	}
}

// Load reads defaults, then the YAML file at path (a missing file is not an
// error), then the environment.
func Load(path string) (*GatewayConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", mapEnv), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg GatewayConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mapEnv(name, value string) (string, any) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if key == "fallback_providers" {
		return key, splitList(value)
	}
	return key, value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// normalize resolves legacy keys, builds the provider list from the
// environment when the file did not declare one, and substitutes ${VAR}
// references in credentials and connection strings.
func (c *GatewayConfig) normalize() {
	if c.Provider == "" {
		c.Provider = c.LLMProvider
	}
	if c.Provider == "" {
		c.Provider = TypeOllama
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.TestMode = c.TestMode || c.Testing

	if len(c.Providers) == 0 {
		c.Providers = c.providersFromEnv()
	}

	if c.TestMode {
		c.Providers = []ProviderConfig{{Name: TypeMock, Type: TypeMock, Model: "mock-model"}}
	}

	c.Security.JWTSecret = substituteEnvVars(c.Security.JWTSecret)
	c.Audit.DSN = substituteEnvVars(c.Audit.DSN)
	c.Redis.URL = substituteEnvVars(c.Redis.URL)

	for i := range c.Providers {
		p := &c.Providers[i]
		p.APIKey = substituteEnvVars(p.APIKey)
		p.BaseURL = substituteEnvVars(p.BaseURL)
		if p.Type == "" {
			p.Type = p.Name
		}
		if p.Name == "" {
			p.Name = p.Type
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = c.RequestTimeoutSeconds
		}
		if p.MaxRetries == nil {
			retries := c.MaxRetries
			p.MaxRetries = &retries
		}
		if p.BackoffFactor == 0 {
			p.BackoffFactor = c.BackoffFactor
		}
		if p.VerifySSL == nil {
			verify := c.VerifySSL
			p.VerifySSL = &verify
		}
		if p.Priority == 0 {
			p.Priority = i + 1
		}
	}
	slices.SortStableFunc(c.Providers, func(a, b ProviderConfig) int {
		return a.Priority - b.Priority
	})
}

func (c *GatewayConfig) providersFromEnv() []ProviderConfig {
	order := append([]string{c.Provider}, c.FallbackProviders...)
	seen := make(map[string]bool, len(order))
	var out []ProviderConfig
	for _, typ := range order {
		if typ == "" || seen[typ] {
			continue
		}
		seen[typ] = true
		p := ProviderConfig{Name: typ, Type: typ}
		if block, ok := c.envBlock(typ); ok {
			p.APIKey = block.APIKey
			p.BaseURL = block.BaseURL
			p.Model = block.Model
		}
		if typ == TypeOpenRouter {
			p.Headers = map[string]string{
				"HTTP-Referer": "https://github.com/tjfontaine/edu-ai-gateway",
				"X-Title":      "edu-ai-gateway",
			}
		}
		out = append(out, p)
	}
	return out
}

func (c *GatewayConfig) envBlock(typ string) (ProviderEnv, bool) {
	switch typ {
	case TypeOllama:
		return c.Ollama, true
	case TypeOpenAI:
		return c.OpenAI, true
	case TypeOpenRouter:
		return c.OpenRouter, true
	case TypeAnthropic:
		return c.Anthropic, true
	}
	return ProviderEnv{}, false
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_requests must be at least 1, got %d", c.MaxConcurrentRequests))
	}
	if c.RequestTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("request_timeout_seconds must be positive, got %d", c.RequestTimeoutSeconds))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("backoff_factor must be >= 1, got %v", c.BackoffFactor))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if !slices.Contains(KnownProviderTypes, p.Type) {
			errs = append(errs, fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type))
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q declared twice", p.Name))
		}
		names[p.Name] = true
	}
	switch c.Security.PIIMode {
	case PIIOff, PIIRedact, PIIRefuse:
	default:
		errs = append(errs, fmt.Errorf("pii_mode must be off, redact or refuse, got %q", c.Security.PIIMode))
	}
	switch c.Audit.Durability {
	case DurabilitySync, DurabilityAsync:
	default:
		errs = append(errs, fmt.Errorf("audit durability must be sync or async, got %q", c.Audit.Durability))
	}
	switch c.Audit.Sink {
	case "memory", "sqlite", "postgres", "file":
	default:
		errs = append(errs, fmt.Errorf("unknown audit sink %q", c.Audit.Sink))
	}
	if c.Health.ErrorRateThreshold <= 0 || c.Health.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("health.error_rate_threshold must be in (0,1], got %v", c.Health.ErrorRateThreshold))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ProviderByName returns the provider config with the given name.
func (c *GatewayConfig) ProviderByName(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// RequestTimeout is the default per-attempt timeout.
func (c *GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// AdapterCacheTTL is how long a built adapter may be reused for diagnostics.
func (c *GatewayConfig) AdapterCacheTTL() time.Duration {
	return time.Duration(c.AdapterCacheTTLMinutes) * time.Minute
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
