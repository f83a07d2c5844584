package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/ragent/internal/backoff"
	"github.com/harun/ragent/pkg/agent"
	"github.com/harun/ragent/pkg/evaluator"
	"github.com/harun/ragent/pkg/gateway"
	"github.com/harun/ragent/pkg/model"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

// Config represents the main ragent configuration
type Config struct {
	// Model provider
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Retrieval over the document index
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`

	// Orchestrator tunables
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Session persistence and expiry
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Evaluation thresholds
	Evaluation evaluator.Config `json:"evaluation" mapstructure:"evaluation"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing and audit
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ModelConfig selects and configures the language model provider
type ModelConfig struct {
	Provider     string       `json:"provider" mapstructure:"provider"` // anthropic, openai, echo
	Name         string       `json:"name" mapstructure:"name"`
	APIKey       string       `json:"api_key" mapstructure:"api_key"`
	BaseURL      string       `json:"base_url" mapstructure:"base_url"`
	MaxTokens    int          `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64      `json:"temperature" mapstructure:"temperature"`
	PromptBudget model.Budget `json:"prompt_budget" mapstructure:"prompt_budget"`
}

// RetrievalConfig holds retrieval policy and index settings
type RetrievalConfig struct {
	Policy        string         `json:"policy" mapstructure:"policy"` // always, never, tool
	K             int            `json:"k" mapstructure:"k"`
	MinScore      float64        `json:"min_score" mapstructure:"min_score"`
	Timeout       time.Duration  `json:"timeout" mapstructure:"timeout"`
	DBPath        string         `json:"db_path" mapstructure:"db_path"`
	CorpusDir     string         `json:"corpus_dir" mapstructure:"corpus_dir"`
	Watch         bool           `json:"watch" mapstructure:"watch"`
	VectorWeight  float64        `json:"vector_weight" mapstructure:"vector_weight"`
	KeywordWeight float64        `json:"keyword_weight" mapstructure:"keyword_weight"`
	Embedder      EmbedderConfig `json:"embedder" mapstructure:"embedder"`
}

// EmbedderConfig selects the embedding provider for vector search
type EmbedderConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // none, hash, openai
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	Dimension int    `json:"dimension" mapstructure:"dimension"`
}

// AgentConfig holds orchestrator tunables
type AgentConfig struct {
	SystemPrompt      string         `json:"system_prompt" mapstructure:"system_prompt"`
	MaxToolIterations int            `json:"max_tool_iterations" mapstructure:"max_tool_iterations"`
	MaxMessageChars   int            `json:"max_message_chars" mapstructure:"max_message_chars"`
	ModelRetries      int            `json:"model_retries" mapstructure:"model_retries"`
	ModelTimeout      time.Duration  `json:"model_timeout" mapstructure:"model_timeout"`
	LockWait          time.Duration  `json:"lock_wait" mapstructure:"lock_wait"`
	Backoff           backoff.Policy `json:"backoff" mapstructure:"backoff"`
}

// SessionConfig selects the session store and its expiry
type SessionConfig struct {
	Backend  string       `json:"backend" mapstructure:"backend"` // memory, file, sqlite
	Dir      string       `json:"dir" mapstructure:"dir"`
	DBPath   string       `json:"db_path" mapstructure:"db_path"`
	MaxTurns int          `json:"max_turns" mapstructure:"max_turns"`
	Expiry   ExpiryConfig `json:"expiry" mapstructure:"expiry"`
}

// ExpiryConfig configures the session janitor
type ExpiryConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Policy   string        `json:"policy" mapstructure:"policy"` // idle, max_age
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
	Schedule string        `json:"schedule" mapstructure:"schedule"`
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	Policy    tools.Policy  `json:"policy" mapstructure:"policy"`
	Workspace string        `json:"workspace" mapstructure:"workspace"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host         string            `json:"host" mapstructure:"host"`
	Port         int               `json:"port" mapstructure:"port"`
	SharedSecret string            `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval time.Duration     `json:"tick_interval" mapstructure:"tick_interval"`
	RateLimit    gateway.RateLimit `json:"rate_limit" mapstructure:"rate_limit"`
	ReplayTTL    time.Duration     `json:"replay_ttl" mapstructure:"replay_ttl"` // negative disables Idempotency-Key replay
}

// Secrets lists the configured credentials the log redactor masks verbatim.
func (c *Config) Secrets() []string {
	var out []string
	for _, s := range []string{c.Model.APIKey, c.Retrieval.Embedder.APIKey, c.Gateway.SharedSecret} {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Addr returns the listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// ObservabilityConfig holds tracing and audit settings
type ObservabilityConfig struct {
	Tracing          bool    `json:"tracing" mapstructure:"tracing"`
	TraceSampleRatio float64 `json:"trace_sample_ratio" mapstructure:"trace_sample_ratio"`
	AuditLog         string  `json:"audit_log" mapstructure:"audit_log"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	defaults := agent.DefaultConfig()

	return &Config{
		Model: ModelConfig{
			Provider:     model.ProviderEcho,
			MaxTokens:    4096,
			Temperature:  0.7,
			PromptBudget: model.Budget{MaxChars: 48000},
		},
		Retrieval: RetrievalConfig{
			Policy:        string(agent.RetrievalAlways),
			K:             defaults.RetrievalK,
			MinScore:      defaults.MinScore,
			Timeout:       defaults.RetrievalTimeout,
			Watch:         true,
			VectorWeight:  0.7,
			KeywordWeight: 0.3,
			Embedder: EmbedderConfig{
				Provider:  "hash",
				Dimension: 256,
			},
		},
		Agent: AgentConfig{
			SystemPrompt:      defaults.SystemPrompt,
			MaxToolIterations: defaults.MaxToolIterations,
			MaxMessageChars:   defaults.MaxMessageChars,
			ModelRetries:      defaults.ModelRetries,
			ModelTimeout:      defaults.ModelTimeout,
			LockWait:          defaults.LockWait,
			Backoff:           defaults.Backoff,
		},
		Session: SessionConfig{
			Backend:  "file",
			MaxTurns: defaults.HistoryTurns,
			Expiry: ExpiryConfig{
				Enabled:  true,
				Policy:   "idle",
				TTL:      session.DefaultIdleTTL,
				Schedule: session.DefaultExpirySchedule,
			},
		},
		Tools: ToolsConfig{
			Policy:  tools.Policy{Allow: []string{"*"}, Deny: []string{}},
			Timeout: defaults.ToolTimeout,
		},
		Evaluation: evaluator.Config{
			RelevanceThreshold:       evaluator.DefaultRelevanceThreshold,
			ToolCorrectnessThreshold: evaluator.DefaultToolCorrectnessThreshold,
			MaxChars:                 evaluator.DefaultMaxChars,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			TickInterval: 30 * time.Second,
			RateLimit:    gateway.DefaultRateLimit(),
			ReplayTTL:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errs[0])
	}
	return nil
}

// AgentOptions converts the configuration into orchestrator tunables. The
// caller supplies the store, model client, retriever and tool registry.
func (c *Config) AgentOptions() agent.Config {
	cfg := agent.DefaultConfig()
	cfg.SystemPrompt = c.Agent.SystemPrompt
	cfg.RetrievalPolicy = agent.RetrievalPolicy(c.Retrieval.Policy)
	cfg.RetrievalK = c.Retrieval.K
	cfg.MinScore = c.Retrieval.MinScore
	cfg.HistoryTurns = c.Session.MaxTurns
	cfg.MaxToolIterations = c.Agent.MaxToolIterations
	cfg.MaxMessageChars = c.Agent.MaxMessageChars
	cfg.ModelRetries = c.Agent.ModelRetries
	cfg.Backoff = c.Agent.Backoff

	if c.Retrieval.Timeout > 0 {
		cfg.RetrievalTimeout = c.Retrieval.Timeout
	}
	if c.Agent.ModelTimeout > 0 {
		cfg.ModelTimeout = c.Agent.ModelTimeout
	}
	if c.Tools.Timeout > 0 {
		cfg.ToolTimeout = c.Tools.Timeout
	}
	if c.Agent.LockWait > 0 {
		cfg.LockWait = c.Agent.LockWait
	}
	return cfg
}

// ProviderConfig returns the model client settings.
func (c *Config) ProviderConfig() model.ProviderConfig {
	return model.ProviderConfig{
		APIKey:      c.Model.APIKey,
		Model:       c.Model.Name,
		BaseURL:     c.Model.BaseURL,
		MaxTokens:   c.Model.MaxTokens,
		Temperature: c.Model.Temperature,
		Budget:      c.Model.PromptBudget,
	}
}

// ExpiryPolicy returns the configured session expiry policy.
func (c *Config) ExpiryPolicy() session.ExpiryPolicy {
	if c.Session.Expiry.Policy == "max_age" {
		return session.MaxAgePolicy{MaxAge: c.Session.Expiry.TTL}
	}
	return session.IdlePolicy{TTL: c.Session.Expiry.TTL}
}
