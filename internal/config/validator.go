package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/harun/ragent/pkg/agent"
	"github.com/harun/ragent/pkg/model"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid []string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case model.ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case model.ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProvider validates the model provider name
func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("model provider", provider, []string{model.ProviderAnthropic, model.ProviderOpenAI, model.ProviderEcho})
}

// ValidateRetrievalPolicy validates who triggers retrieval
func (v *Validator) ValidateRetrievalPolicy(policy string) error {
	return oneOf("retrieval policy", policy, []string{
		string(agent.RetrievalAlways),
		string(agent.RetrievalNever),
		string(agent.RetrievalTool),
	})
}

// ValidateSessionBackend validates the session store backend
func (v *Validator) ValidateSessionBackend(backend string) error {
	return oneOf("session backend", backend, []string{"memory", "file", "sqlite"})
}

// ValidateEmbedder validates the embedding provider
func (v *Validator) ValidateEmbedder(cfg EmbedderConfig) error {
	if err := oneOf("embedder", cfg.Provider, []string{"none", "hash", "openai"}); err != nil {
		return err
	}
	if cfg.Provider == "hash" && cfg.Dimension <= 0 {
		return fmt.Errorf("hash embedder dimension must be positive, got %d", cfg.Dimension)
	}
	return nil
}

// ValidateSchedule validates a cron schedule
func (v *Validator) ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateScore validates a value in [0, 1]
func (v *Validator) ValidateScore(name string, score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %f", name, score)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	// Model
	add(v.ValidateProvider(cfg.Model.Provider))
	if cfg.Model.Provider != model.ProviderEcho {
		add(v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider))
	}
	add(v.ValidateTemperature(cfg.Model.Temperature))
	add(v.ValidateMaxTokens(cfg.Model.MaxTokens))
	if cfg.Model.PromptBudget.MaxChars < 0 {
		add(fmt.Errorf("model.prompt_budget.max_chars must be >= 0"))
	}

	// Retrieval
	add(v.ValidateRetrievalPolicy(cfg.Retrieval.Policy))
	if cfg.Retrieval.K < 0 {
		add(fmt.Errorf("retrieval.k must be >= 0"))
	}
	add(v.ValidateScore("retrieval.min_score", cfg.Retrieval.MinScore))
	add(v.ValidateScore("retrieval.vector_weight", cfg.Retrieval.VectorWeight))
	add(v.ValidateScore("retrieval.keyword_weight", cfg.Retrieval.KeywordWeight))
	add(v.ValidateEmbedder(cfg.Retrieval.Embedder))

	// Agent
	if cfg.Agent.MaxToolIterations < 0 {
		add(fmt.Errorf("agent.max_tool_iterations must be >= 0"))
	}
	if cfg.Agent.ModelRetries < 0 {
		add(fmt.Errorf("agent.model_retries must be >= 0"))
	}
	if cfg.Agent.MaxMessageChars < 0 {
		add(fmt.Errorf("agent.max_message_chars must be >= 0"))
	}

	// Session
	add(v.ValidateSessionBackend(cfg.Session.Backend))
	if cfg.Session.MaxTurns < 0 {
		add(fmt.Errorf("session.max_turns must be >= 0"))
	}
	if cfg.Session.Expiry.Enabled {
		add(oneOf("expiry policy", cfg.Session.Expiry.Policy, []string{"idle", "max_age"}))
		add(v.ValidateSchedule(cfg.Session.Expiry.Schedule))
		if cfg.Session.Expiry.TTL <= 0 {
			add(fmt.Errorf("session.expiry.ttl must be positive"))
		}
	}

	// Evaluation
	add(v.ValidateScore("evaluation.relevance_threshold", cfg.Evaluation.RelevanceThreshold))
	add(v.ValidateScore("evaluation.tool_correctness_threshold", cfg.Evaluation.ToolCorrectnessThreshold))

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute < 0 || cfg.Gateway.RateLimit.MaxConcurrent < 0 {
		add(fmt.Errorf("gateway.rate_limit values must be >= 0"))
	}

	// Logging
	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errors
}
