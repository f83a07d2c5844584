package agent

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ragent/internal/backoff"
	"github.com/harun/ragent/pkg/evaluator"
	"github.com/harun/ragent/pkg/lanes"
	"github.com/harun/ragent/pkg/model"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
)

// RetrievalPolicy decides who triggers retrieval.
type RetrievalPolicy string

const (
	// RetrievalAlways searches before every first prompt.
	RetrievalAlways RetrievalPolicy = "always"
	// RetrievalNever disables retrieval.
	RetrievalNever RetrievalPolicy = "never"
	// RetrievalTool exposes retrieval as a tool so the model decides.
	RetrievalTool RetrievalPolicy = "tool"
)

// Config is the orchestrator's explicit configuration. It is read-only after New.
type Config struct {
	Store     session.Store
	Model     model.Client
	Retriever retrieval.Retriever // optional
	Tools     *tools.Registry     // optional
	Evaluator *evaluator.Evaluator
	Lanes     *lanes.Locker
	Logger    zerolog.Logger

	SystemPrompt      string
	RetrievalPolicy   RetrievalPolicy
	RetrievalK        int
	MinScore          float64
	HistoryTurns      int
	MaxToolIterations int
	MaxMessageChars   int

	RetrievalTimeout time.Duration
	ModelTimeout     time.Duration
	ToolTimeout      time.Duration
	LockWait         time.Duration

	// ModelRetries is the number of retries after the first failed model call.
	ModelRetries int
	Backoff      backoff.Policy
}

// Defaults used by DefaultConfig.
const (
	DefaultSystemPrompt      = "You are a helpful assistant. Answer using the provided context when it is relevant and cite passage ids."
	DefaultRetrievalK        = 5
	DefaultMinScore          = 0.2
	DefaultHistoryTurns      = 50
	DefaultMaxToolIterations = 3
	DefaultMaxMessageChars   = 32000
	DefaultModelRetries      = 2
)

// DefaultConfig returns tunables with defaults and no dependencies.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:      DefaultSystemPrompt,
		RetrievalPolicy:   RetrievalAlways,
		RetrievalK:        DefaultRetrievalK,
		MinScore:          DefaultMinScore,
		HistoryTurns:      DefaultHistoryTurns,
		MaxToolIterations: DefaultMaxToolIterations,
		MaxMessageChars:   DefaultMaxMessageChars,
		RetrievalTimeout:  5 * time.Second,
		ModelTimeout:      60 * time.Second,
		ToolTimeout:       30 * time.Second,
		LockWait:          5 * time.Second,
		ModelRetries:      DefaultModelRetries,
		Backoff:           backoff.DefaultPolicy(),
	}
}

func (c Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("session store is required")
	}
	if c.Model == nil {
		return fmt.Errorf("model client is required")
	}
	switch c.RetrievalPolicy {
	case RetrievalAlways, RetrievalNever, RetrievalTool:
	default:
		return fmt.Errorf("unknown retrieval policy %q", c.RetrievalPolicy)
	}
	if c.RetrievalPolicy == RetrievalTool && c.Retriever == nil {
		return fmt.Errorf("retrieval policy %q requires a retriever", c.RetrievalPolicy)
	}
	if c.MaxToolIterations < 0 {
		return fmt.Errorf("max tool iterations cannot be negative")
	}
	if c.ModelRetries < 0 {
		return fmt.Errorf("model retries cannot be negative")
	}
	if c.RetrievalK < 0 {
		return fmt.Errorf("retrieval k cannot be negative")
	}
	return nil
}

// withDefaults fills zero durations and limits so a partially built Config is usable.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.RetrievalPolicy == "" {
		c.RetrievalPolicy = d.RetrievalPolicy
	}
	if c.RetrievalK == 0 {
		c.RetrievalK = d.RetrievalK
	}
	if c.HistoryTurns == 0 {
		c.HistoryTurns = d.HistoryTurns
	}
	if c.MaxMessageChars == 0 {
		c.MaxMessageChars = d.MaxMessageChars
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = d.RetrievalTimeout
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = d.ModelTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	return c
}
