package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/harun/ragent/internal/config"
	"github.com/harun/ragent/pkg/evaluator"
	"github.com/harun/ragent/pkg/retrieval"
	"github.com/harun/ragent/pkg/session"
	"github.com/harun/ragent/pkg/tools"
	"github.com/harun/ragent/pkg/tools/builtin"
)

func openStore(cfg config.SessionConfig) (session.Store, error) {
	switch cfg.Backend {
	case "memory":
		return session.NewMemoryStore(), nil
	case "file", "":
		store, err := session.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open file session store: %w", err)
		}
		return store, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create session database directory: %w", err)
		}
		store, err := session.OpenSQLStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.Backend)
	}
}

func newEmbedder(cfg config.EmbedderConfig) (retrieval.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "hash":
		return retrieval.NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedder requires an api key")
		}
		return retrieval.NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Provider)
	}
}

func openIndex(cfg config.RetrievalConfig, logger zerolog.Logger) (*retrieval.Index, error) {
	embedder, err := newEmbedder(cfg.Embedder)
	if err != nil {
		return nil, err
	}
	index, err := retrieval.NewIndex(retrieval.Config{
		DBPath:        cfg.DBPath,
		CorpusDir:     cfg.CorpusDir,
		Watch:         cfg.Watch,
		Logger:        logger,
		Embedder:      embedder,
		VectorWeight:  cfg.VectorWeight,
		KeywordWeight: cfg.KeywordWeight,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open document index: %w", err)
	}
	return index, nil
}

func newToolRegistry(cfg config.ToolsConfig, logger zerolog.Logger) (*tools.Registry, error) {
	policy := cfg.Policy
	registry := tools.NewRegistry(tools.Config{
		Policy:         &policy,
		DefaultTimeout: cfg.Timeout,
		Logger:         logger,
	})
	if err := builtin.Register(registry, builtin.Options{Workspace: cfg.Workspace}); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}
	return registry, nil
}

func newEvaluator(cfg evaluator.Config, registry *tools.Registry) *evaluator.Evaluator {
	cfg.Validator = registry
	return evaluator.New(cfg)
}
