package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/harun/ragent/pkg/model"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a new configuration wizard
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for the settings most deployments change and returns the
// resulting configuration on top of base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== ragent configuration ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	provider, err := w.ask("Model provider (anthropic, openai, echo)", cfg.Model.Provider, validator.ValidateProvider)
	if err != nil {
		return nil, err
	}
	cfg.Model.Provider = provider

	if provider != model.ProviderEcho {
		key, err := w.ask(fmt.Sprintf("%s API key", provider), cfg.Model.APIKey, func(key string) error {
			return validator.ValidateAPIKey(key, provider)
		})
		if err != nil {
			return nil, err
		}
		cfg.Model.APIKey = key

		name, err := w.ask("Model name (empty for provider default)", cfg.Model.Name, nil)
		if err != nil {
			return nil, err
		}
		cfg.Model.Name = name
	}

	corpus, err := w.ask("Document directory to index (empty to skip)", cfg.Retrieval.CorpusDir, nil)
	if err != nil {
		return nil, err
	}
	cfg.Retrieval.CorpusDir = corpus

	policy, err := w.ask("Retrieval policy (always, never, tool)", cfg.Retrieval.Policy, validator.ValidateRetrievalPolicy)
	if err != nil {
		return nil, err
	}
	cfg.Retrieval.Policy = policy

	backend, err := w.ask("Session store (memory, file, sqlite)", cfg.Session.Backend, validator.ValidateSessionBackend)
	if err != nil {
		return nil, err
	}
	cfg.Session.Backend = backend

	return cfg, nil
}

// ask prompts until validate accepts the answer. An empty answer keeps current.
func (w *Wizard) ask(prompt, current string, validate func(string) error) (string, error) {
	for {
		if current != "" {
			fmt.Fprintf(w.out, "%s [%s]: ", prompt, current)
		} else {
			fmt.Fprintf(w.out, "%s: ", prompt)
		}

		answer, err := w.readLine()
		if err != nil {
			return "", err
		}
		if answer == "" {
			answer = current
		}
		if validate == nil {
			return answer, nil
		}
		if err := validate(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
