package model

import "fmt"

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderEcho      = "echo"
)

// New creates a client for the named provider.
func New(provider string, cfg ProviderConfig) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropicClient(cfg), nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAIClient(cfg), nil
	case ProviderEcho, "":
		return NewEchoClient(cfg.Budget), nil
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", provider)
	}
}
