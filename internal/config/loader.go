package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/harun/ragent/pkg/model"
)

const (
	envPrefix      = "RAGENT"
	dirName        = ".ragent"
	configFileName = "ragent.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads defaults, then the config file when it exists, then RAGENT_*
// environment variables (RAGENT_MODEL_API_KEY sets model.api_key).
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigType(configType(configPath))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so register every default
	// key for env overrides to apply without a config file.
	if err := setDefaults(v, DefaultConfig()); err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Model.APIKey == "" {
		cfg.Model.APIKey = providerKeyFromEnv(cfg.Model.Provider)
	}
	if cfg.Retrieval.Embedder.Provider == "openai" && cfg.Retrieval.Embedder.APIKey == "" {
		cfg.Retrieval.Embedder.APIKey = providerKeyFromEnv(model.ProviderOpenAI)
	}

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return "json"
	}
}

func setDefaults(v *viper.Viper, cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}
	setDefaultTree(v, "", tree)
	return nil
}

func setDefaultTree(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		if prefix != "" {
			key = prefix + "." + key
		}
		if child, ok := value.(map[string]interface{}); ok {
			setDefaultTree(v, key, child)
			continue
		}
		v.SetDefault(key, value)
	}
}

// providerKeyFromEnv falls back to the provider SDKs' conventional variables.
func providerKeyFromEnv(provider string) string {
	switch provider {
	case model.ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case model.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// ResolvePaths fills unset paths under the data directory.
func (c *Config) ResolvePaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, dirName)
	}

	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "ragent.log")
	}
	if c.Session.Dir == "" {
		c.Session.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Session.DBPath == "" {
		c.Session.DBPath = filepath.Join(c.DataDir, "sessions.db")
	}
	if c.Retrieval.DBPath == "" {
		c.Retrieval.DBPath = filepath.Join(c.DataDir, "index.db")
	}
	if c.Observability.AuditLog == "" {
		c.Observability.AuditLog = filepath.Join(c.DataDir, "audit.log")
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))

	v.Set("model", cfg.Model)
	v.Set("retrieval", cfg.Retrieval)
	v.Set("agent", cfg.Agent)
	v.Set("session", cfg.Session)
	v.Set("tools", cfg.Tools)
	v.Set("evaluation", cfg.Evaluation)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("observability", cfg.Observability)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
