package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the relay CLI.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Runner   RunnerConfig   `yaml:"runner"`
	Store    StoreConfig    `yaml:"store"`
	Hooks    []HookConfig   `yaml:"hooks"`
	Subagent SubagentConfig `yaml:"subagent"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name string `yaml:"name"`

	// APIKey may be left empty to read from the conventional environment
	// variable (ANTHROPIC_API_KEY / OPENAI_API_KEY).
	APIKey string `yaml:"api_key"`

	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// RunnerConfig mirrors the engine runner limits.
type RunnerConfig struct {
	MaxIterations           int           `yaml:"max_iterations"`
	MaxWallTime             time.Duration `yaml:"max_wall_time"`
	MaxTokens               int           `yaml:"max_tokens"`
	SystemPrompt            string        `yaml:"system_prompt"`
	QueueMode               string        `yaml:"queue_mode"`
	ContextExceededPatterns []string      `yaml:"context_exceeded_patterns"`
}

// StoreConfig selects session persistence.
type StoreConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database file for the sqlite driver.
	Path string `yaml:"path"`
}

// HookConfig registers one external command handler at a checkpoint.
type HookConfig struct {
	Name       string   `yaml:"name"`
	Checkpoint string   `yaml:"checkpoint"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Priority   int      `yaml:"priority"`
}

// SubagentConfig configures the spawn_subagent tool.
type SubagentConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxDepth      int           `yaml:"max_depth"`
	AllowedTools  []string      `yaml:"allowed_tools"`
	MaxWallTime   time.Duration `yaml:"max_wall_time"`
	MaxIterations int           `yaml:"max_iterations"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error. Default: info.
	Level string `yaml:"level"`

	// Format is "text" or "json". Default: text.
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{Name: "anthropic"},
		Store:    StoreConfig{Driver: "memory"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults.
// A missing path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// resolveAPIKey falls back to the conventional environment variable.
func (c *ProviderConfig) resolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch c.Name {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}
