// Package config loads convoke configuration from a TOML file, layering
// defaults, file values, and environment overrides in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/rparkins/convoke/engine"
)

// Config is the on-disk configuration.
type Config struct {
	Agent AgentConfig `toml:"agent"`
	LLM   LLMConfig   `toml:"llm"`
	Store StoreConfig `toml:"store"`
	Tools ToolsConfig `toml:"tools"`
}

// AgentConfig controls the turn loop.
type AgentConfig struct {
	Model          string   `toml:"model"`
	SystemPrompt   string   `toml:"system_prompt"`
	RetainHistory  bool     `toml:"retain_history"`
	HistoryCeiling int      `toml:"history_ceiling"`
	ToolsEnabled   bool     `toml:"tools_enabled"`
	ToolAllowlist  []string `toml:"tool_allowlist"`
	Streaming      bool     `toml:"streaming"`
	MaxToolRounds  int      `toml:"max_tool_rounds"`
	Temperature    *float64 `toml:"temperature"`
	TopP           *float64 `toml:"top_p"`
	MaxTokens      *int     `toml:"max_tokens"`
}

// LLMConfig selects and authenticates the provider backend.
type LLMConfig struct {
	Provider   string `toml:"provider"`
	APIKey     string `toml:"api_key"`
	MaxRetries int    `toml:"max_retries"`
}

// StoreConfig controls persistence.
type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ToolsConfig controls the tool environment.
type ToolsConfig struct {
	WorkingDir     string   `toml:"working_dir"`
	ShellTimeout   int      `toml:"shell_timeout_seconds"`
	MCPServers     []string `toml:"mcp_servers"`
	MaxOutputBytes int      `toml:"max_output_bytes"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:         "claude-sonnet-4-5",
			RetainHistory: true,
			ToolsEnabled:  true,
			Streaming:     true,
			MaxToolRounds: 200,
		},
		LLM: LLMConfig{
			MaxRetries: 2,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    defaultStorePath(),
		},
		Tools: ToolsConfig{
			ShellTimeout:   120,
			MaxOutputBytes: 50_000,
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "convoke.db"
	}
	return filepath.Join(home, ".convoke", "convoke.db")
}

// Load reads the config file at path, if it exists, on top of defaults and
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over file values. CONVOKE_* variables
// take precedence over provider-conventional ones.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONVOKE_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("CONVOKE_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("CONVOKE_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if c.LLM.APIKey == "" {
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			c.LLM.APIKey = v
		} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("CONVOKE_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("CONVOKE_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Agent.MaxToolRounds = n
		}
	}
	if v := os.Getenv("CONVOKE_STREAMING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Agent.Streaming = b
		}
	}
}

func (c *Config) validate() error {
	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model must be set")
	}
	if c.Agent.MaxToolRounds < 1 {
		return fmt.Errorf("agent.max_tool_rounds must be at least 1, got %d", c.Agent.MaxToolRounds)
	}
	if c.Agent.HistoryCeiling < 0 {
		return fmt.Errorf("agent.history_ceiling must not be negative, got %d", c.Agent.HistoryCeiling)
	}
	if c.Store.Enabled && c.Store.Path == "" {
		return fmt.Errorf("store.path must be set when store.enabled is true")
	}
	return nil
}

// EngineConfig converts the loaded configuration into an engine.Config.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig(c.Agent.Model)
	ec.SystemPrompt = c.Agent.SystemPrompt
	ec.Provider = c.LLM.Provider
	ec.RetainHistory = c.Agent.RetainHistory
	ec.HistoryCeiling = c.Agent.HistoryCeiling
	ec.ToolsEnabled = c.Agent.ToolsEnabled
	ec.ToolAllowlist = c.Agent.ToolAllowlist
	ec.Streaming = c.Agent.Streaming
	ec.MaxToolRounds = c.Agent.MaxToolRounds
	ec.Temperature = c.Agent.Temperature
	ec.TopP = c.Agent.TopP
	ec.MaxTokens = c.Agent.MaxTokens
	return ec
}

// Save writes the configuration to path, creating parent directories.
// Written with 0600 since the file may carry an API key.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
