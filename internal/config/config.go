// Package config loads docsage configuration from YAML or JSON5 files,
// .env files, and DOCSAGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/docsage/internal/toolserver"
)

// Config is the main configuration structure for docsage.
type Config struct {
	Version       int                 `yaml:"version"`
	LLM           LLMConfig           `yaml:"llm"`
	Agent         AgentConfig         `yaml:"agent"`
	ToolServer    toolserver.Config   `yaml:"tool_server"`
	History       HistoryConfig       `yaml:"history"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type LLMConfig struct {
	Provider  string                       `yaml:"provider"`
	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// DirectAnswerPolicy decides what happens when the planner answers without
// calling a tool.
type DirectAnswerPolicy string

const (
	// DirectAnswersAllow shows the planner's direct answer as-is.
	DirectAnswersAllow DirectAnswerPolicy = "allow"
	// DirectAnswersDecline replaces it with the no-grounding answer.
	DirectAnswersDecline DirectAnswerPolicy = "decline"
)

// AgentConfig is copied into each session and never changes while it runs.
type AgentConfig struct {
	// Model overrides the provider's default model.
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`

	// RequestTimeout bounds each model request and each tool invocation.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the number of retries after the first failed model
	// request. Negative disables retries.
	MaxRetries int `yaml:"max_retries"`

	// MaxHistoryTurns is how many user/assistant pairs a conversation keeps.
	MaxHistoryTurns int `yaml:"max_history_turns"`

	DirectAnswers  DirectAnswerPolicy `yaml:"direct_answers"`
	AllowDirectAsk bool               `yaml:"allow_direct_ask"`
}

// Retries returns MaxRetries with negative values clamped to zero.
func (a AgentConfig) Retries() int {
	if a.MaxRetries < 0 {
		return 0
	}
	return a.MaxRetries
}

type HistoryConfig struct {
	// Backend is memory, json, sqlite, or postgres.
	Backend string `yaml:"backend"`
	// Path is the JSON file or SQLite database.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// CurrentVersion is the newest configuration file version this build reads.
const CurrentVersion = 1

const (
	DefaultProvider        = "openai"
	DefaultModel           = "gpt-4o-mini"
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultRequestTimeout  = 60 * time.Second
	DefaultMaxRetries      = 3
	DefaultMaxHistoryTurns = 20
)

var (
	validProviders = map[string]bool{"openai": true, "anthropic": true, "google": true}
	validBackends  = map[string]bool{"memory": true, "json": true, "sqlite": true, "postgres": true}
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, resolves includes, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		raw, err := LoadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		decoded, err := decodeRawConfig(raw)
		if err != nil {
			return nil, err
		}
		cfg = decoded
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = DefaultProvider
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	if cfg.LLM.Provider == "openai" {
		p := cfg.LLM.Providers["openai"]
		if p.BaseURL == "" {
			p.BaseURL = DefaultOpenAIBaseURL
		}
		if p.DefaultModel == "" {
			p.DefaultModel = DefaultModel
		}
		cfg.LLM.Providers["openai"] = p
	}

	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Agent.MaxRetries == 0 {
		cfg.Agent.MaxRetries = DefaultMaxRetries
	}
	if cfg.Agent.MaxHistoryTurns == 0 {
		cfg.Agent.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if cfg.Agent.DirectAnswers == "" {
		cfg.Agent.DirectAnswers = DirectAnswersAllow
	}

	if cfg.ToolServer.Command == "" {
		def := toolserver.DefaultConfig()
		cfg.ToolServer.Command = def.Command
		if cfg.ToolServer.Args == nil {
			cfg.ToolServer.Args = def.Args
		}
	}
	cfg.ToolServer.ApplyDefaults()

	if cfg.History.Backend == "" {
		cfg.History.Backend = "json"
	}
	if cfg.History.Path == "" && (cfg.History.Backend == "json" || cfg.History.Backend == "sqlite") {
		cfg.History.Path = defaultHistoryPath(cfg.History.Backend)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

func defaultHistoryPath(backend string) string {
	name := "history.json"
	if backend == "sqlite" {
		name = "history.db"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".docsage", name)
	}
	return filepath.Join(home, ".docsage", name)
}

// ProviderConfig returns the settings for the selected provider.
func (c *Config) ProviderConfig() LLMProviderConfig {
	return c.LLM.Providers[c.LLM.Provider]
}

// ModelName is the agent model override or the provider default.
func (c *Config) ModelName() string {
	if c.Agent.Model != "" {
		return c.Agent.Model
	}
	return c.ProviderConfig().DefaultModel
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch {
	case c.Version < 1:
		errs = append(errs, fmt.Errorf("version %d is invalid", c.Version))
	case c.Version > CurrentVersion:
		errs = append(errs, fmt.Errorf("version %d is newer than this build supports (%d); upgrade docsage", c.Version, CurrentVersion))
	}
	if !validProviders[c.LLM.Provider] {
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported (openai, anthropic, google)", c.LLM.Provider))
	}
	for name := range c.LLM.Providers {
		if !validProviders[name] {
			errs = append(errs, fmt.Errorf("llm.providers.%s is not a supported provider", name))
		}
	}
	if c.Agent.RequestTimeout < 0 {
		errs = append(errs, errors.New("agent.request_timeout must not be negative"))
	}
	if c.Agent.MaxHistoryTurns < 0 {
		errs = append(errs, errors.New("agent.max_history_turns must not be negative"))
	}
	switch c.Agent.DirectAnswers {
	case DirectAnswersAllow, DirectAnswersDecline:
	default:
		errs = append(errs, fmt.Errorf("agent.direct_answers must be %q or %q, got %q",
			DirectAnswersAllow, DirectAnswersDecline, c.Agent.DirectAnswers))
	}
	if err := c.ToolServer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tool_server: %w", err))
	}
	if !validBackends[c.History.Backend] {
		errs = append(errs, fmt.Errorf("history.backend %q is not supported (memory, json, sqlite, postgres)", c.History.Backend))
	}
	if c.History.Backend == "postgres" && strings.TrimSpace(c.History.DSN) == "" {
		errs = append(errs, errors.New("history.dsn is required for the postgres backend"))
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate must be between 0 and 1, got %v", rate))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}
