// Package config loads taskforge settings from a config file, TASKFORGE_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/martinemde/taskforge/agentloop"
	"github.com/martinemde/taskforge/internal/logging"
	"github.com/martinemde/taskforge/unifiedllm"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// TASKFORGE_MODEL_PROVIDER or TASKFORGE_LIMITS_MAX_TOOL_CALLS.
const EnvPrefix = "TASKFORGE"

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Model    ModelConfig    `mapstructure:"model"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Store    StoreConfig    `mapstructure:"store"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Debug        bool          `mapstructure:"debug"`
}

// ModelConfig selects the model backend.
type ModelConfig struct {
	Provider          string `mapstructure:"provider"` // anthropic, or any gollm provider
	Name              string `mapstructure:"name"`
	APIKey            string `mapstructure:"api_key"`
	MaxTokens         int    `mapstructure:"max_tokens"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // 0 = unlimited
	Burst             int    `mapstructure:"burst"`
}

// SessionsConfig holds manager admission and retention settings.
type SessionsConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	Retention     time.Duration `mapstructure:"retention"`
	MaxRetained   int           `mapstructure:"max_retained"`
}

// LimitsConfig holds the default per-session limits.
type LimitsConfig struct {
	Timeout                time.Duration `mapstructure:"timeout"`
	MaxToolCalls           int           `mapstructure:"max_tool_calls"`
	MaxCostUnits           int           `mapstructure:"max_cost_units"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	MaxModelAttempts       int           `mapstructure:"max_model_attempts"`
	ContextBudget          int           `mapstructure:"context_budget"`
	LoopDetection          bool          `mapstructure:"loop_detection"`
	LoopDetectionWindow    int           `mapstructure:"loop_detection_window"`
	Instructions           string        `mapstructure:"instructions"`
}

// RetryConfig configures backoff between model attempts.
type RetryConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     bool          `mapstructure:"jitter"`
}

// SandboxConfig configures tool execution.
type SandboxConfig struct {
	Workspace      string        `mapstructure:"workspace"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	MaxOutput      int           `mapstructure:"max_output"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	TestTimeout    time.Duration `mapstructure:"test_timeout"`
	Display        string        `mapstructure:"display"` // X display for the computer tool; empty disables it
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	File      string `mapstructure:"file"`
	Console   bool   `mapstructure:"console"`
	Pretty    bool   `mapstructure:"pretty"`
	Redaction bool   `mapstructure:"redaction"`
}

// StoreConfig configures the session archive.
type StoreConfig struct {
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	session := agentloop.DefaultSessionConfig()
	manager := agentloop.DefaultManagerConfig()
	retry := unifiedllm.DefaultRetryPolicy()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.debug", false)

	v.SetDefault("model.provider", "anthropic")
	v.SetDefault("model.name", "")
	v.SetDefault("model.api_key", "")
	v.SetDefault("model.max_tokens", session.MaxTokens)
	v.SetDefault("model.requests_per_minute", 0)
	v.SetDefault("model.burst", 1)

	v.SetDefault("sessions.max_concurrent", manager.MaxConcurrent)
	v.SetDefault("sessions.retention", manager.Retention)
	v.SetDefault("sessions.max_retained", manager.MaxRetained)

	v.SetDefault("limits.timeout", session.Timeout)
	v.SetDefault("limits.max_tool_calls", session.MaxToolCalls)
	v.SetDefault("limits.max_cost_units", session.MaxCostUnits)
	v.SetDefault("limits.max_consecutive_failures", session.MaxConsecutiveFailures)
	v.SetDefault("limits.max_model_attempts", session.MaxModelAttempts)
	v.SetDefault("limits.context_budget", 0)
	v.SetDefault("limits.loop_detection", session.EnableLoopDetection)
	v.SetDefault("limits.loop_detection_window", session.LoopDetectionWindow)
	v.SetDefault("limits.instructions", "")

	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.multiplier", retry.BackoffMultiplier)
	v.SetDefault("retry.jitter", retry.Jitter)

	v.SetDefault("sandbox.workspace", ".")
	v.SetDefault("sandbox.default_timeout", 10*time.Second)
	v.SetDefault("sandbox.max_timeout", 10*time.Minute)
	v.SetDefault("sandbox.max_output", 30000)
	v.SetDefault("sandbox.command_timeout", 10*time.Second)
	v.SetDefault("sandbox.test_timeout", 5*time.Minute)
	v.SetDefault("sandbox.display", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.redaction", true)

	v.SetDefault("store.path", "taskforge.db")
	v.SetDefault("store.enabled", true)
}

// New returns a viper instance with defaults and environment binding
// installed. Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) into v and decodes the result. A missing
// file is an error only when path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("taskforge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.taskforge")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Model.APIKey == "" && cfg.Model.Provider == "anthropic" {
		cfg.Model.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the runtime cannot use.
func (c *Config) Validate() error {
	var errs []error
	if c.Model.Provider == "" {
		errs = append(errs, errors.New("model.provider is required"))
	}
	if c.Model.MaxTokens <= 0 {
		errs = append(errs, errors.New("model.max_tokens must be positive"))
	}
	if c.Sessions.MaxConcurrent < 0 {
		errs = append(errs, errors.New("sessions.max_concurrent must not be negative"))
	}
	if c.Sessions.MaxRetained < 0 {
		errs = append(errs, errors.New("sessions.max_retained must not be negative"))
	}
	if c.Limits.Timeout <= 0 {
		errs = append(errs, errors.New("limits.timeout must be positive"))
	}
	if c.Limits.MaxToolCalls < 0 || c.Limits.MaxCostUnits < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Limits.MaxConsecutiveFailures < 1 {
		errs = append(errs, errors.New("limits.max_consecutive_failures must be at least 1"))
	}
	if c.Limits.MaxModelAttempts < 1 {
		errs = append(errs, errors.New("limits.max_model_attempts must be at least 1"))
	}
	if c.Sandbox.MaxTimeout > 0 && c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		errs = append(errs, errors.New("sandbox.default_timeout exceeds sandbox.max_timeout"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SessionConfig returns the default session settings.
func (c *Config) SessionConfig() agentloop.SessionConfig {
	return agentloop.SessionConfig{
		Model:                  c.Model.Name,
		Provider:               c.Model.Provider,
		MaxTokens:              c.Model.MaxTokens,
		Timeout:                c.Limits.Timeout,
		MaxToolCalls:           c.Limits.MaxToolCalls,
		MaxCostUnits:           c.Limits.MaxCostUnits,
		MaxConsecutiveFailures: c.Limits.MaxConsecutiveFailures,
		MaxModelAttempts:       c.Limits.MaxModelAttempts,
		ContextBudget:          c.Limits.ContextBudget,
		EnableLoopDetection:    c.Limits.LoopDetection,
		LoopDetectionWindow:    c.Limits.LoopDetectionWindow,
		UserInstructions:       c.Limits.Instructions,
	}
}

// ManagerConfig returns the session manager settings.
func (c *Config) ManagerConfig() agentloop.ManagerConfig {
	return agentloop.ManagerConfig{
		MaxConcurrent: c.Sessions.MaxConcurrent,
		Retention:     c.Sessions.Retention,
		MaxRetained:   c.Sessions.MaxRetained,
		Session:       c.SessionConfig(),
	}
}

// RetryPolicy returns the model backoff policy. The attempt count is set per
// session from limits.max_model_attempts.
func (c *Config) RetryPolicy() unifiedllm.RetryPolicy {
	return unifiedllm.RetryPolicy{
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.Multiplier,
		Jitter:            c.Retry.Jitter,
	}
}

// LoggingConfig returns the logger settings.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		Console:   c.Logging.Console,
		Pretty:    c.Logging.Pretty,
		Redaction: c.Logging.Redaction,
	}
}
