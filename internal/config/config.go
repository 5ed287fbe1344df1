package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main biblechat configuration
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Gemini   GeminiConfig   `json:"gemini" mapstructure:"gemini"`
	Prompt   PromptConfig   `json:"prompt" mapstructure:"prompt"`
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP boundary configuration
type ServerConfig struct {
	Host                   string   `json:"host" mapstructure:"host"`
	Port                   int      `json:"port" mapstructure:"port"`
	AllowedOrigins         []string `json:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// GeminiConfig holds upstream provider configuration
type GeminiConfig struct {
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	Model          string `json:"model" mapstructure:"model"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// PromptConfig points at the Markdown system prompt
type PromptConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// SessionsConfig bounds the in-memory session store
type SessionsConfig struct {
	MaxSessions    int    `json:"max_sessions" mapstructure:"max_sessions"`
	IdleTTLMinutes int    `json:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"`
	SweepSchedule  string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"` // session lifecycle events, empty disables
}

// TracingConfig toggles OpenTelemetry
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			AllowedOrigins:         []string{"http://localhost:3000"},
			ShutdownTimeoutSeconds: 10,
		},
		Gemini: GeminiConfig{
			BaseURL:        "https://generativelanguage.googleapis.com",
			Model:          "gemini-1.5-flash",
			TimeoutSeconds: 30,
		},
		Prompt: PromptConfig{
			Path: "Prompts/SystemPrompt.md",
		},
		Sessions: SessionsConfig{
			MaxSessions:    10000,
			IdleTTLMinutes: 120,
			SweepSchedule:  "@every 1m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "biblechat",
		},
	}
}

// Addr returns host:port for the HTTP listener
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// UpstreamTimeout is the deadline applied to each provider call
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Gemini.TimeoutSeconds) * time.Second
}

// IdleTTL is how long a session may sit unused before eviction
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Sessions.IdleTTLMinutes) * time.Minute
}

// ShutdownTimeout bounds graceful shutdown
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Gemini.APIKey != "" {
		masked.Gemini.APIKey = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks structural validity. A missing API key is not an error here;
// it surfaces on the first upstream call.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Gemini.BaseURL == "" {
		return fmt.Errorf("gemini base_url is required")
	}
	if c.Gemini.Model == "" {
		return fmt.Errorf("gemini model is required")
	}
	if c.Gemini.TimeoutSeconds <= 0 {
		return fmt.Errorf("gemini timeout_seconds must be positive, got %d", c.Gemini.TimeoutSeconds)
	}
	if c.Prompt.Path == "" {
		return fmt.Errorf("prompt path is required")
	}
	if c.Sessions.MaxSessions < 0 {
		return fmt.Errorf("sessions max_sessions must be >= 0")
	}
	if c.Sessions.IdleTTLMinutes < 0 {
		return fmt.Errorf("sessions idle_ttl_minutes must be >= 0")
	}
	return nil
}
