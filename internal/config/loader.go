package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigFile is used when no --config flag is given
	DefaultConfigFile = "biblechat.json"

	envPrefix = "BIBLECHAT"

	// apiKeyEnv is the bare variable name honoured for the Gemini key
	apiKeyEnv = "GEMINI_API_KEY"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
	envFile    string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
	}
}

// WithEnvFile overrides the dotenv file consulted for GEMINI_API_KEY
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// Load merges defaults, the optional JSON file, BIBLECHAT_* env overrides
// and GEMINI_API_KEY, in increasing priority.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	configPath := l.GetConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if l.configPath != "" && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Gemini.APIKey == "" {
		key, err := l.apiKeyFromEnv()
		if err != nil {
			return nil, err
		}
		cfg.Gemini.APIKey = key
	}

	return cfg, nil
}

// apiKeyFromEnv reads GEMINI_API_KEY from the process environment, falling back to the dotenv file
func (l *Loader) apiKeyFromEnv() (string, error) {
	if key := strings.TrimSpace(os.Getenv(apiKeyEnv)); key != "" {
		return key, nil
	}
	if l.envFile == "" {
		return "", nil
	}
	if _, err := os.Stat(l.envFile); err != nil {
		return "", nil
	}

	env := viper.New()
	env.SetConfigFile(l.envFile)
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return "", fmt.Errorf("failed to read env file %s: %w", l.envFile, err)
	}
	return strings.TrimSpace(env.GetString(apiKeyEnv)), nil
}

// setDefaults registers every key so AutomaticEnv can override values absent from the file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout_seconds", cfg.Server.ShutdownTimeoutSeconds)

	v.SetDefault("gemini.api_key", cfg.Gemini.APIKey)
	v.SetDefault("gemini.base_url", cfg.Gemini.BaseURL)
	v.SetDefault("gemini.model", cfg.Gemini.Model)
	v.SetDefault("gemini.timeout_seconds", cfg.Gemini.TimeoutSeconds)

	v.SetDefault("prompt.path", cfg.Prompt.Path)
	v.SetDefault("prompt.watch", cfg.Prompt.Watch)

	v.SetDefault("sessions.max_sessions", cfg.Sessions.MaxSessions)
	v.SetDefault("sessions.idle_ttl_minutes", cfg.Sessions.IdleTTLMinutes)
	v.SetDefault("sessions.sweep_schedule", cfg.Sessions.SweepSchedule)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

// Save writes cfg as JSON to the loader's path
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", cfg.Server)
	v.Set("gemini", cfg.Gemini)
	v.Set("prompt", cfg.Prompt)
	v.Set("sessions", cfg.Sessions)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultConfigFile
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
