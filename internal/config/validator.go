package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateAPIKey reports an empty key. Google keys are not prefix-checked.
func (v *Validator) ValidateAPIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("gemini API key is not set (config gemini.api_key or %s)", apiKeyEnv)
	}
	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.ContainsAny(model, "/: ") {
		return fmt.Errorf("invalid model name: %q", model)
	}
	return nil
}

// ValidateBaseURL requires an absolute http(s) URL
func (v *Validator) ValidateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base url must be http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("base url has no host: %q", raw)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule parses a cron spec or descriptor such as "@every 1m"
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return fmt.Errorf("sweep schedule cannot be empty")
	}
	if _, err := v.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation. The API key is reported
// separately through ValidateAPIKey because it is only a warning at startup.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := v.ValidateBaseURL(cfg.Gemini.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("gemini: %w", err))
	}
	if err := v.ValidateModel(cfg.Gemini.Model); err != nil {
		errs = append(errs, fmt.Errorf("gemini: %w", err))
	}
	if cfg.Gemini.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("gemini: timeout_seconds must be positive"))
	}
	if err := v.ValidateSchedule(cfg.Sessions.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if cfg.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions: max_sessions must be >= 0"))
	}
	if cfg.Sessions.IdleTTLMinutes > 0 && cfg.IdleTTL() <= cfg.UpstreamTimeout() {
		errs = append(errs, fmt.Errorf("sessions: idle ttl %s must exceed upstream timeout %s", cfg.IdleTTL(), cfg.UpstreamTimeout()))
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
