package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBaseURL validates the verification service base URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL must use http or https, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("base URL has no host: %q", raw)
	}

	return nil
}

// ValidateAgentID validates an agent passport id
func (v *Validator) ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent id cannot be empty")
	}

	// Agent passports have format: ap_<hex>
	// Example: ap_a2d10232c6534523812423eec8a1425c
	if !strings.HasPrefix(id, "ap_") {
		return fmt.Errorf("invalid agent id format (should start with ap_)")
	}

	return nil
}

// ValidateTimeoutMS validates the verification timeout
func (v *Validator) ValidateTimeoutMS(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", ms)
	}
	if ms > 300000 {
		return fmt.Errorf("timeout too large (max 300000 ms), got %d", ms)
	}
	return nil
}

// ValidatePolicyID validates a policy pack id
func (v *Validator) ValidatePolicyID(id string) error {
	if id == "" {
		return fmt.Errorf("policy id cannot be empty")
	}

	// Policy packs have format: <domain>.<...>.v<N>
	// Example: finance.payment.refund.v1
	pattern := regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)+\.v\d+$`)
	if !pattern.MatchString(id) {
		return fmt.Errorf("invalid policy id format: %s (expected e.g. finance.payment.refund.v1)", id)
	}

	return nil
}

// ValidateMaxRetries validates the retry attempt limit
func (v *Validator) ValidateMaxRetries(n int) error {
	if n <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", n)
	}
	if n > 10 {
		return fmt.Errorf("max retries too large (max 10), got %d", n)
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

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateBaseURL(cfg.Aport.BaseURL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateAgentID(cfg.Aport.AgentID); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTimeoutMS(cfg.Aport.TimeoutMS); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateMaxRetries(cfg.Client.MaxRetries); err != nil {
		errors = append(errors, err)
	}
	if cfg.Client.BackoffMS < 0 {
		errors = append(errors, fmt.Errorf("client backoff_ms must be >= 0"))
	}

	if cfg.Server.ToolTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("server tool_timeout_seconds must be positive"))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
