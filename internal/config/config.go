package config

import (
	"encoding/json"
	"fmt"

	"github.com/aporthq/mcp-policy-gate-go/pkg/aport"
	"github.com/aporthq/mcp-policy-gate-go/pkg/audit"
	"github.com/aporthq/mcp-policy-gate-go/pkg/passport"
)

// Config represents the main policy gate configuration
type Config struct {
	// APort verification service
	Aport AportConfig `json:"aport" mapstructure:"aport"`

	// Policy pack mapping
	Policies PoliciesConfig `json:"policies" mapstructure:"policies"`

	// Decision audit log
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// MCP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// MCP client wrapper
	Client ClientConfig `json:"client" mapstructure:"client"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AportConfig holds the verification service settings
type AportConfig struct {
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	TimeoutMS int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	AgentID   string `json:"agent_id" mapstructure:"agent_id"`
}

// PoliciesConfig points at an optional tool-to-policy override file
type PoliciesConfig struct {
	File  string `json:"file" mapstructure:"file"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// AuditConfig holds the decision log settings
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`

	// RetentionDays bounds how long decisions are kept. Zero disables pruning.
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
}

// ServerConfig holds MCP server settings
type ServerConfig struct {
	Name               string `json:"name" mapstructure:"name"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// ClientConfig holds MCP client wrapper settings
type ClientConfig struct {
	ServerCommand string   `json:"server_command" mapstructure:"server_command"`
	ServerArgs    []string `json:"server_args" mapstructure:"server_args"`
	MaxRetries    int      `json:"max_retries" mapstructure:"max_retries"`
	BackoffMS     int      `json:"backoff_ms" mapstructure:"backoff_ms"`
	RetryOnDenial bool     `json:"retry_on_denial" mapstructure:"retry_on_denial"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Aport: AportConfig{
			BaseURL:   aport.DefaultBaseURL,
			TimeoutMS: aport.DefaultTimeoutMS,
			AgentID:   passport.DefaultAgentID,
		},
		Policies: PoliciesConfig{
			Watch: false,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
			PruneSchedule: audit.DefaultPruneSchedule,
		},
		Server: ServerConfig{
			Name:               "mcp-policy-gate",
			ToolTimeoutSeconds: 30,
		},
		Client: ClientConfig{
			MaxRetries:    passport.DefaultMaxRetries,
			BackoffMS:     1000,
			RetryOnDenial: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Aport.BaseURL == "" {
		return fmt.Errorf("aport base_url is required")
	}
	if c.Aport.TimeoutMS <= 0 {
		return fmt.Errorf("aport timeout_ms must be positive, got %d", c.Aport.TimeoutMS)
	}
	if c.Aport.AgentID == "" {
		return fmt.Errorf("aport agent_id is required")
	}

	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention_days must be >= 0, got %d", c.Audit.RetentionDays)
	}

	if c.Server.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("server tool_timeout_seconds must be positive, got %d", c.Server.ToolTimeoutSeconds)
	}

	if c.Client.MaxRetries <= 0 {
		return fmt.Errorf("client max_retries must be positive, got %d", c.Client.MaxRetries)
	}
	if c.Client.BackoffMS < 0 {
		return fmt.Errorf("client backoff_ms must be >= 0, got %d", c.Client.BackoffMS)
	}

	return nil
}
