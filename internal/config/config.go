// Package config loads service settings from the environment and the rules
// file.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/yourorg/agentguard/internal/auth"
	"github.com/yourorg/agentguard/internal/sanitize"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"

	FailureModeDegraded = "degraded"
	FailureModeStrict   = "strict"
)

type Config struct {
	SuccessLogPath   string `env:"AGENTGUARD_SUCCESS_LOG" envDefault:"multi_agent_log.jsonl"`
	ErrorLogPath     string `env:"AGENTGUARD_ERROR_LOG" envDefault:"multi_agent_error_log.jsonl"`
	ViolationBackend string `env:"AGENTGUARD_VIOLATION_BACKEND" envDefault:"json"`
	ViolationStore   string `env:"AGENTGUARD_VIOLATION_STORE" envDefault:"violation_log.json"`
	RulesPath        string `env:"AGENTGUARD_RULES" envDefault:"agentguard_rules.yaml"`
	HTTPAddr         string `env:"AGENTGUARD_HTTP_ADDR" envDefault:":8080"`
	RatePerMinute    int    `env:"AGENTGUARD_RATE_PER_MIN" envDefault:"120"`
	MaxFieldLen      int    `env:"AGENTGUARD_MAX_FIELD_LEN" envDefault:"100"`
	AuditFailureMode string `env:"AGENTGUARD_AUDIT_FAILURE_MODE" envDefault:"degraded"`
	OTelEndpoint     string `env:"AGENTGUARD_OTEL_ENDPOINT"`
	KeysPath         string `env:"AGENTGUARD_API_KEYS" envDefault:"agentguard_keys.yaml"`
	LogLevel         string `env:"AGENTGUARD_LOG_LEVEL" envDefault:"full"`
	MaxEntryBytes    int    `env:"AGENTGUARD_MAX_ENTRY_BYTES" envDefault:"0"`
	ExcludePII       bool   `env:"AGENTGUARD_EXCLUDE_PII" envDefault:"true"`

	Auth auth.Config `envPrefix:"AGENTGUARD_AUTH_"`
}

// LoadConfig reads Config from the environment and checks enumerated values.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.ViolationBackend = strings.ToLower(strings.TrimSpace(cfg.ViolationBackend))
	cfg.AuditFailureMode = strings.ToLower(strings.TrimSpace(cfg.AuditFailureMode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Auth.HashAlgorithm = strings.ToLower(strings.TrimSpace(cfg.Auth.HashAlgorithm))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.ViolationBackend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("AGENTGUARD_VIOLATION_BACKEND must be %q or %q, got %q", BackendJSON, BackendSQLite, c.ViolationBackend)
	}
	switch c.AuditFailureMode {
	case FailureModeDegraded, FailureModeStrict:
	default:
		return fmt.Errorf("AGENTGUARD_AUDIT_FAILURE_MODE must be %q or %q, got %q", FailureModeDegraded, FailureModeStrict, c.AuditFailureMode)
	}
	if c.RatePerMinute <= 0 {
		return fmt.Errorf("AGENTGUARD_RATE_PER_MIN must be positive, got %d", c.RatePerMinute)
	}
	if _, err := sanitize.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("AGENTGUARD_LOG_LEVEL: %w", err)
	}
	if c.MaxEntryBytes < 0 {
		return fmt.Errorf("AGENTGUARD_MAX_ENTRY_BYTES must not be negative, got %d", c.MaxEntryBytes)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("AGENTGUARD_AUTH: %w", err)
	}
	return nil
}

// Strict reports whether audit failures should stop new operations.
func (c Config) Strict() bool { return c.AuditFailureMode == FailureModeStrict }

// Sanitize returns the redaction settings for the audit pipeline.
func (c Config) Sanitize() sanitize.Config {
	cfg := sanitize.DefaultConfig()
	cfg.MaxFieldLen = c.MaxFieldLen
	cfg.RedactEmails = c.ExcludePII
	cfg.RedactPhones = c.ExcludePII
	cfg.Level, _ = sanitize.ParseLevel(c.LogLevel)
	cfg.MaxEntryBytes = c.MaxEntryBytes
	return cfg
}
