// Package config handles configuration management with validation:
// layered YAML with env expansion and a per-section Validate(),
// covering this engine's static surface — a single exchange
// endpoint, the webhook/admin/health HTTP ports, the SQLite path, the
// reconciler's tick interval, and the credential-vault encryption key.
// Per-user trading settings (sizing, SL/TP method, filters) are NOT
// here — those live in the database and are assembled by
// internal/policy at request time, never in this static file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration structure.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	System     SystemConfig     `yaml:"system"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	// EngineType selects how the Opener places its side effects:
	// "simple" runs steps directly, "dbos" wraps each one in a
	// DBOS durable workflow step so a crash mid-open resumes instead
	// of double-placing orders.
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL string `yaml:"database_url"` // DBOS's own Postgres-backed workflow store; required when engine_type=dbos
}

// ExchangeConfig is the single exchange endpoint this deployment
// trades against. Per-user API keys live encrypted in the database
// (see internal/vault) — this section carries the shared endpoint
// shape plus the one key that decrypts those stored credentials.
type ExchangeConfig struct {
	Name          string `yaml:"name" validate:"required,oneof=bitget"`
	BaseURL       string `yaml:"base_url"`
	EncryptionKey Secret `yaml:"encryption_key" validate:"required"` // raw 16/24/32-byte AES key (used as-is, not base64-decoded), decrypting internal/vault rows
}

// ServerConfig contains the HTTP surfaces this engine exposes.
type ServerConfig struct {
	WebhookPort          int      `yaml:"webhook_port" validate:"required,min=1,max=65535"`
	HealthPort           int      `yaml:"health_port" validate:"required,min=1,max=65535"`
	AdminPort            int      `yaml:"admin_port" validate:"required,min=1,max=65535"`
	AdminAPIKeys         []Secret `yaml:"admin_api_keys" validate:"required,min=1"`
	AdminRateLimitPerKey int      `yaml:"admin_rate_limit_per_key" validate:"min=1,max=10000"`
}

// DatabaseConfig is the SQLite-backed persistence layer's path.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// SystemConfig contains system-wide settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ReconcilerConfig controls the reconciler's scheduling.
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds" validate:"required,min=1,max=3600"`
}

// DispatcherConfig controls the signal dispatcher's fan-out.
type DispatcherConfig struct {
	MaxConcurrentUsers int `yaml:"max_concurrent_users" validate:"min=1,max=1000"`
}

// TelemetryConfig contains OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port" validate:"min=0,max=65535"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertingConfig selects the operational alert channels (raised when a
// reconciliation cycle fails), not signal alerts.
type AlertingConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment
// variable expansion.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchangeConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateServerConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDatabaseConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateReconcilerConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{Field: "app.database_url", Message: "required when app.engine_type is 'dbos'"}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	validExchanges := []string{"bitget"}
	if !contains(validExchanges, c.Exchange.Name) {
		return ValidationError{Field: "exchange.name", Value: c.Exchange.Name, Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", "))}
	}
	if c.Exchange.EncryptionKey == "" {
		return ValidationError{Field: "exchange.encryption_key", Message: "required to decrypt stored user credentials"}
	}
	switch len(c.Exchange.EncryptionKey) {
	case 16, 24, 32:
	default:
		return ValidationError{Field: "exchange.encryption_key", Message: "must be exactly 16, 24, or 32 bytes (AES-128/192/256)"}
	}
	return nil
}

func (c *Config) validateServerConfig() error {
	if len(c.Server.AdminAPIKeys) == 0 {
		return ValidationError{Field: "server.admin_api_keys", Message: "at least one admin API key is required"}
	}
	return nil
}

func (c *Config) validateDatabaseConfig() error {
	if c.Database.Path == "" {
		return ValidationError{Field: "database.path", Message: "required"}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

func (c *Config) validateReconcilerConfig() error {
	if c.Reconciler.IntervalSeconds <= 0 {
		return ValidationError{Field: "reconciler.interval_seconds", Message: "must be positive"}
	}
	return nil
}

// String returns a string representation of the configuration with
// every Secret field already self-redacting through yaml.Marshal.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar reports whether key names one of the secrets this
// engine decrypts or authenticates with. expandEnvVars expands every
// unset variable to the empty string, whether it is in this list or not.
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BITGET_ENCRYPTION_KEY", "DATABASE_URL",
		"ADMIN_API_KEY", "SLACK_WEBHOOK_URL", "TELEGRAM_BOT_TOKEN",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration, useful for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{EngineType: "simple"},
		Exchange: ExchangeConfig{
			Name:          "bitget",
			EncryptionKey: Secret(strings.Repeat("k", 32)),
		},
		Server: ServerConfig{
			WebhookPort:          8080,
			HealthPort:           8081,
			AdminPort:            8082,
			AdminAPIKeys:         []Secret{"dev-admin-key"},
			AdminRateLimitPerKey: 100,
		},
		Database:   DatabaseConfig{Path: "./sentryguard.db"},
		System:     SystemConfig{LogLevel: "INFO"},
		Reconciler: ReconcilerConfig{IntervalSeconds: 5},
		Dispatcher: DispatcherConfig{MaxConcurrentUsers: 10},
	}
}
