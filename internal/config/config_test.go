package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  engine_type: "simple"

exchange:
  name: "bitget"
  encryption_key: "${TEST_ENCRYPTION_KEY}"

server:
  webhook_port: 8080
  health_port: 8081
  admin_port: 8082
  admin_api_keys: ["${TEST_ADMIN_API_KEY}"]
  admin_rate_limit_per_key: 100

database:
  path: "./test.db"

system:
  log_level: "INFO"

reconciler:
  interval_seconds: 5
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_ENCRYPTION_KEY", strings.Repeat("k", 32))
	os.Setenv("TEST_ADMIN_API_KEY", "admin_key_from_env")
	defer os.Unsetenv("TEST_ENCRYPTION_KEY")
	defer os.Unsetenv("TEST_ADMIN_API_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret(strings.Repeat("k", 32)), cfg.Exchange.EncryptionKey)
	require.Len(t, cfg.Server.AdminAPIKeys, 1)
	assert.Equal(t, Secret("admin_key_from_env"), cfg.Server.AdminAPIKeys[0])
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"encryption key is critical", "BITGET_ENCRYPTION_KEY", true},
		{"database url is critical", "DATABASE_URL", true},
		{"admin api key is critical", "ADMIN_API_KEY", true},
		{"slack webhook is critical", "SLACK_WEBHOOK_URL", true},
		{"telegram bot token is critical", "TELEGRAM_BOT_TOKEN", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		Exchange: ExchangeConfig{
			Name:          "bitget",
			EncryptionKey: Secret("my_super_secret_encryption_key12"),
		},
		Server: ServerConfig{
			AdminAPIKeys: []Secret{"my_super_secret_admin_key"},
		},
		Alerting: AlertingConfig{
			SlackWebhookURL: Secret("my_super_secret_webhook_url"),
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "REDACTED", "output should contain the redaction marker")
	assert.NotContains(t, output, "my_super_secret_encryption_key12", "output should NOT contain the full encryption key")
	assert.NotContains(t, output, "my_super_secret_admin_key", "output should NOT contain the full admin API key")
	assert.NotContains(t, output, "my_super_secret_webhook_url", "output should NOT contain the full webhook URL")
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	assert.NoError(t, valid.Validate())

	missingEncryptionKey := DefaultConfig()
	missingEncryptionKey.Exchange.EncryptionKey = ""
	assert.Error(t, missingEncryptionKey.Validate())

	badEngineType := DefaultConfig()
	badEngineType.App.EngineType = "dbos"
	badEngineType.App.DatabaseURL = ""
	assert.Error(t, badEngineType.Validate())

	noAdminKeys := DefaultConfig()
	noAdminKeys.Server.AdminAPIKeys = nil
	assert.Error(t, noAdminKeys.Validate())
}
