package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                 "0.0.0.0",
			Port:                 18890,
			MaxConnectionsPerIP:  10,
			ConnectionRateLimit:  5,
			MaxMessagesPerMinute: 100,
			MaxPayloadBytes:      1 << 20,
			IdleTimeoutMinutes:   30,
			DrainTimeoutSec:      30,
		},
		Storage: StorageConfig{
			DatabasePath:              "~/.trialogue/index.db",
			DiscussionsDir:            "~/.trialogue/discussions",
			BackupsDir:                "~/.trialogue/backups",
			FileOperationMaxRetries:   3,
			FileOperationRetryDelayMS: 100,
			EnableTokenSyncValidation: true,
			AutoRepairTokenSync:       true,
		},
		Discussion: DiscussionConfig{
			TokenLimit:            4000,
			StaleThresholdMinutes: 60,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			Anthropic: ProviderConfig{
				Model: "claude-sonnet-4-5-20250929",
			},
			OpenAI: ProviderConfig{
				Model: "gpt-4o",
			},
		},
		Alerts: AlertsConfig{
			ErrorRateThreshold: 0.05,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "trialogue",
			Protocol:    "grpc",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults. A .env file in the working directory is read
// first so both sources feed the same overlay.
func Load(path string) (*Config, error) {
	godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Discussion behavior
	envInt("DISCUSSION_TOKEN_LIMIT", &c.Discussion.TokenLimit)
	envInt("DISCUSSION_STALE_THRESHOLD_MINUTES", &c.Discussion.StaleThresholdMinutes)

	// Storage roots and retry policy
	envStr("DATABASE_PATH", &c.Storage.DatabasePath)
	envStr("DISCUSSIONS_DIR", &c.Storage.DiscussionsDir)
	envStr("BACKUPS_DIR", &c.Storage.BackupsDir)
	envInt("FILE_OPERATION_MAX_RETRIES", &c.Storage.FileOperationMaxRetries)
	envInt("FILE_OPERATION_RETRY_DELAY_MS", &c.Storage.FileOperationRetryDelayMS)
	envBool("ENABLE_TOKEN_SYNC_VALIDATION", &c.Storage.EnableTokenSyncValidation)
	envBool("AUTO_REPAIR_TOKEN_SYNC", &c.Storage.AutoRepairTokenSync)

	// Gateway limits
	envStr("GATEWAY_HOST", &c.Gateway.Host)
	envInt("GATEWAY_PORT", &c.Gateway.Port)
	envInt("MAX_CONNECTIONS_PER_IP", &c.Gateway.MaxConnectionsPerIP)
	envInt("CONNECTION_RATE_LIMIT", &c.Gateway.ConnectionRateLimit)
	envInt("MAX_MESSAGES_PER_MINUTE", &c.Gateway.MaxMessagesPerMinute)
	envInt("MAX_PAYLOAD_BYTES", &c.Gateway.MaxPayloadBytes)
	envInt("IDLE_TIMEOUT_MINUTES", &c.Gateway.IdleTimeoutMinutes)

	// Lock backend
	envStr("REDIS_URL", &c.Redis.URL)
	envStr("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port)
	envStr("REDIS_PASSWORD", &c.Redis.Password)

	// Provider credentials and models
	envStr("ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("ANTHROPIC_API_BASE", &c.Providers.Anthropic.APIBase)
	envStr("ANTHROPIC_MODEL", &c.Providers.Anthropic.Model)
	envStr("OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("OPENAI_MODEL", &c.Providers.OpenAI.Model)
	envStr("DEFAULT_PROVIDER", &c.Providers.Default)

	// Identity store
	envStr("POSTGRES_DSN", &c.Database.PostgresDSN)

	// Alerting
	envBool("ALERTS_ENABLED", &c.Alerts.Enabled)
	if v := os.Getenv("ALERT_ERROR_RATE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Alerts.ErrorRateThreshold = f
		}
	}

	// Telemetry
	envBool("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// Save writes the config to a JSON file. Secret fields are json:"-" and
// never persist.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
