// Package config holds the process configuration: a JSON5 file overlaid
// with environment variables. Env vars always win.
package config

import (
	"os"
	"time"
)

// Config is the root configuration for the trialogue server.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Storage    StorageConfig    `json:"storage"`
	Discussion DiscussionConfig `json:"discussion"`
	Providers  ProvidersConfig  `json:"providers"`
	Redis      RedisConfig      `json:"redis,omitempty"`
	Database   DatabaseConfig   `json:"database,omitempty"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

// GatewayConfig covers the WebSocket listener and its connection limits.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	MaxConnectionsPerIP  int `json:"max_connections_per_ip"`  // concurrent, per source address
	ConnectionRateLimit  int `json:"connection_rate_limit"`   // new connections per minute per address
	MaxMessagesPerMinute int `json:"max_messages_per_minute"` // inbound, per connection
	MaxPayloadBytes      int `json:"max_payload_bytes"`

	IdleTimeoutMinutes int `json:"idle_timeout_minutes"`
	DrainTimeoutSec    int `json:"drain_timeout_sec"`
}

// IdleTimeout returns the session idle cutoff as a duration.
func (g GatewayConfig) IdleTimeout() time.Duration {
	return time.Duration(g.IdleTimeoutMinutes) * time.Minute
}

// DrainTimeout bounds the graceful-shutdown wait for in-flight streams.
func (g GatewayConfig) DrainTimeout() time.Duration {
	return time.Duration(g.DrainTimeoutSec) * time.Second
}

// StorageConfig names the storage roots and file-retry policy.
type StorageConfig struct {
	DatabasePath   string `json:"database_path"`   // sqlite metadata index
	DiscussionsDir string `json:"discussions_dir"` // per-user journal directories
	BackupsDir     string `json:"backups_dir"`

	FileOperationMaxRetries   int `json:"file_operation_max_retries"`
	FileOperationRetryDelayMS int `json:"file_operation_retry_delay_ms"`

	EnableTokenSyncValidation bool `json:"enable_token_sync_validation"`
	AutoRepairTokenSync       bool `json:"auto_repair_token_sync"`
}

// RetryDelay returns the initial backoff as a duration.
func (s StorageConfig) RetryDelay() time.Duration {
	return time.Duration(s.FileOperationRetryDelayMS) * time.Millisecond
}

// DiscussionConfig covers per-discussion behavior.
type DiscussionConfig struct {
	TokenLimit            int `json:"token_limit"`
	StaleThresholdMinutes int `json:"stale_threshold_minutes"`
}

// StaleThreshold returns the force-resolve cutoff as a duration.
func (d DiscussionConfig) StaleThreshold() time.Duration {
	return time.Duration(d.StaleThresholdMinutes) * time.Minute
}

// ProvidersConfig holds one credential set per language-model back-end.
type ProvidersConfig struct {
	Default   string         `json:"default"` // logical name of the provider to use
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
}

// ProviderConfig is one back-end's credentials and model chain.
type ProviderConfig struct {
	APIKey         string   `json:"-"` // env only, never persisted
	APIBase        string   `json:"api_base,omitempty"`
	Model          string   `json:"model,omitempty"`
	FallbackModels []string `json:"fallback_models,omitempty"`
}

// Configured reports whether the back-end has credentials.
func (p ProviderConfig) Configured() bool { return p.APIKey != "" }

// RedisConfig enables the distributed lock backend when set.
type RedisConfig struct {
	URL      string `json:"url,omitempty"` // takes precedence over host/port
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"-"` // env only
}

// Enabled reports whether a Redis backend is configured.
func (r RedisConfig) Enabled() bool { return r.URL != "" || r.Host != "" }

// DatabaseConfig configures the external Postgres identity store.
// The DSN is never read from the config file.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// AlertsConfig gates the error-rate alerter hook.
type AlertsConfig struct {
	Enabled            bool    `json:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
