// Package config provides configuration loading for the control plane.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds all control plane configuration.
type Config struct {
	// Listen address (default ":8443")
	ListenAddr string `json:"listen_addr"`
	// Data directory for SQLite databases (default "/var/lib/sentryctl")
	DataDir string `json:"data_dir"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Auth
	AuthEnabled bool `json:"auth_enabled"`

	// Signing key for HMAC (hex-encoded, 64+ chars)
	SigningKey string `json:"signing_key,omitempty"`

	// Rate limiting
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Fleet session/dispatch timeouts
	Timeouts TimeoutConfig `json:"timeouts,omitempty"`

	// Correlation engine tuning
	Correlation CorrelationConfig `json:"correlation,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// External URL for install commands (e.g. https://fleet.example.com)
	ExternalURL string `json:"external_url,omitempty"`

	// Durable store driver ("sqlite", "mysql", "pgx") and DSN. Empty DSN
	// defaults to a SQLite file under DataDir.
	DBDriver string `json:"db_driver,omitempty"`
	DBDSN    string `json:"db_dsn,omitempty"`

	// Optional operator-authored fixture files loaded at startup.
	RuleSetPath     string `json:"rule_set_path,omitempty"`
	ThreatIntelPath string `json:"threat_intel_path,omitempty"`

	// Maintenance job schedules (cron expressions); see scheduler.Config.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// MaintenanceConfig configures the cron-driven background maintenance jobs.
type MaintenanceConfig struct {
	PurgeSchedule        string `json:"purge_schedule"`
	PurgeTTLHours        int    `json:"purge_ttl_hours"`
	BackupSchedule       string `json:"backup_schedule"`
	BackupRetentionHours int    `json:"backup_retention_hours"`
}

// RateLimitConfig configures per-key and per-agent rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute  int `json:"requests_per_minute"`
	CommandsPerHour    int `json:"commands_per_hour"`
	MaxConcurrentPerAgent int `json:"max_concurrent_per_agent"`
}

// TimeoutConfig configures command and heartbeat timeouts, all in seconds.
type TimeoutConfig struct {
	CommandSeconds          int `json:"command_seconds"`
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	MaxMissedHeartbeats     int `json:"max_missed_heartbeats"`
}

// CorrelationConfig configures the correlation engine's sweep cadence and window.
type CorrelationConfig struct {
	SweepIntervalSeconds int     `json:"sweep_interval_seconds"`
	WindowSeconds         int     `json:"window_seconds"`
	ConfidenceThreshold   float64 `json:"confidence_threshold"`
	MinContributors       int     `json:"min_contributors"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8443",
		DataDir:    "/var/lib/sentryctl",
		LogLevel:   "info",
		RateLimit: RateLimitConfig{
			RequestsPerMinute:     120,
			CommandsPerHour:       500,
			MaxConcurrentPerAgent: 5,
		},
		Timeouts: TimeoutConfig{
			CommandSeconds:           300,
			HeartbeatIntervalSeconds: 60,
			MaxMissedHeartbeats:      3,
		},
		Correlation: CorrelationConfig{
			SweepIntervalSeconds: 30,
			WindowSeconds:        300,
			ConfidenceThreshold:  0.7,
			MinContributors:      5,
		},
		Maintenance: MaintenanceConfig{
			PurgeSchedule:        "0 * * * *",
			PurgeTTLHours:        24,
			BackupSchedule:       "0 3 * * *",
			BackupRetentionHours: 6 * 24,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	// Load from file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("SENTRYCTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SENTRYCTL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SENTRYCTL_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("SENTRYCTL_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("SENTRYCTL_AUTH"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SENTRYCTL_SIGNING_KEY"); v != "" {
		cfg.SigningKey = v
	}
	if v := os.Getenv("SENTRYCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SENTRYCTL_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("SENTRYCTL_COMMANDS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.CommandsPerHour = n
		}
	}
	if v := os.Getenv("SENTRYCTL_COMMAND_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.CommandSeconds = n
		}
	}
	if v := os.Getenv("SENTRYCTL_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Timeouts.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("SENTRYCTL_CORRELATION_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Correlation.WindowSeconds = n
		}
	}
	if v := os.Getenv("SENTRYCTL_EXTERNAL_URL"); v != "" {
		cfg.ExternalURL = v
	}
	if v := os.Getenv("SENTRYCTL_DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("SENTRYCTL_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("SENTRYCTL_RULE_SET_PATH"); v != "" {
		cfg.RuleSetPath = v
	}
	if v := os.Getenv("SENTRYCTL_THREAT_INTEL_PATH"); v != "" {
		cfg.ThreatIntelPath = v
	}
	if v := os.Getenv("SENTRYCTL_PURGE_SCHEDULE"); v != "" {
		cfg.Maintenance.PurgeSchedule = v
	}
	if v := os.Getenv("SENTRYCTL_BACKUP_SCHEDULE"); v != "" {
		cfg.Maintenance.BackupSchedule = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() Config {
	cfg, _ := Load("")
	return cfg
}

// Save writes configuration to a file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
