package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Host string
	Port int

	// Security
	AdminToken string

	// Pool / credentials
	CredentialsDir      string
	FailureCooldownSecs int
	MaxFailures         int

	// Persisted state
	KeyStoreDBPath string
	ErrorLogPath   string
	PriceTablePath string

	// Upstream
	KiroVersion         string
	DefaultRegion       string
	TokenRefreshAdvance time.Duration
	UpstreamTimeout     time.Duration
	SSOPollTimeout      time.Duration

	// Request
	RequestTimeout   time.Duration
	MaxRequestBodyMB int

	// Logging
	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		CredentialsDir:      envOr("CREDENTIALS_DIR", "./credentials"),
		FailureCooldownSecs: envInt("FAILURE_COOLDOWN_SECS", 60),
		MaxFailures:         envInt("MAX_FAILURES", 5),

		KeyStoreDBPath: envOr("DB_PATH", "./kiro.db"),
		ErrorLogPath:   envOr("ERROR_LOG_PATH", "./data/error_logs.json"),
		PriceTablePath: envOr("PRICE_TABLE_PATH", "./price.json"),

		KiroVersion:         envOr("KIRO_VERSION", "0.1.0"),
		DefaultRegion:       envOr("DEFAULT_REGION", "us-east-1"),
		TokenRefreshAdvance: envDuration("TOKEN_REFRESH_ADVANCE", 60*time.Second),
		UpstreamTimeout:     envDuration("UPSTREAM_TIMEOUT", 720*time.Second),
		SSOPollTimeout:      envDuration("SSO_POLL_TIMEOUT", 120*time.Second),

		RequestTimeout:   envDuration("REQUEST_TIMEOUT", 720*time.Second),
		MaxRequestBodyMB: envInt("REQUEST_MAX_SIZE_MB", 60),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return errMissing("ADMIN_TOKEN")
	}
	if c.CredentialsDir == "" {
		return errMissing("CREDENTIALS_DIR")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
