// Package config provides configuration management for the Proof Capture Engine.
// Loads settings from environment variables and .env files with validation and defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ChromeConfig describes how the daemon reaches a browser.
type ChromeConfig struct {
	ControlURL  string // DevTools websocket of a running Chrome; empty launches one
	Bin         string // Chrome binary used when launching; empty lets the launcher find or download one
	Headless    bool   // Launch headless
	UserDataDir string // Profile directory holding the platform login session
}

// Config holds all configuration settings for the capture daemon and the CLI.
type Config struct {
	// API Configuration
	APIHost   string // HTTP API bind host address
	APIPort   string // HTTP API bind port
	GRPCAddr  string // gRPC bridge listen address; empty disables the bridge
	APIKeyID  string // Key identifier accepted on mutating API routes
	APISecret string // Secret for mutating API routes; empty disables API authentication

	// Chrome
	Chrome ChromeConfig

	// Session Configuration
	SessionTimeoutSeconds int // Wall-clock budget of one verification
	SettleDelayMillis     int // Wait after page load for client-side requests
	GracePeriodSeconds    int // How long a tab may stay off the capture page
	MaxContextAttempts    int // Invalid context payloads tolerated per session
	MaxActionPages        int // Action pages inspected before giving up
	MaxParseFailures      int // Decode and parse failures tolerated per session
	NudgeIntervalMillis   int // Minimum spacing of pagination scrolls per tab
	SnapshotCacheSize     int // Terminated session snapshots kept for late readers

	// Backend Configuration
	BackendURL            string // Base URL of the backend task API; empty disables submission
	BackendHMACKeyID      string // Key identifier for signing submissions
	BackendHMACSecret     string // Secret for signing submissions
	SubmissionWorkerCount int    // Number of concurrent submission workers

	// Database
	DatabasePath string // File path for the SQLite database

	// Security
	ClockSkewSeconds int // Maximum allowed time difference for HMAC timestamp validation

	// Logging
	LogLevel         string // Log level (debug, info, warn, error)
	LogRetentionDays int    // Log files older than this are removed at startup
}

// Load reads configuration from environment variables and .env file.
// Automatically loads .env file if present, with environment variables taking precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if file doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		APIHost:   getEnv("API_HOST", "127.0.0.1"),
		APIPort:   getEnv("API_PORT", "8790"),
		GRPCAddr:  getEnv("GRPC_ADDR", "127.0.0.1:8791"),
		APIKeyID:  getEnv("API_HMAC_KEY_ID", "ui-kid-1"),
		APISecret: getEnv("API_HMAC_SECRET", ""),

		Chrome: ChromeConfig{
			ControlURL:  getEnv("CHROME_CONTROL_URL", ""),
			Bin:         getEnv("CHROME_BIN", ""),
			Headless:    getEnvAsBool("CHROME_HEADLESS", false),
			UserDataDir: getEnv("CHROME_USER_DATA_DIR", ""),
		},

		SessionTimeoutSeconds: getEnvAsInt("SESSION_TIMEOUT_SECONDS", 30),
		SettleDelayMillis:     getEnvAsInt("SETTLE_DELAY_MS", 1500),
		GracePeriodSeconds:    getEnvAsInt("NAVIGATION_GRACE_SECONDS", 5),
		MaxContextAttempts:    getEnvAsInt("MAX_CONTEXT_ATTEMPTS", 5),
		MaxActionPages:        getEnvAsInt("MAX_ACTION_PAGES", 50),
		MaxParseFailures:      getEnvAsInt("MAX_PARSE_FAILURES", 10),
		NudgeIntervalMillis:   getEnvAsInt("NUDGE_INTERVAL_MS", 750),
		SnapshotCacheSize:     getEnvAsInt("SNAPSHOT_CACHE_SIZE", 256),

		BackendURL:            getEnv("BACKEND_URL", ""),
		BackendHMACKeyID:      getEnv("BACKEND_HMAC_KEY_ID", "capture-kid-1"),
		BackendHMACSecret:     getEnv("BACKEND_HMAC_SECRET", ""),
		SubmissionWorkerCount: getEnvAsInt("SUBMISSION_WORKER_COUNT", 2),

		DatabasePath: getEnv("DATABASE_PATH", "capture.db"),

		ClockSkewSeconds: getEnvAsInt("CLOCK_SKEW_SECONDS", 300),

		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogRetentionDays: getEnvAsInt("LOG_RETENTION_DAYS", 7),
	}

	return config, config.validate()
}

// validate ensures all required configuration values are present and valid.
func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.APIPort); err != nil {
		return fmt.Errorf("API_PORT must be numeric, got %q", c.APIPort)
	}

	positive := map[string]int{
		"SESSION_TIMEOUT_SECONDS": c.SessionTimeoutSeconds,
		"MAX_CONTEXT_ATTEMPTS":    c.MaxContextAttempts,
		"MAX_ACTION_PAGES":        c.MaxActionPages,
		"MAX_PARSE_FAILURES":      c.MaxParseFailures,
		"SNAPSHOT_CACHE_SIZE":     c.SnapshotCacheSize,
		"SUBMISSION_WORKER_COUNT": c.SubmissionWorkerCount,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}
	if c.SettleDelayMillis < 0 || c.GracePeriodSeconds < 0 || c.NudgeIntervalMillis < 0 {
		return fmt.Errorf("SETTLE_DELAY_MS, NAVIGATION_GRACE_SECONDS and NUDGE_INTERVAL_MS must not be negative")
	}

	if c.BackendURL != "" {
		u, err := url.Parse(c.BackendURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
		}
		if c.BackendHMACSecret == "" {
			return fmt.Errorf("BACKEND_HMAC_SECRET must be set when BACKEND_URL is set")
		}
	}

	return nil
}

// GetAPIAddr returns the complete address for the HTTP API.
func (c *Config) GetAPIAddr() string {
	return fmt.Sprintf("%s:%s", c.APIHost, c.APIPort)
}

// GetClockSkew returns the clock skew tolerance as a time.Duration.
func (c *Config) GetClockSkew() time.Duration {
	return time.Duration(c.ClockSkewSeconds) * time.Second
}

// GetSessionTimeout returns the per-session wall-clock budget.
func (c *Config) GetSessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// GetSettleDelay returns the post-load settle delay.
func (c *Config) GetSettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

// GetGracePeriod returns how long a tab may stay off the capture page.
func (c *Config) GetGracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// GetNudgeInterval returns the minimum spacing of pagination scrolls.
func (c *Config) GetNudgeInterval() time.Duration {
	return time.Duration(c.NudgeIntervalMillis) * time.Millisecond
}

// GetAPISecrets returns the HMAC secrets accepted on mutating API routes.
// An empty map means API authentication is disabled.
func (c *Config) GetAPISecrets() map[string]string {
	secrets := make(map[string]string)
	if c.APISecret != "" {
		secrets[c.APIKeyID] = c.APISecret
	}
	return secrets
}

// GetBackendSecrets returns the HMAC secret used to sign submissions.
func (c *Config) GetBackendSecrets() map[string]string {
	secrets := make(map[string]string)
	if c.BackendHMACSecret != "" {
		secrets[c.BackendHMACKeyID] = c.BackendHMACSecret
	}
	return secrets
}

// SubmissionEnabled reports whether proofs are delivered to a backend.
func (c *Config) SubmissionEnabled() bool {
	return c.BackendURL != ""
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as integer or returns a default.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as boolean or returns a default.
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
