package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"API_HOST", "API_PORT", "GRPC_ADDR", "API_HMAC_KEY_ID", "API_HMAC_SECRET",
	"CHROME_CONTROL_URL", "CHROME_BIN", "CHROME_HEADLESS", "CHROME_USER_DATA_DIR",
	"SESSION_TIMEOUT_SECONDS", "SETTLE_DELAY_MS", "NAVIGATION_GRACE_SECONDS",
	"MAX_CONTEXT_ATTEMPTS", "MAX_ACTION_PAGES", "MAX_PARSE_FAILURES",
	"NUDGE_INTERVAL_MS", "SNAPSHOT_CACHE_SIZE",
	"BACKEND_URL", "BACKEND_HMAC_KEY_ID", "BACKEND_HMAC_SECRET", "SUBMISSION_WORKER_COUNT",
	"DATABASE_PATH", "CLOCK_SKEW_SECONDS", "LOG_LEVEL", "LOG_RETENTION_DAYS",
}

// clearConfigEnv unsets every variable Load reads so tests start from defaults.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestConfig_Load_WithDefaults(t *testing.T) {
	clearConfigEnv(t)

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.GetAPIAddr() != "127.0.0.1:8790" {
		t.Errorf("Expected API addr 127.0.0.1:8790, got %s", config.GetAPIAddr())
	}
	if config.GRPCAddr != "127.0.0.1:8791" {
		t.Errorf("Expected gRPC addr 127.0.0.1:8791, got %s", config.GRPCAddr)
	}
	if config.GetSessionTimeout() != 30*time.Second {
		t.Errorf("Expected 30s session timeout, got %s", config.GetSessionTimeout())
	}
	if config.GetSettleDelay() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s settle delay, got %s", config.GetSettleDelay())
	}
	if config.GetGracePeriod() != 5*time.Second {
		t.Errorf("Expected 5s grace period, got %s", config.GetGracePeriod())
	}
	if config.GetNudgeInterval() != 750*time.Millisecond {
		t.Errorf("Expected 750ms nudge interval, got %s", config.GetNudgeInterval())
	}
	if config.MaxContextAttempts != 5 || config.MaxActionPages != 50 || config.MaxParseFailures != 10 {
		t.Errorf("Unexpected budgets %d/%d/%d", config.MaxContextAttempts, config.MaxActionPages, config.MaxParseFailures)
	}
	if config.DatabasePath != "capture.db" {
		t.Errorf("Expected capture.db, got %s", config.DatabasePath)
	}
	if config.GetClockSkew() != 300*time.Second {
		t.Errorf("Expected 300s clock skew, got %s", config.GetClockSkew())
	}
	if config.Chrome.Headless {
		t.Error("Expected a visible browser by default")
	}
	if config.SubmissionEnabled() {
		t.Error("Expected submission to be disabled without BACKEND_URL")
	}
	if len(config.GetAPISecrets()) != 0 {
		t.Error("Expected API authentication to be disabled without a secret")
	}
}

func TestConfig_Load_WithCustomValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("API_HOST", "0.0.0.0")
	t.Setenv("API_PORT", "9000")
	t.Setenv("API_HMAC_SECRET", "ui-secret")
	t.Setenv("CHROME_CONTROL_URL", "ws://127.0.0.1:9222/devtools/browser/abc")
	t.Setenv("CHROME_HEADLESS", "true")
	t.Setenv("SESSION_TIMEOUT_SECONDS", "45")
	t.Setenv("BACKEND_URL", "https://tasks.example.com")
	t.Setenv("BACKEND_HMAC_SECRET", "backend-secret")
	t.Setenv("SUBMISSION_WORKER_COUNT", "4")

	config, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.GetAPIAddr() != "0.0.0.0:9000" {
		t.Errorf("Expected API addr 0.0.0.0:9000, got %s", config.GetAPIAddr())
	}
	if config.Chrome.ControlURL != "ws://127.0.0.1:9222/devtools/browser/abc" {
		t.Errorf("Unexpected control URL %s", config.Chrome.ControlURL)
	}
	if !config.Chrome.Headless {
		t.Error("Expected headless browser")
	}
	if config.GetSessionTimeout() != 45*time.Second {
		t.Errorf("Expected 45s session timeout, got %s", config.GetSessionTimeout())
	}
	if !config.SubmissionEnabled() {
		t.Error("Expected submission to be enabled")
	}
	if config.GetBackendSecrets()["capture-kid-1"] != "backend-secret" {
		t.Errorf("Unexpected backend secrets %v", config.GetBackendSecrets())
	}
	if config.GetAPISecrets()["ui-kid-1"] != "ui-secret" {
		t.Errorf("Unexpected API secrets %v", config.GetAPISecrets())
	}
	if config.SubmissionWorkerCount != 4 {
		t.Errorf("Expected 4 workers, got %d", config.SubmissionWorkerCount)
	}
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"non numeric port", map[string]string{"API_PORT": "http"}, "API_PORT"},
		{"zero timeout", map[string]string{"SESSION_TIMEOUT_SECONDS": "0"}, "SESSION_TIMEOUT_SECONDS"},
		{"zero page budget", map[string]string{"MAX_ACTION_PAGES": "0"}, "MAX_ACTION_PAGES"},
		{"negative settle", map[string]string{"SETTLE_DELAY_MS": "-1"}, "must not be negative"},
		{"relative backend", map[string]string{"BACKEND_URL": "tasks.example.com", "BACKEND_HMAC_SECRET": "s"}, "BACKEND_URL"},
		{"backend without secret", map[string]string{"BACKEND_URL": "https://tasks.example.com"}, "BACKEND_HMAC_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGetEnvAsInt_ValidInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")

	result := getEnvAsInt("TEST_INT", 10)
	if result != 42 {
		t.Errorf("Expected 42, got %d", result)
	}
}

func TestGetEnvAsInt_InvalidInt(t *testing.T) {
	t.Setenv("TEST_INT", "not_a_number")

	result := getEnvAsInt("TEST_INT", 10)
	if result != 10 {
		t.Errorf("Expected default value 10, got %d", result)
	}
}

func TestGetEnvAsBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "yes")
	if !getEnvAsBool("TEST_BOOL", true) {
		t.Error("Expected default for unparsable bool")
	}

	t.Setenv("TEST_BOOL", "false")
	if getEnvAsBool("TEST_BOOL", true) {
		t.Error("Expected false")
	}
}

func TestGetEnv_DefaultValue(t *testing.T) {
	t.Setenv("TEST_STRING", "")

	result := getEnv("TEST_STRING", "default")
	if result != "default" {
		t.Errorf("Expected 'default' for empty env var, got '%s'", result)
	}
}
