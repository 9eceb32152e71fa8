package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadUsesDefaultsAndYAMLOverrides(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	yaml := `
http:
  addr: ":9090"
gateway:
  base_url: https://payments.example.com
  timeout: 3s
purchase:
  max_children_per_purchase: 4
  rate_limit_per_minute: 30
reconcile:
  interval: 1m
  pending_age: 2m
s3:
  bucket: content-staging
  url_ttl: 5m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Gateway.BaseURL != "https://payments.example.com" {
		t.Fatalf("unexpected gateway base url: %s", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.Timeout != 3*time.Second {
		t.Fatalf("unexpected gateway timeout: %s", cfg.Gateway.Timeout)
	}
	if cfg.Purchase.MaxChildrenPerPurchase != 4 {
		t.Fatalf("unexpected max children: %d", cfg.Purchase.MaxChildrenPerPurchase)
	}
	if cfg.Purchase.RateLimitPerMinute != 30 {
		t.Fatalf("unexpected purchase rate limit: %d", cfg.Purchase.RateLimitPerMinute)
	}
	if cfg.Reconcile.Interval != time.Minute {
		t.Fatalf("unexpected reconcile interval: %s", cfg.Reconcile.Interval)
	}
	if cfg.Reconcile.PendingAge != 2*time.Minute {
		t.Fatalf("unexpected reconcile pending age: %s", cfg.Reconcile.PendingAge)
	}
	if cfg.S3.Bucket != "content-staging" {
		t.Fatalf("unexpected s3 bucket: %s", cfg.S3.Bucket)
	}
	if cfg.S3.URLTTL != 5*time.Minute {
		t.Fatalf("unexpected s3 url ttl: %s", cfg.S3.URLTTL)
	}

	if cfg.Purchase.GrantRetryAttempts != 3 {
		t.Fatalf("grant retry attempts default should stay 3")
	}
	if cfg.Reconcile.BatchSize != 50 {
		t.Fatalf("reconcile batch size default should stay 50")
	}
	if cfg.HTTP.ReadTimeout != 5*time.Second {
		t.Fatalf("http read timeout default should stay 5s")
	}
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config with missing file: %v", err)
	}

	if cfg.Env != "dev" {
		t.Fatalf("unexpected default env: %s", cfg.Env)
	}
	if cfg.Purchase.MaxChildrenPerPurchase != 10 {
		t.Fatalf("unexpected default max children: %d", cfg.Purchase.MaxChildrenPerPurchase)
	}
	if cfg.Purchase.RateLimitPerMinute != 12 {
		t.Fatalf("unexpected default purchase rate limit: %d", cfg.Purchase.RateLimitPerMinute)
	}
	if cfg.Gateway.Timeout != 10*time.Second {
		t.Fatalf("unexpected default gateway timeout: %s", cfg.Gateway.Timeout)
	}
	if cfg.Reconcile.Interval != 5*time.Minute {
		t.Fatalf("unexpected default reconcile interval: %s", cfg.Reconcile.Interval)
	}
	if cfg.S3.URLTTL != 15*time.Minute {
		t.Fatalf("unexpected default s3 url ttl: %s", cfg.S3.URLTTL)
	}
	if cfg.Telemetry.Enabled {
		t.Fatalf("telemetry should be disabled by default")
	}
	if cfg.Alert.TelegramToken != "" {
		t.Fatalf("alert token default should be empty")
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("GATEWAY_BASE_URL", "https://gw.test")
	t.Setenv("GATEWAY_TIMEOUT", "2s")
	t.Setenv("PURCHASE_RATE_LIMIT_PER_MINUTE", "5")
	t.Setenv("RECONCILE_PENDING_AGE", "30m")
	t.Setenv("ALERT_CHAT_ID", "-100123456")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Gateway.BaseURL != "https://gw.test" {
		t.Fatalf("unexpected gateway base url: %s", cfg.Gateway.BaseURL)
	}
	if cfg.Gateway.Timeout != 2*time.Second {
		t.Fatalf("unexpected gateway timeout: %s", cfg.Gateway.Timeout)
	}
	if cfg.Purchase.RateLimitPerMinute != 5 {
		t.Fatalf("unexpected purchase rate limit: %d", cfg.Purchase.RateLimitPerMinute)
	}
	if cfg.Reconcile.PendingAge != 30*time.Minute {
		t.Fatalf("unexpected reconcile pending age: %s", cfg.Reconcile.PendingAge)
	}
	if cfg.Alert.ChatID != -100123456 {
		t.Fatalf("unexpected alert chat id: %d", cfg.Alert.ChatID)
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("GATEWAY_TIMEOUT", "not-a-duration")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for malformed GATEWAY_TIMEOUT")
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV",
		"HTTP_ADDR",
		"HTTP_READ_TIMEOUT",
		"HTTP_WRITE_TIMEOUT",
		"HTTP_IDLE_TIMEOUT",
		"LOG_LEVEL",
		"POSTGRES_DSN",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"S3_ENDPOINT",
		"S3_ACCESS_KEY",
		"S3_SECRET_KEY",
		"S3_BUCKET",
		"S3_USE_SSL",
		"S3_URL_TTL",
		"JWT_SECRET",
		"JWT_ACCESS_TTL",
		"GATEWAY_BASE_URL",
		"GATEWAY_API_KEY",
		"GATEWAY_TIMEOUT",
		"GATEWAY_RETRY_COUNT",
		"PURCHASE_MAX_CHILDREN",
		"PURCHASE_RATE_LIMIT_PER_MINUTE",
		"PURCHASE_GRANT_RETRY_ATTEMPTS",
		"PURCHASE_GRANT_RETRY_DELAY",
		"RECONCILE_INTERVAL",
		"RECONCILE_PENDING_AGE",
		"RECONCILE_BATCH_SIZE",
		"ALERT_TELEGRAM_TOKEN",
		"ALERT_CHAT_ID",
		"TELEMETRY_ENABLED",
		"OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}
