package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("VIGIL_REDIS_URL")
	os.Unsetenv("VIGIL_DATABASE_URL")
	os.Unsetenv("VIGIL_CHECKER_CONCURRENCY")
	os.Unsetenv("VIGIL_PROBE_TIMEOUT")
	os.Unsetenv("VIGIL_ENABLE_EMAIL_ALERTS")

	cfg := Load()

	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.CheckerConcurrency != 50 {
		t.Errorf("CheckerConcurrency = %d, want 50", cfg.CheckerConcurrency)
	}
	if cfg.ProbeTimeout != 30*time.Second {
		t.Errorf("ProbeTimeout = %s, want 30s", cfg.ProbeTimeout)
	}
	if cfg.EnableEmailAlerts {
		t.Error("EnableEmailAlerts should default to false")
	}
	if cfg.SlackWebhookURL != "" {
		t.Errorf("SlackWebhookURL = %q, want empty", cfg.SlackWebhookURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VIGIL_REDIS_URL", "redis://redis:6379/1")
	t.Setenv("VIGIL_CHECKER_CONCURRENCY", "8")
	t.Setenv("VIGIL_PROBE_TIMEOUT", "5s")
	t.Setenv("VIGIL_ENABLE_EMAIL_ALERTS", "true")
	t.Setenv("VIGIL_WEBHOOK_URL", "https://example.com/hook")

	cfg := Load()

	if cfg.RedisURL != "redis://redis:6379/1" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.CheckerConcurrency != 8 {
		t.Errorf("CheckerConcurrency = %d, want 8", cfg.CheckerConcurrency)
	}
	if cfg.ProbeTimeout != 5*time.Second {
		t.Errorf("ProbeTimeout = %s, want 5s", cfg.ProbeTimeout)
	}
	if !cfg.EnableEmailAlerts {
		t.Error("EnableEmailAlerts should be true")
	}
	if cfg.WebhookURL != "https://example.com/hook" {
		t.Errorf("WebhookURL = %q", cfg.WebhookURL)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("VIGIL_CHECKER_CONCURRENCY", "lots")
	t.Setenv("VIGIL_PROBE_TIMEOUT", "soon")

	cfg := Load()

	if cfg.CheckerConcurrency != 50 {
		t.Errorf("CheckerConcurrency = %d, want fallback 50", cfg.CheckerConcurrency)
	}
	if cfg.ProbeTimeout != 30*time.Second {
		t.Errorf("ProbeTimeout = %s, want fallback 30s", cfg.ProbeTimeout)
	}
}
