package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("AGENT_SWARM_HOME", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3939 {
		t.Fatalf("default port = %d", cfg.Port)
	}
	if cfg.Scheduler.TickSeconds != 10 {
		t.Fatalf("default tick = %d", cfg.Scheduler.TickSeconds)
	}
	if cfg.Sweeps.ReviewingTimeoutMinutes != 30 {
		t.Fatalf("default reviewing timeout = %d", cfg.Sweeps.ReviewingTimeoutMinutes)
	}
	if filepath.Base(cfg.DatabasePath) != "agent-swarm-db.sqlite" {
		t.Fatalf("default db path = %q", cfg.DatabasePath)
	}
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
port: 8080
log_level: debug
rate_limit:
  requests_per_minute: 30
ingress:
  github:
    webhook_secret: from-yaml
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_SWARM_HOME", dir)
	t.Setenv("PORT", "9090")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("env should win: port = %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.RateLimit.RequestsPerMinute != 30 {
		t.Fatalf("rpm = %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Ingress.GitHub.WebhookSecret != "from-env" {
		t.Fatalf("webhook secret = %q", cfg.Ingress.GitHub.WebhookSecret)
	}
}

func TestFingerprint_StableAndSecretBlind(t *testing.T) {
	t.Setenv("AGENT_SWARM_HOME", t.TempDir())
	a, _ := Load("")
	b, _ := Load("")
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.APIKey = "secret-1"
	c := *b
	c.APIKey = "secret-2"
	if b.Fingerprint() != c.Fingerprint() {
		t.Fatal("fingerprint should hash secret presence, not value")
	}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change when auth is enabled")
	}
}

func TestParseIDList(t *testing.T) {
	got := parseIDList("1, 2,bogus,3")
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("parseIDList = %v", got)
	}
}

func TestWriteEnvValues_PreservesUnrelatedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("KEEP=me\nPORT=1111\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteEnvValues(path, map[string]string{"PORT": "2222", "NEW": "yes"}); err != nil {
		t.Fatalf("write env: %v", err)
	}
	vals, err := readEnvFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if vals["KEEP"] != "me" || vals["PORT"] != "2222" || vals["NEW"] != "yes" {
		t.Fatalf("env values = %v", vals)
	}
}

func TestLoadDotEnv_DoesNotOverrideProcessEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("APP_URL=https://from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_URL", "https://from-process")
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("APP_URL"); got != "https://from-process" {
		t.Fatalf("process env overridden: %q", got)
	}
}
